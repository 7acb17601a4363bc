package lef

import (
	"bytes"
	"testing"
)

func buildTestExtension(t *testing.T, baseHash uint32, baseVer version, blendMode BlendMode, weight float32) *ExtensionModel {
	t.Helper()

	header := LEFXHeader{
		Magic:            MagicLEFX,
		VersionMajor:     1,
		VersionMinor:     0,
		BaseModelHash:    baseHash,
		ExtensionType:    ExtSpeaker,
		ExtensionID:      42,
		NumLayers:        1,
	}
	setFixed(header.BaseModelVersion[:], "1.0")
	setFixed(header.ExtensionName[:], "bright-voice")
	setFixed(header.ExtensionVersion[:], "1.0")

	meta := ExtensionMeta{
		MinBaseVersionMajor: 1,
		MinBaseVersionMinor: 0,
		MaxBaseVersionMajor: baseVer.major,
		MaxBaseVersionMinor: baseVer.minor,
		QualityScore:        0.8,
		PerformanceImpact:   0.2,
	}

	payload := make([]float32, 16)
	for i := range payload {
		payload[i] = float32(i) * 0.25
	}
	raw := float32ToBytes(payload)

	lh := LEFXLayerHeader{
		ExtensionLayerID:    0,
		BaseLayerID:         0,
		LayerKind:           uint8(LayerLinear),
		BlendMode:           blendMode,
		ActivationCondition: ActivationAlways,
		BlendWeight:         weight,
		DataSize:            uint32(len(raw)),
		Checksum:            crc32IEEE(raw),
	}

	return &ExtensionModel{
		Header:    header,
		Meta:      meta,
		Layers:    []LEFXLayerHeader{lh},
		payloads:  [][]byte{raw},
		snapshots: make(map[uint16][]byte),
		logger:    (&Options{}).logger(),
	}
}

func buildTestBaseModel(t *testing.T) *Model {
	t.Helper()
	payload := make([]float32, 16)
	for i := range payload {
		payload[i] = float32(i) * 0.5
	}
	raw := float32ToBytes(payload)

	return &Model{
		Header: Header{VersionMajor: 1, VersionMinor: 1},
		layerHdrs: []LayerHeader{
			{LayerID: 0, LayerKind: uint8(LayerLinear), DataSize: uint32(len(raw))},
		},
		layerData: [][]byte{raw},
		backing:   borrowedBacking{},
		logger:    (&Options{}).logger(),
	}
}

func TestApplyExtensionReplaceThenDeactivateIsInvolution(t *testing.T) {
	base := buildTestBaseModel(t)
	original := make([]byte, len(base.layerData[0]))
	copy(original, base.layerData[0])

	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)

	if err := ApplyExtension(base, ext); err != nil {
		t.Fatalf("ApplyExtension failed: %v", err)
	}
	if bytes.Equal(base.layerData[0], original) {
		t.Fatalf("expected layer 0 to change after REPLACE blend")
	}
	if !bytes.Equal(base.layerData[0], ext.payloads[0]) {
		t.Fatalf("REPLACE blend should set layer bytes to the extension payload exactly")
	}

	if err := DeactivateExtension(base, ext); err != nil {
		t.Fatalf("DeactivateExtension failed: %v", err)
	}
	if !bytes.Equal(base.layerData[0], original) {
		t.Fatalf("expected layer 0 to be restored to its pre-image after deactivate")
	}
}

func TestApplyExtensionReplaceBlendsByWeight(t *testing.T) {
	base := &Model{
		Header:    Header{VersionMajor: 1, VersionMinor: 1},
		layerHdrs: []LayerHeader{{LayerID: 0, LayerKind: uint8(LayerLinear), DataSize: 16}},
		layerData: [][]byte{float32ToBytes([]float32{1, 2, 3, 4})},
		backing:   borrowedBacking{},
		logger:    (&Options{}).logger(),
	}
	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 0.5)
	raw := float32ToBytes([]float32{0.5, 1, 1.5, 2})
	ext.Layers[0].DataSize = uint32(len(raw))
	ext.Layers[0].Checksum = crc32IEEE(raw)
	ext.payloads[0] = raw

	if err := ApplyExtension(base, ext); err != nil {
		t.Fatalf("ApplyExtension failed: %v", err)
	}
	got := bytesToFloat32(base.layerData[0])
	want := []float32{0.75, 1.5, 2.25, 3.0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("blended[%d] = %f, want %f (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestApplyExtensionSkipsLayerOnSizeMismatch(t *testing.T) {
	base := buildTestBaseModel(t)
	original := make([]byte, len(base.layerData[0]))
	copy(original, base.layerData[0])

	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)
	shortRaw := float32ToBytes([]float32{1, 2, 3})
	ext.Layers[0].DataSize = uint32(len(shortRaw))
	ext.Layers[0].Checksum = crc32IEEE(shortRaw)
	ext.payloads[0] = shortRaw

	if err := ApplyExtension(base, ext); err != nil {
		t.Fatalf("ApplyExtension failed: %v", err)
	}
	if !bytes.Equal(base.layerData[0], original) {
		t.Fatalf("expected layer to be left untouched on data_size mismatch")
	}
}

func TestCheckCompatibilityZeroHashSkipsHashCheck(t *testing.T) {
	base := buildTestBaseModel(t)
	ext := buildTestExtension(t, 0, version{1, 1}, BlendReplace, 1.0)

	if err := CheckCompatibility(ext, base); err != nil {
		t.Fatalf("CheckCompatibility() error = %v, want nil (base_model_hash 0 skips the check)", err)
	}
}

func TestCheckCompatibilityRejectsMismatchedBaseModelName(t *testing.T) {
	base := buildTestBaseModel(t)
	setFixed(base.Meta.Name[:], "tacotron")
	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)
	setFixed(ext.Header.BaseModelName[:], "different-model")

	if err := CheckCompatibility(ext, base); err != ErrVersionIncompatible {
		t.Fatalf("CheckCompatibility() error = %v, want ErrVersionIncompatible", err)
	}
}

func TestCheckCompatibilityRejectsUndersizedBase(t *testing.T) {
	base := buildTestBaseModel(t)
	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)
	ext.Header.RequiredBaseSize = uint32(base.totalDataSize()) + 1

	if err := CheckCompatibility(ext, base); err != ErrVersionIncompatible {
		t.Fatalf("CheckCompatibility() error = %v, want ErrVersionIncompatible", err)
	}
}

func TestApplyExtensionAdditiveLayer(t *testing.T) {
	base := buildTestBaseModel(t)
	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)
	ext.Layers[0].BaseLayerID = noBaseLayer

	before := base.NumLayers()
	if err := ApplyExtension(base, ext); err != nil {
		t.Fatalf("ApplyExtension failed: %v", err)
	}
	if base.NumLayers() != before+1 {
		t.Fatalf("NumLayers() = %d, want %d", base.NumLayers(), before+1)
	}

	if err := DeactivateExtension(base, ext); err != nil {
		t.Fatalf("DeactivateExtension failed: %v", err)
	}
	if base.NumLayers() != before {
		t.Fatalf("NumLayers() after deactivate = %d, want %d", base.NumLayers(), before)
	}
}

func TestCheckCompatibilityRejectsWrongBaseHash(t *testing.T) {
	base := buildTestBaseModel(t)
	ext := buildTestExtension(t, base.ModelHash()+1, version{1, 1}, BlendReplace, 1.0)

	if err := CheckCompatibility(ext, base); err != ErrVersionIncompatible {
		t.Fatalf("CheckCompatibility() error = %v, want ErrVersionIncompatible", err)
	}
}

func TestCheckCompatibilityRejectsVersionOutsideWindow(t *testing.T) {
	base := buildTestBaseModel(t)
	ext := buildTestExtension(t, base.ModelHash(), version{1, 1}, BlendReplace, 1.0)
	ext.Meta.MaxBaseVersionMajor = 0
	ext.Meta.MaxBaseVersionMinor = 5

	if err := CheckCompatibility(ext, base); err != ErrVersionIncompatible {
		t.Fatalf("CheckCompatibility() error = %v, want ErrVersionIncompatible", err)
	}
}

func TestCheckDependenciesRequiredAndConflict(t *testing.T) {
	ext := &ExtensionModel{
		Deps: []Dependency{
			{DependencyID: 1, Type: DependencyRequired},
			{DependencyID: 2, Type: DependencyConflict},
		},
	}

	if err := CheckDependencies(ext, map[uint32]bool{1: true}); err != nil {
		t.Fatalf("expected satisfied dependencies, got %v", err)
	}
	if err := CheckDependencies(ext, map[uint32]bool{}); err != ErrDependencyUnresolved {
		t.Fatalf("expected ErrDependencyUnresolved, got %v", err)
	}
	if err := CheckDependencies(ext, map[uint32]bool{1: true, 2: true}); err != ErrDependencyConflict {
		t.Fatalf("expected ErrDependencyConflict, got %v", err)
	}
}

func TestActivationRuleEncodeDecodeRoundTrip(t *testing.T) {
	rules := []ActivationRule{
		{RuleID: 1, ConditionType: ConditionText, Operator: OpContains, ConditionValue: "hello", ActivationWeight: 0.5, Priority: 10},
		{RuleID: 2, ConditionType: ConditionSpeaker, Operator: OpEQ, ConditionValue: "", ActivationWeight: 1.0, Priority: 0},
	}
	enc := encodeActivationRules(rules)
	decoded, err := decodeActivationRules(enc)
	if err != nil {
		t.Fatalf("decodeActivationRules failed: %v", err)
	}
	if len(decoded) != len(rules) {
		t.Fatalf("decoded %d rules, want %d", len(decoded), len(rules))
	}
	for i := range rules {
		if decoded[i] != rules[i] {
			t.Errorf("rule %d: got %+v, want %+v", i, decoded[i], rules[i])
		}
	}
}
