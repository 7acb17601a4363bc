package lef

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/libetude/lef/internal/logging"
)

// ExtensionModel is the decoded, in-memory view of a LEFX file plus the
// runtime bookkeeping ApplyExtension/DeactivateExtension need (§4.6).
type ExtensionModel struct {
	Header LEFXHeader
	Meta   ExtensionMeta
	Deps   []Dependency
	Layers []LEFXLayerHeader

	payloads [][]byte // decoded, decompressed, one per Layers entry

	active    bool
	snapshots map[uint16][]byte // base_layer_id -> pre-image captured on first Apply

	logger *logging.Helper
}

// LoadExtension reads path into a self-contained ExtensionModel.
func LoadExtension(path string, opts *Options) (*ExtensionModel, error) {
	data, err := readWholeFile(path)
	if err != nil {
		return nil, err
	}
	return LoadExtensionFromMemory(data, opts)
}

// LoadExtensionFromMemory parses a LEFX byte buffer (§4.6.1).
func LoadExtensionFromMemory(data []byte, opts *Options) (*ExtensionModel, error) {
	if uint32(len(data)) < LEFXHeaderSize {
		return nil, ErrFileTooSmall
	}
	r := bytes.NewReader(data)
	header, err := readLEFXHeader(r)
	if err != nil {
		return nil, err
	}
	if err := header.validate(); err != nil {
		return nil, err
	}

	if uint32(len(data)) < header.MetaOffset+ExtensionMetaSize {
		return nil, ErrFileTooSmall
	}
	meta, err := readExtensionMeta(bytes.NewReader(data[header.MetaOffset:]))
	if err != nil {
		return nil, err
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	var deps []Dependency
	if header.DependencyOffset != 0 && header.DependencyOffset < header.LayerIndexOffset {
		depLen := header.LayerIndexOffset - header.DependencyOffset
		deps, err = readDependencies(bytes.NewReader(data[header.DependencyOffset:]), depLen)
		if err != nil {
			return nil, err
		}
		for i := range deps {
			if err := deps[i].validate(); err != nil {
				return nil, err
			}
		}
	}

	if uint32(len(data)) < header.LayerIndexOffset+header.NumLayers*LEFXLayerHeaderSize {
		return nil, ErrFileTooSmall
	}
	layers, err := readLEFXLayerIndex(bytes.NewReader(data[header.LayerIndexOffset:]), header.NumLayers)
	if err != nil {
		return nil, err
	}

	payloads := make([][]byte, len(layers))
	for i, lh := range layers {
		if err := lh.validate(); err != nil {
			return nil, err
		}
		start := lh.DataOffset
		storedSize := lh.CompressedSize
		if storedSize == 0 {
			storedSize = lh.DataSize
		}
		if uint64(start)+uint64(storedSize) > uint64(len(data)) {
			return nil, ErrFileTooSmall
		}
		stored := data[start : start+storedSize]
		payload, err := decompressLEFXLayer(&lh, stored)
		if err != nil {
			return nil, err
		}
		if lh.Checksum != 0 && crc32IEEE(payload) != lh.Checksum {
			return nil, ErrChecksumMismatch
		}
		payloads[i] = payload
	}

	return &ExtensionModel{
		Header:    header,
		Meta:      meta,
		Deps:      deps,
		Layers:    layers,
		payloads:  payloads,
		snapshots: make(map[uint16][]byte),
		logger:    opts.logger(),
	}, nil
}

// unconditional reports whether every layer this extension carries is
// flagged ActivationAlways, meaning the extension as a whole activates
// unconditionally rather than being gated by ActivationManager rules
// (§4.6.6). An extension with no layers has nothing to always-activate
// and is treated as rule-gated, not unconditional.
func (ext *ExtensionModel) unconditional() bool {
	if len(ext.Layers) == 0 {
		return false
	}
	for _, lh := range ext.Layers {
		if lh.ActivationCondition == ActivationConditional {
			return false
		}
	}
	return true
}

func decompressLEFXLayer(lh *LEFXLayerHeader, stored []byte) ([]byte, error) {
	if lh.CompressedSize == 0 {
		return stored, nil
	}
	tmp := LayerHeader{DataSize: lh.DataSize, CompressedSize: lh.CompressedSize}
	return decompressLayerPayload(&tmp, stored)
}

// CheckCompatibility verifies an extension's base-model window and
// identity against a loaded base Model (§4.6.2). base_model_hash of 0
// and an empty base_model_name are explicit "skip this check"
// sentinels, not wildcards that happen to be zero.
func CheckCompatibility(ext *ExtensionModel, base *Model) error {
	if ext.Header.BaseModelHash != 0 && ext.Header.BaseModelHash != base.ModelHash() {
		return ErrVersionIncompatible
	}
	if name := cstr(ext.Header.BaseModelName[:]); name != "" && name != cstr(base.Meta.Name[:]) {
		return ErrVersionIncompatible
	}
	if ext.Header.RequiredBaseSize != 0 && base.totalDataSize() < uint64(ext.Header.RequiredBaseSize) {
		return ErrVersionIncompatible
	}
	baseVer := version{base.Header.VersionMajor, base.Header.VersionMinor}
	minVer := version{ext.Meta.MinBaseVersionMajor, ext.Meta.MinBaseVersionMinor}
	maxVer := version{ext.Meta.MaxBaseVersionMajor, ext.Meta.MaxBaseVersionMinor}
	if !minVer.lessEqual(baseVer) || !baseVer.lessEqual(maxVer) {
		return ErrVersionIncompatible
	}
	return nil
}

// CheckDependencies resolves ext's Deps against the set of currently
// active extensions (by ExtensionID), per §4.6.1's dependency rules:
// required deps must be present, conflicting deps must be absent,
// optional deps are advisory only.
func CheckDependencies(ext *ExtensionModel, activeIDs map[uint32]bool) error {
	for _, d := range ext.Deps {
		present := activeIDs[d.DependencyID]
		switch d.Type {
		case DependencyRequired:
			if !present {
				return ErrDependencyUnresolved
			}
		case DependencyConflict:
			if present {
				return ErrDependencyConflict
			}
		}
	}
	return nil
}

// blend combines a base value and an extension value under mode, with
// weight in [0,1]. REPLACE and INTERPOLATE share the same weighted
// formula (§4.6.3): at weight 1 REPLACE's name is literally true, at
// weight 0 base is left untouched, and anywhere in between the two
// behave identically.
func blend(mode BlendMode, base, ext, weight float32) float32 {
	switch mode {
	case BlendAdd:
		return base + ext*weight
	case BlendMultiply:
		return base * (1 + ext*weight)
	case BlendReplace, BlendInterpolate:
		return base*(1-weight) + ext*weight
	}
	return base
}

// ApplyExtension blends every LEFX layer into base in extension-layer
// order. For each affected base layer it captures a pre-image snapshot
// the first time it is touched, so DeactivateExtension can restore the
// exact bytes regardless of how many extensions have since blended
// into the same layer in between (§9 Open Question 3). A
// base_layer_id of noBaseLayer (0xFFFF) appends a brand-new layer
// instead of blending (§9 Open Question 4).
func ApplyExtension(base *Model, ext *ExtensionModel) error {
	if err := CheckCompatibility(ext, base); err != nil {
		return err
	}

	for i, lh := range ext.Layers {
		payload := ext.payloads[i]

		if lh.BaseLayerID == noBaseLayer {
			base.layerHdrs = append(base.layerHdrs, LayerHeader{
				LayerID:   nextSyntheticLayerID(base),
				LayerKind: lh.LayerKind,
				DataSize:  uint32(len(payload)),
			})
			owned := make([]byte, len(payload))
			copy(owned, payload)
			base.layerData = append(base.layerData, owned)
			continue
		}

		idx := base.indexOf(lh.BaseLayerID)
		if idx < 0 {
			return ErrLayerNotFound
		}
		if base.layerHdrs[idx].DataSize != lh.DataSize {
			// Sizes are not broadcast-compatible; skip rather than
			// truncate to the shorter of the two (§4.6.3).
			continue
		}
		if lh.ActivationCondition == ActivationConditional {
			sim := cosineSimilarity(bytesToFloat32(base.layerData[idx]), bytesToFloat32(payload), LayerKind(lh.LayerKind))
			if sim < float64(lh.SimilarityThreshold) {
				continue
			}
		}

		if _, captured := ext.snapshots[lh.BaseLayerID]; !captured {
			pre := make([]byte, len(base.layerData[idx]))
			copy(pre, base.layerData[idx])
			ext.snapshots[lh.BaseLayerID] = pre
		}

		baseF := bytesToFloat32(base.layerData[idx])
		extF := bytesToFloat32(payload)
		n := len(baseF)
		if len(extF) < n {
			n = len(extF)
		}
		blended := make([]float32, n)
		for j := 0; j < n; j++ {
			blended[j] = blend(lh.BlendMode, baseF[j], extF[j], lh.BlendWeight)
		}
		base.layerData[idx] = float32ToBytes(blended)
	}

	ext.active = true
	ext.logger.Infof("applied extension %d (%d layers)", ext.Header.ExtensionID, len(ext.Layers))
	return nil
}

// DeactivateExtension restores every base layer ext touched to its
// captured pre-image and drops any additive layers ext appended,
// making Apply/Deactivate a no-op round trip as long as no other
// extension re-touched the same base layer in between (§4.6.5).
func DeactivateExtension(base *Model, ext *ExtensionModel) error {
	if !ext.active {
		return nil
	}
	for layerID, pre := range ext.snapshots {
		idx := base.indexOf(layerID)
		if idx < 0 {
			continue
		}
		base.layerData[idx] = pre
	}

	additive := 0
	for _, lh := range ext.Layers {
		if lh.BaseLayerID == noBaseLayer {
			additive++
		}
	}
	if additive > 0 && len(base.layerHdrs) >= additive {
		base.layerHdrs = base.layerHdrs[:len(base.layerHdrs)-additive]
		base.layerData = base.layerData[:len(base.layerData)-additive]
	}

	ext.snapshots = make(map[uint16][]byte)
	ext.active = false
	return nil
}

func nextSyntheticLayerID(base *Model) uint16 {
	var max uint16
	for _, h := range base.layerHdrs {
		if h.LayerID > max {
			max = h.LayerID
		}
	}
	return max + 1
}

func readWholeFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrFileIO
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, ErrFileIO
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, ErrFileIO
	}
	return data, nil
}

// encodeActivationRules serializes rules as a u32 count followed by one
// record per rule: a fixed-width header, then ConditionValue as a
// length-prefixed UTF-8 string, since ActivationRule itself has a
// variable-length field binary.Read cannot handle directly.
// LoadExtensionFromMemory does not read plugin_data, so this encoding
// is not decoded automatically when an extension is loaded.
func encodeActivationRules(rules []ActivationRule) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(rules)))
	for _, r := range rules {
		binary.Write(&buf, binary.LittleEndian, r.RuleID)
		binary.Write(&buf, binary.LittleEndian, r.ConditionType)
		binary.Write(&buf, binary.LittleEndian, r.Operator)
		binary.Write(&buf, binary.LittleEndian, r.ActivationWeight)
		binary.Write(&buf, binary.LittleEndian, r.Priority)
		binary.Write(&buf, binary.LittleEndian, uint32(len(r.ConditionValue)))
		buf.WriteString(r.ConditionValue)
	}
	return buf.Bytes()
}

func decodeActivationRules(data []byte) ([]ActivationRule, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrInvalidFormat
	}
	rules := make([]ActivationRule, count)
	for i := range rules {
		var rule ActivationRule
		if err := binary.Read(r, binary.LittleEndian, &rule.RuleID); err != nil {
			return nil, ErrInvalidFormat
		}
		if err := binary.Read(r, binary.LittleEndian, &rule.ConditionType); err != nil {
			return nil, ErrInvalidFormat
		}
		if err := binary.Read(r, binary.LittleEndian, &rule.Operator); err != nil {
			return nil, ErrInvalidFormat
		}
		if err := binary.Read(r, binary.LittleEndian, &rule.ActivationWeight); err != nil {
			return nil, ErrInvalidFormat
		}
		if err := binary.Read(r, binary.LittleEndian, &rule.Priority); err != nil {
			return nil, ErrInvalidFormat
		}
		var strLen uint32
		if err := binary.Read(r, binary.LittleEndian, &strLen); err != nil {
			return nil, ErrInvalidFormat
		}
		strBuf := make([]byte, strLen)
		if strLen > 0 {
			if _, err := io.ReadFull(r, strBuf); err != nil {
				return nil, ErrInvalidFormat
			}
		}
		rule.ConditionValue = string(strBuf)
		rules[i] = rule
	}
	return rules, nil
}
