package lef

import (
	"bytes"
	"encoding/binary"
)

// ExtensionType enumerates the kind of variant an extension encodes.
type ExtensionType uint8

const (
	ExtSpeaker ExtensionType = iota
	ExtLanguage
	ExtEmotion
	ExtStyle
	ExtEffect
	ExtCustom
	extensionTypeCount
)

func (t ExtensionType) valid() bool { return t < extensionTypeCount }

// BlendMode enumerates the four ways an extension layer combines with
// its matching base layer during apply (§4.6.3).
type BlendMode uint8

const (
	BlendReplace BlendMode = iota
	BlendAdd
	BlendMultiply
	BlendInterpolate
	blendModeCount
)

func (b BlendMode) valid() bool { return b < blendModeCount }

// ActivationCondition marks whether a LEFX layer blends unconditionally
// or only when its similarity_threshold gate passes.
type ActivationCondition uint8

const (
	ActivationAlways ActivationCondition = iota
	ActivationConditional
	activationConditionCount
)

func (a ActivationCondition) valid() bool { return a < activationConditionCount }

// DependencyType enumerates how a dependency constrains resolution.
type DependencyType uint8

const (
	DependencyRequired DependencyType = iota
	DependencyOptional
	DependencyConflict
	dependencyTypeCount
)

func (d DependencyType) valid() bool { return d < dependencyTypeCount }

// LoadOrder constrains relative load ordering between an extension
// and its dependency.
type LoadOrder uint8

const (
	LoadBefore LoadOrder = iota
	LoadAfter
	LoadDontCare
	loadOrderCount
)

func (l LoadOrder) valid() bool { return l < loadOrderCount }

// noBaseLayer is the base_layer_id sentinel meaning "new, additive
// layer, not diffed against any base layer" (§3.2, §9 Open Question 4).
const noBaseLayer uint16 = 0xFFFF

// LEFXHeader begins every extension file with a distinct magic and the
// base-compatibility fields plus five sub-section offsets.
type LEFXHeader struct {
	Magic uint32

	VersionMajor uint16
	VersionMinor uint16

	BaseModelName    [64]byte
	BaseModelVersion [32]byte
	BaseModelHash    uint32
	RequiredBaseSize uint32

	ExtensionType ExtensionType
	_             [3]byte // alignment pad

	ExtensionID      uint32
	ExtensionName    [64]byte
	ExtensionAuthor  [64]byte
	ExtensionVersion [32]byte

	MetaOffset       uint32
	DependencyOffset uint32
	LayerIndexOffset uint32
	LayerDataOffset  uint32
	PluginDataOffset uint32

	NumLayers uint32
}

// LEFXHeaderSize is the fixed on-disk size of LEFXHeader.
const LEFXHeaderSize = 4 + 2 + 2 + 64 + 32 + 4 + 4 + 1 + 3 + 4 + 64 + 64 + 32 + 4*5 + 4

func readLEFXHeader(r *bytes.Reader) (LEFXHeader, error) {
	var h LEFXHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return LEFXHeader{}, ErrFileIO
	}
	return h, nil
}

func writeLEFXHeader(w *bytes.Buffer, h *LEFXHeader) error {
	return binary.Write(w, binary.LittleEndian, h)
}

func (h *LEFXHeader) validate() error {
	if h.Magic != MagicLEFX {
		return ErrMagicMismatch
	}
	if cstr(h.ExtensionName[:]) == "" || cstr(h.ExtensionVersion[:]) == "" {
		return ErrInvalidFormat
	}
	if cstr(h.BaseModelVersion[:]) == "" {
		return ErrInvalidFormat
	}
	if !h.ExtensionType.valid() {
		return ErrInvalidFormat
	}
	if h.LayerDataOffset != 0 && h.LayerDataOffset <= h.LayerIndexOffset {
		return ErrInvalidFormat
	}
	return nil
}

// ExtensionMeta carries the compatibility window, capability flags,
// voice hints, and quality/performance estimates for an extension.
type ExtensionMeta struct {
	MinBaseVersionMajor uint16
	MinBaseVersionMinor uint16
	MaxBaseVersionMajor uint16
	MaxBaseVersionMinor uint16

	CapabilityFlags uint32
	Priority        uint16

	// Gender, AgeRange, LanguageCode, and AccentCode use 255 as the
	// "not applicable" sentinel.
	Gender       uint8
	AgeRange     uint8
	LanguageCode uint8
	AccentCode   uint8

	QualityScore      float32
	PerformanceImpact float32

	EstimatedLoadTimeMS     uint32
	EstimatedInferenceTimeMS uint32
}

// ExtensionMetaSize is the fixed on-disk size of ExtensionMeta.
const ExtensionMetaSize = 2*4 + 4 + 2 + 4 + 4 + 4 + 4 + 4

func readExtensionMeta(r *bytes.Reader) (ExtensionMeta, error) {
	var m ExtensionMeta
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return ExtensionMeta{}, ErrFileIO
	}
	return m, nil
}

func writeExtensionMeta(w *bytes.Buffer, m *ExtensionMeta) error {
	return binary.Write(w, binary.LittleEndian, m)
}

func (m *ExtensionMeta) validate() error {
	if version{m.MinBaseVersionMajor, m.MinBaseVersionMinor}.
		lessEqual(version{m.MaxBaseVersionMajor, m.MaxBaseVersionMinor}) == false {
		return ErrInvalidFormat
	}
	if m.QualityScore < 0 || m.QualityScore > 1 {
		return ErrInvalidFormat
	}
	if m.PerformanceImpact < 0 || m.PerformanceImpact > 1 {
		return ErrInvalidFormat
	}
	return nil
}

// Dependency describes a required, optional, or conflicting
// relationship to another extension.
type Dependency struct {
	DependencyID uint32
	Name         [64]byte
	MinVersion   [16]byte
	MaxVersion   [16]byte
	Type         DependencyType
	Order        LoadOrder
	_            [2]byte // alignment pad
}

// DependencySize is the fixed on-disk size of Dependency.
const DependencySize = 4 + 64 + 16 + 16 + 1 + 1 + 2

func readDependencies(r *bytes.Reader, sectionLen uint32) ([]Dependency, error) {
	count := sectionLen / DependencySize
	deps := make([]Dependency, count)
	for i := range deps {
		if err := binary.Read(r, binary.LittleEndian, &deps[i]); err != nil {
			return nil, ErrFileIO
		}
	}
	return deps, nil
}

func (d *Dependency) validate() error {
	if cstr(d.Name[:]) == "" {
		return ErrInvalidFormat
	}
	if !d.Type.valid() || !d.Order.valid() {
		return ErrInvalidFormat
	}
	return nil
}

// LEFXLayerHeader extends the base LayerHeader with the fields needed
// to blend an extension layer into a base model.
type LEFXLayerHeader struct {
	ExtensionLayerID    uint16
	BaseLayerID         uint16
	LayerKind           uint8
	QuantizationType    uint8
	BlendMode           BlendMode
	ActivationCondition ActivationCondition
	SimilarityThreshold float32
	BlendWeight         float32
	DependencyCount     uint16
	_                   uint16 // alignment pad
	MetaSize            uint32
	DataSize            uint32
	CompressedSize      uint32
	DataOffset          uint32
	Checksum            uint32
}

// LEFXLayerHeaderSize is the fixed on-disk size of LEFXLayerHeader.
const LEFXLayerHeaderSize = 2 + 2 + 1 + 1 + 1 + 1 + 4 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + 4

func readLEFXLayerIndex(r *bytes.Reader, n uint32) ([]LEFXLayerHeader, error) {
	entries := make([]LEFXLayerHeader, n)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, ErrFileIO
		}
	}
	return entries, nil
}

func writeLEFXLayerHeader(w *bytes.Buffer, lh *LEFXLayerHeader) error {
	return binary.Write(w, binary.LittleEndian, lh)
}

func (lh *LEFXLayerHeader) validate() error {
	if !LayerKind(lh.LayerKind).valid() {
		return ErrInvalidFormat
	}
	if !QuantizationKind(lh.QuantizationType).valid() {
		return ErrInvalidFormat
	}
	if !lh.BlendMode.valid() {
		return ErrInvalidFormat
	}
	if !lh.ActivationCondition.valid() {
		return ErrInvalidFormat
	}
	if lh.BlendWeight < 0 || lh.BlendWeight > 1 {
		return ErrInvalidFormat
	}
	if lh.SimilarityThreshold < 0 || lh.SimilarityThreshold > 1 {
		return ErrInvalidFormat
	}
	return nil
}

// ConditionType enumerates the context dimension an activation rule
// predicates on.
type ConditionType uint8

const (
	ConditionText ConditionType = iota
	ConditionSpeaker
	ConditionLanguage
	ConditionTime
	ConditionCustom
)

// ConditionOperator enumerates how a rule's value is matched against
// the context.
type ConditionOperator uint8

const (
	OpEQ ConditionOperator = iota
	OpContains
	OpRange
	OpRegex
)

// ActivationRule is a predicate over an inference context that, when
// matched, contributes a weight toward activating an extension.
type ActivationRule struct {
	RuleID           uint32
	ConditionType    ConditionType
	Operator         ConditionOperator
	ConditionValue   string
	ActivationWeight float32
	Priority         uint16
}
