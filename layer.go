package lef

import (
	"bytes"
	"encoding/binary"
)

// LayerKind enumerates the recognized weight-tensor roles a layer can
// carry, mirroring the teacher's enumerated-section-characteristics
// style (section.go) but over TTS layer roles instead of PE section
// flags.
type LayerKind uint8

const (
	LayerLinear LayerKind = iota
	LayerConv1D
	LayerAttention
	LayerEmbedding
	LayerNormalization
	LayerActivation
	LayerVocoder
	LayerCustom
	layerKindCount
)

func (k LayerKind) valid() bool { return k < layerKindCount }

// similarityWeight is the layer-kind multiplicative weight applied in
// the differential codec's cosine similarity before clamping to
// [0,1] (§4.5). Vocoders and embeddings are expected to diverge more
// across speakers; attention tends to remain near-shared.
func (k LayerKind) similarityWeight() float64 {
	switch k {
	case LayerEmbedding:
		return 0.9
	case LayerAttention:
		return 1.1
	case LayerVocoder:
		return 0.8
	default:
		return 1.0
	}
}

// LayerIndexEntry is one entry of the fixed-size index array that
// follows ModelMeta. Entries are written in submit order; lookup by
// layer_id is linear over the (small) layer count, matching the
// teacher's linear lookup-by-name over Sections.
type LayerIndexEntry struct {
	LayerID      uint16
	_            uint16 // alignment pad, always zero
	HeaderOffset uint32
	DataOffset   uint32
	DataSize     uint32
}

// LayerIndexEntrySize is the fixed on-disk size of LayerIndexEntry.
const LayerIndexEntrySize = 2 + 2 + 4 + 4 + 4

func readLayerIndex(r *bytes.Reader, n uint32) ([]LayerIndexEntry, error) {
	entries := make([]LayerIndexEntry, n)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, ErrFileIO
		}
	}
	return entries, nil
}

func writeLayerIndex(w *bytes.Buffer, entries []LayerIndexEntry) error {
	for i := range entries {
		if err := binary.Write(w, binary.LittleEndian, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateLayerIndex enforces Open Question 1's resolution: the
// serializer's IndexEntry.data_offset is authoritative, and readers
// must reject an index whose entries overlap or whose order does not
// monotonically increase.
func validateLayerIndex(entries []LayerIndexEntry, fileSize uint32) error {
	for i, e := range entries {
		if e.DataSize == 0 {
			return ErrInvalidFormat
		}
		end := e.DataOffset + e.DataSize
		if end < e.DataOffset {
			return ErrInvalidFormat // overflow
		}
		if i+1 < len(entries) {
			if end > entries[i+1].DataOffset {
				return ErrInvalidFormat
			}
		} else if end > fileSize {
			return ErrInvalidFormat
		}
	}
	return nil
}

// LayerHeader carries the per-layer record. Per Open Question 5 it is
// written immediately before its payload, interleaved
// [header, payload, meta] per layer, rather than trailing all payload
// data in one contiguous block.
type LayerHeader struct {
	LayerID          uint16
	LayerKind        uint8
	QuantizationType uint8
	MetaSize         uint32
	DataSize         uint32
	CompressedSize   uint32
	DataOffset       uint32
	Checksum         uint32
}

// LayerHeaderSize is the fixed on-disk size of LayerHeader.
const LayerHeaderSize = 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4

func readLayerHeader(r *bytes.Reader) (LayerHeader, error) {
	var lh LayerHeader
	if err := binary.Read(r, binary.LittleEndian, &lh); err != nil {
		return LayerHeader{}, ErrFileIO
	}
	return lh, nil
}

func writeLayerHeader(w *bytes.Buffer, lh *LayerHeader) error {
	return binary.Write(w, binary.LittleEndian, lh)
}

func (lh *LayerHeader) validate() error {
	if !LayerKind(lh.LayerKind).valid() {
		return ErrInvalidFormat
	}
	if !QuantizationKind(lh.QuantizationType).valid() {
		return ErrInvalidFormat
	}
	if lh.DataSize == 0 {
		return ErrInvalidFormat
	}
	if lh.CompressedSize > 0 && lh.CompressedSize > lh.DataSize {
		return ErrInvalidFormat
	}
	return nil
}

// effectiveStoredSize returns the number of payload bytes actually
// written to disk for this layer: the compressed size when
// compression produced a gain, otherwise the raw data size.
func (lh *LayerHeader) effectiveStoredSize() uint32 {
	if lh.CompressedSize > 0 {
		return lh.CompressedSize
	}
	return lh.DataSize
}
