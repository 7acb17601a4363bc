package lef

import "github.com/DataDog/zstd"

// compressionPolicy picks a zstd level from layer kind, payload size,
// and quantization, per §4.3's "small policy". Vocoder and attention
// layers tend to be large and benefit from a higher level; already
// quantized payloads compress poorly, so the level is capped low to
// avoid spending CPU for little gain.
func compressionPolicy(kind LayerKind, size uint32, quant QuantizationKind) int {
	if quant != QuantNone && quant != QuantFP16 {
		return 1
	}
	switch {
	case size > 4<<20:
		return 9
	case kind == LayerVocoder || kind == LayerAttention:
		return 6
	default:
		return 3
	}
}

// compressLayerPayload compresses raw at the given level. It returns
// (compressed, true) only when the compressed form is strictly
// smaller than raw, matching the serializer's "write compressed only
// if it's a net win" rule (§4.3); otherwise it returns (nil, false)
// and the caller writes raw bytes as-is.
func compressLayerPayload(raw []byte, level int) ([]byte, bool, error) {
	out, err := zstd.CompressLevel(nil, raw, level)
	if err != nil {
		return nil, false, ErrCompressionFailed
	}
	if len(out) >= len(raw) {
		return nil, false, nil
	}
	return out, true, nil
}

// decompressLayerPayload reverses compressLayerPayload. When the
// layer header's compressed_size is 0, stored is already the raw
// payload and is returned unchanged.
func decompressLayerPayload(lh *LayerHeader, stored []byte) ([]byte, error) {
	if lh.CompressedSize == 0 {
		return stored, nil
	}
	out, err := zstd.Decompress(make([]byte, 0, lh.DataSize), stored)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	return out, nil
}
