package lef

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DiffType enumerates how a per-layer delta was encoded.
type DiffType uint8

const (
	DiffWeightDelta DiffType = iota
	DiffSparseMask
	DiffQuantized
)

// LayerDiff is one layer's entry in a DiffContext pass (§3.3).
type LayerDiff struct {
	BaseLayerID       uint16
	SpeakerLayerID    uint16
	SimilarityScore   float64
	OriginalSize      int
	DiffSize          int
	DiffType          DiffType
	DiffData          []byte
	CompressionRatio  float64
	Skipped           bool
}

// DiffStats accumulates totals across a diff pass.
type DiffStats struct {
	TotalOriginalSize int
	TotalDiffSize     int
	LayersCompressed  int
	LayersSkipped     int
	averageSimilarity float64
	similarityCount   int
}

// GetDiffStats reports the aggregate savings ratio and average
// similarity, per §4.5.
func (s *DiffStats) GetDiffStats() (savings int, ratio, avgSimilarity float64) {
	savings = s.TotalOriginalSize - s.TotalDiffSize
	if s.TotalOriginalSize > 0 {
		ratio = float64(s.TotalDiffSize) / float64(s.TotalOriginalSize)
	}
	if s.similarityCount > 0 {
		avgSimilarity = s.averageSimilarity / float64(s.similarityCount)
	}
	return savings, ratio, avgSimilarity
}

func (s *DiffStats) record(d LayerDiff) {
	s.TotalOriginalSize += d.OriginalSize
	s.TotalDiffSize += d.DiffSize
	if d.Skipped {
		s.LayersSkipped++
	} else {
		s.LayersCompressed++
	}
	s.averageSimilarity += d.SimilarityScore
	s.similarityCount++
}

// DiffContext is the in-memory workspace for computing per-layer
// deltas between a base and a speaker/style variant model.
type DiffContext struct {
	Base    *Model
	Speaker *Model

	SimilarityThreshold float64
	SparsityThreshold   float64
	QuantizationBits     int

	EnableSparseDiff    bool
	EnableQuantization  bool

	Diffs []LayerDiff
	Stats DiffStats
}

// CreateDiffContext rejects base/speaker models with differing layer
// counts or a threshold outside [0,1] (§4.5). Diffs starts empty;
// ComputeDiff fills it.
func CreateDiffContext(base, speaker *Model, similarityThreshold float64) (*DiffContext, error) {
	if base.NumLayers() != speaker.NumLayers() {
		return nil, ErrLayerCountMismatch
	}
	if similarityThreshold < 0 || similarityThreshold > 1 {
		return nil, ErrInvalidArgument
	}
	return &DiffContext{
		Base:                base,
		Speaker:             speaker,
		SimilarityThreshold: similarityThreshold,
		SparsityThreshold:   1e-4,
		QuantizationBits:    8,
	}, nil
}

// OptimizationLevel maps a 1..5 knob to the (threshold, sparse,
// quantize) tuple §4.5 documents.
func OptimizationLevel(level int) (threshold float64, sparse, quantize bool) {
	switch level {
	case 1:
		return 0.95, false, false
	case 2:
		return 0.90, true, false
	case 3:
		return 0.85, true, true
	case 4:
		return 0.80, true, true
	default:
		return 0.75, true, true
	}
}

// ApplyOptimizationLevel configures threshold/sparse/quantize from a
// 1..5 knob.
func (d *DiffContext) ApplyOptimizationLevel(level int) {
	threshold, sparse, quantize := OptimizationLevel(level)
	d.SimilarityThreshold = threshold
	d.EnableSparseDiff = sparse
	d.EnableQuantization = quantize
}

func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func float32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// cosineSimilarity computes cosine similarity in float64 via gonum's
// floats package, the linear-algebra library this corpus's GGUF
// parser reaches for when comparing tensors — then maps it into
// [0,1] and applies the layer-kind weight per §4.5.
func cosineSimilarity(base, speaker []float32, kind LayerKind) float64 {
	b := toFloat64(base)
	s := toFloat64(speaker)
	dot := floats.Dot(b, s)
	bn := floats.Norm(b, 2)
	sn := floats.Norm(s, 2)
	if bn == 0 || sn == 0 {
		return 0.5
	}
	sim := dot / (bn * sn)
	sim = (sim + 1) / 2
	sim *= kind.similarityWeight()
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return sim
}

// ComputeDiff runs the per-layer similarity + encoding pass over every
// base layer (§4.5).
func (d *DiffContext) ComputeDiff() error {
	d.Diffs = make([]LayerDiff, 0, d.Base.NumLayers())
	for i := 0; i < d.Base.NumLayers(); i++ {
		baseID := d.Base.layerHdrs[i].LayerID
		basePayload := d.Base.layerData[i]

		speakerIdx := d.Speaker.indexOf(baseID)
		if speakerIdx < 0 {
			continue
		}
		speakerPayload := d.Speaker.layerData[speakerIdx]
		kind := LayerKind(d.Base.layerHdrs[i].LayerKind)

		baseF := bytesToFloat32(basePayload)
		speakerF := bytesToFloat32(speakerPayload)
		sim := cosineSimilarity(baseF, speakerF, kind)

		diff := LayerDiff{
			BaseLayerID:     baseID,
			SpeakerLayerID:  d.Speaker.layerHdrs[speakerIdx].LayerID,
			SimilarityScore: sim,
			OriginalSize:    len(basePayload),
		}

		if sim >= d.SimilarityThreshold {
			diff.Skipped = true
			diff.DiffType = DiffWeightDelta
			diff.DiffSize = 0
			diff.CompressionRatio = 0
			d.Diffs = append(d.Diffs, diff)
			d.Stats.record(diff)
			continue
		}

		delta := make([]float32, len(baseF))
		for j := range delta {
			delta[j] = speakerF[j] - baseF[j]
		}

		raw := float32ToBytes(delta)
		best := raw
		bestType := DiffWeightDelta

		if d.EnableSparseDiff {
			if sparse, ok := encodeSparseDiff(delta, float32(d.SparsityThreshold)); ok && len(sparse) < len(best) {
				best = sparse
				bestType = DiffSparseMask
			}
		}
		if d.EnableQuantization {
			if quant, err := encodeQuantizedDiff(delta, d.QuantizationBits); err == nil && len(quant) < len(best) {
				best = quant
				bestType = DiffQuantized
			}
		}

		diff.DiffType = bestType
		diff.DiffData = best
		diff.DiffSize = len(best)
		if diff.OriginalSize > 0 {
			diff.CompressionRatio = 1 - float64(diff.DiffSize)/float64(diff.OriginalSize)
		}
		d.Diffs = append(d.Diffs, diff)
		d.Stats.record(diff)
	}
	return nil
}

// encodeSparseDiff keeps only positions where |delta| exceeds
// threshold: a u32 significant_count, a u32 total_elements, then that
// many (index u32, value f32) pairs. It is accepted by the caller only
// when the result is smaller than the raw encoding.
func encodeSparseDiff(delta []float32, threshold float32) ([]byte, bool) {
	type pair struct {
		idx uint32
		val float32
	}
	var sig []pair
	for i, v := range delta {
		if v > threshold || v < -threshold {
			sig = append(sig, pair{uint32(i), v})
		}
	}

	out := make([]byte, 8+len(sig)*8)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(sig)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(delta)))
	off := 8
	for _, p := range sig {
		binary.LittleEndian.PutUint32(out[off:], p.idx)
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(p.val))
		off += 8
	}
	return out, len(out) < len(delta)*4
}

// decodeSparseDiff reconstructs a full-length delta slice from the
// sparse encoding.
func decodeSparseDiff(enc []byte) ([]float32, error) {
	if len(enc) < 8 {
		return nil, ErrInvalidFormat
	}
	sigCount := binary.LittleEndian.Uint32(enc[0:])
	total := binary.LittleEndian.Uint32(enc[4:])
	if uint32(len(enc)) < 8+sigCount*8 {
		return nil, ErrInvalidFormat
	}
	out := make([]float32, total)
	off := 8
	for i := uint32(0); i < sigCount; i++ {
		idx := binary.LittleEndian.Uint32(enc[off:])
		val := math.Float32frombits(binary.LittleEndian.Uint32(enc[off+4:]))
		if idx < total {
			out[idx] = val
		}
		off += 8
	}
	return out, nil
}

// encodeQuantizedDiff performs uniform linear quantization of delta
// into `bits` bits per element (§4.5). It rejects constant deltas
// (span == 0) since there is nothing to resolve.
func encodeQuantizedDiff(delta []float32, bits int) ([]byte, error) {
	if bits < 1 || bits > 16 {
		return nil, ErrInvalidArgument
	}
	lo, hi := delta[0], delta[0]
	for _, v := range delta {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		return nil, ErrCompressionFailed
	}

	q := uint32((1 << uint(bits)) - 1)
	scale := span / float32(q)

	bytesPerElem := 1
	if bits > 8 {
		bytesPerElem = 2
	}

	out := make([]byte, 4+4+1+4+len(delta)*bytesPerElem)
	binary.LittleEndian.PutUint32(out[0:], math.Float32bits(scale))
	binary.LittleEndian.PutUint32(out[4:], math.Float32bits(lo))
	out[8] = byte(bits)
	binary.LittleEndian.PutUint32(out[9:], uint32(len(delta)))

	off := 13
	for _, v := range delta {
		level := int64(math.Round(float64((v - lo) / scale)))
		if level < 0 {
			level = 0
		}
		if level > int64(q) {
			level = int64(q)
		}
		if bytesPerElem == 1 {
			out[off] = byte(level)
			off++
		} else {
			binary.LittleEndian.PutUint16(out[off:], uint16(level))
			off += 2
		}
	}
	return out, nil
}

// decodeQuantizedDiff reverses encodeQuantizedDiff.
func decodeQuantizedDiff(enc []byte) ([]float32, error) {
	if len(enc) < 13 {
		return nil, ErrInvalidFormat
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(enc[0:]))
	lo := math.Float32frombits(binary.LittleEndian.Uint32(enc[4:]))
	bits := int(enc[8])
	count := binary.LittleEndian.Uint32(enc[9:])

	bytesPerElem := 1
	if bits > 8 {
		bytesPerElem = 2
	}
	if uint32(len(enc)) < 13+count*uint32(bytesPerElem) {
		return nil, ErrInvalidFormat
	}

	out := make([]float32, count)
	off := 13
	for i := uint32(0); i < count; i++ {
		var level uint32
		if bytesPerElem == 1 {
			level = uint32(enc[off])
			off++
		} else {
			level = uint32(binary.LittleEndian.Uint16(enc[off:]))
			off += 2
		}
		out[i] = lo + float32(level)*scale
	}
	return out, nil
}

// ReconstructSpeaker rebuilds a speaker layer's float32 payload from a
// base layer and a LayerDiff, decoding whichever diff type was used.
func ReconstructSpeaker(basePayload []byte, diff LayerDiff) ([]byte, error) {
	if diff.Skipped {
		out := make([]byte, len(basePayload))
		copy(out, basePayload)
		return out, nil
	}

	baseF := bytesToFloat32(basePayload)
	var delta []float32
	var err error
	switch diff.DiffType {
	case DiffSparseMask:
		delta, err = decodeSparseDiff(diff.DiffData)
	case DiffQuantized:
		delta, err = decodeQuantizedDiff(diff.DiffData)
	default:
		delta = bytesToFloat32(diff.DiffData)
	}
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(baseF))
	for i := range out {
		out[i] = baseF[i] + delta[i]
	}
	return float32ToBytes(out), nil
}
