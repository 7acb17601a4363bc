package lef

import (
	"bytes"
	"os"

	"github.com/libetude/lef/internal/logging"
)

// AddLayerInput bundles the arguments to Serializer.AddLayer, mirroring
// §4.3's add_layer contract.
type AddLayerInput struct {
	LayerID          uint16
	LayerKind        LayerKind
	QuantizationType QuantizationKind
	LayerMeta        []byte
	WeightData       []byte
}

// Serializer builds a LEF file incrementally: open, set model info/
// architecture/audio config, optionally enable compression, submit
// layers one at a time, then finalize. It is fail-fast (§7): any
// error leaves the file in an unspecified state and the caller must
// delete it.
//
// The on-disk layout places the layer index before any layer payload
// (§3.1), but the index's size depends on how many layers get added —
// unknowable at Open time. Rather than re-deriving data_offset at read
// time by re-summing sizes (the "serialization bug" §9 Open Question 1
// documents in the source this format was distilled from), layer
// records are staged in memory in submit order and the real file is
// written once, sequentially, in Finalize, once N is known. This keeps
// IndexEntry.data_offset authoritative everywhere, as the spec's
// recommendation asks.
type Serializer struct {
	f    *os.File
	path string

	header Header
	meta   ModelMeta

	compressionEnabled bool
	compressionLevel   int
	checksumsEnabled   bool

	staged  []stagedLayer
	seenIDs map[uint16]bool

	logger *logging.Helper
}

type stagedLayer struct {
	id     uint16
	header LayerHeader
	record []byte // [LayerHeader, payload, meta] already serialized
}

// Open creates path for writing. Nothing is written until Finalize;
// Open only validates that the destination is creatable.
func Open(path string, opts *Options) (*Serializer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ErrFileIO
	}

	return &Serializer{
		f:                f,
		path:             path,
		header:           newHeader(),
		checksumsEnabled: true,
		staged:           make([]stagedLayer, 0, 8),
		seenIDs:          make(map[uint16]bool, 8),
		logger:           opts.logger(),
	}, nil
}

// SetModelInfo validates and stores the identifying strings.
func (s *Serializer) SetModelInfo(name, version, author, description string) error {
	if len(name) == 0 || len(name) > len(s.meta.Name) {
		return ErrInvalidArgument
	}
	if len(version) > len(s.meta.Version) || len(author) > len(s.meta.Author) ||
		len(description) > len(s.meta.Description) {
		return ErrInvalidArgument
	}
	setFixed(s.meta.Name[:], name)
	setFixed(s.meta.Version[:], version)
	setFixed(s.meta.Author[:], author)
	setFixed(s.meta.Description[:], description)
	return nil
}

// SetModelArchitecture validates and stores the architecture dims.
func (s *Serializer) SetModelArchitecture(input, output, hidden, numLayers, numHeads, vocab uint32) error {
	if input == 0 || output == 0 || hidden == 0 || numLayers == 0 || numHeads == 0 || vocab == 0 {
		return ErrInvalidArgument
	}
	s.meta.InputDim = input
	s.meta.OutputDim = output
	s.meta.HiddenDim = hidden
	s.meta.NumLayers = numLayers
	s.meta.NumHeads = numHeads
	s.meta.VocabSize = vocab
	return nil
}

// SetAudioConfig validates and stores the audio parameters.
func (s *Serializer) SetAudioConfig(sampleRate, melChannels, hopLength, winLength uint32) error {
	if sampleRate == 0 || melChannels == 0 || hopLength == 0 || winLength == 0 {
		return ErrInvalidArgument
	}
	if hopLength > winLength {
		return ErrInvalidArgument
	}
	s.meta.SampleRate = sampleRate
	s.meta.MelChannels = melChannels
	s.meta.HopLength = hopLength
	s.meta.WinLength = winLength
	return nil
}

// EnableCompression turns on the serializer's COMPRESSED flag for
// every layer submitted from this point on. level must be in [1,9].
func (s *Serializer) EnableCompression(level int) error {
	if level < 1 || level > 9 {
		return ErrInvalidArgument
	}
	s.compressionEnabled = true
	s.compressionLevel = level
	s.header.Flags |= FlagCompressed
	return nil
}

// DisableCompression turns compression back off for subsequent layers.
func (s *Serializer) DisableCompression() {
	s.compressionEnabled = false
}

// DisableChecksums turns off per-layer CRC32 computation and sets
// FlagChecksumDisabled on the final header (§9 Open Question 2).
func (s *Serializer) DisableChecksums() {
	s.checksumsEnabled = false
	s.header.Flags |= FlagChecksumDisabled
}

// SetDefaultQuantization records the file-wide default and sets the
// QUANTIZED flag when it is not NONE.
func (s *Serializer) SetDefaultQuantization(kind QuantizationKind) error {
	if !kind.valid() {
		return ErrInvalidArgument
	}
	s.meta.DefaultQuantization = uint8(kind)
	if kind != QuantNone {
		s.header.Flags |= FlagQuantized
	}
	return nil
}

// AddLayer serializes one layer's interleaved [header, payload, meta]
// record and stages it for Finalize (§4.3).
func (s *Serializer) AddLayer(in AddLayerInput) error {
	if len(in.WeightData) == 0 {
		return ErrInvalidArgument
	}
	if !in.LayerKind.valid() || !in.QuantizationType.valid() {
		return ErrInvalidArgument
	}
	if s.seenIDs[in.LayerID] {
		return ErrInvalidArgument
	}

	lh := LayerHeader{
		LayerID:          in.LayerID,
		LayerKind:        uint8(in.LayerKind),
		QuantizationType: uint8(in.QuantizationType),
		MetaSize:         uint32(len(in.LayerMeta)),
		DataSize:         uint32(len(in.WeightData)),
	}
	if s.checksumsEnabled {
		lh.Checksum = crc32IEEE(in.WeightData)
	}

	stored := in.WeightData
	if s.compressionEnabled {
		level := s.compressionLevel
		if level == 0 {
			level = compressionPolicy(in.LayerKind, lh.DataSize, in.QuantizationType)
		}
		compressed, ok, err := compressLayerPayload(in.WeightData, level)
		if err != nil {
			return ErrCompressionFailed
		}
		if ok {
			stored = compressed
			lh.CompressedSize = uint32(len(compressed))
		}
	}

	var buf bytes.Buffer
	if err := writeLayerHeader(&buf, &lh); err != nil {
		return ErrFileIO
	}
	buf.Write(stored)
	buf.Write(in.LayerMeta)

	s.staged = append(s.staged, stagedLayer{id: in.LayerID, header: lh, record: buf.Bytes()})
	s.seenIDs[in.LayerID] = true
	return nil
}

// Finalize assigns final offsets now that the layer count is known,
// then writes header, metadata, index, and every layer record, in
// that strict order, and flushes the file.
func (s *Serializer) Finalize() error {
	// meta.NumLayers sizes the on-disk layer index (§3.1), so it must
	// reflect what was actually submitted rather than whatever
	// SetModelArchitecture's num_layers argument claimed.
	s.meta.NumLayers = uint32(len(s.staged))

	if err := s.meta.validate(); err != nil {
		return err
	}

	s.header.LayerIndexOffset = HeaderSize + ModelMetaSize
	s.header.LayerDataOffset = s.header.LayerIndexOffset + uint32(len(s.staged))*LayerIndexEntrySize

	index := make([]LayerIndexEntry, len(s.staged))
	cursor := s.header.LayerDataOffset
	for i, sl := range s.staged {
		index[i] = LayerIndexEntry{
			LayerID:      sl.id,
			HeaderOffset: cursor,
			DataOffset:   cursor,
			DataSize:     sl.header.DataSize,
		}
		cursor += uint32(len(sl.record))
	}
	s.header.FileSize = cursor
	s.header.ModelHash = modelHash(&s.meta)

	var out bytes.Buffer
	if err := writeHeader(&out, &s.header); err != nil {
		return ErrFileIO
	}
	if err := writeModelMeta(&out, &s.meta); err != nil {
		return ErrFileIO
	}
	if err := writeLayerIndex(&out, index); err != nil {
		return ErrFileIO
	}
	for _, sl := range s.staged {
		out.Write(sl.record)
	}

	if _, err := s.f.WriteAt(out.Bytes(), 0); err != nil {
		return ErrFileIO
	}

	s.logger.Infof("finalized %s: %d layers, %d bytes", s.path, len(s.staged), s.header.FileSize)
	return s.f.Sync()
}

// Close releases the underlying file handle without finalizing.
func (s *Serializer) Close() error {
	return s.f.Close()
}
