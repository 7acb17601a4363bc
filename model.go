package lef

import (
	"bytes"
	"os"

	"github.com/libetude/lef/internal/logging"
)

// Backing tags how a Model's layer bytes are held, replacing the
// ownership boolean the original loaders used with a variant that
// carries its own release behavior (§9 "ownership tag").
type Backing interface {
	// release is called exactly once by Model.Close.
	release(m *Model) error
}

// ownedBacking means the Model allocated and owns every layer buffer;
// Close frees them.
type ownedBacking struct{}

func (ownedBacking) release(m *Model) error {
	for i := range m.layerData {
		m.layerData[i] = nil
	}
	return nil
}

// borrowedBacking means the Model's layer slices point into a caller
// -supplied buffer that must outlive the Model. Close is a no-op; the
// Model must not outlive the buffer.
type borrowedBacking struct{}

func (borrowedBacking) release(m *Model) error { return nil }

// mappedBacking means the Model's layer slices point into an mmap
// region. Close unmaps before releasing the arrays, so no dangling
// pointer survives teardown (§5 resource discipline).
type mappedBacking struct {
	mm mmapHandle
}

func (b mappedBacking) release(m *Model) error {
	return b.mm.Unmap()
}

// mmapHandle is the subset of edsrzf/mmap-go's MMap this package
// depends on; loader_mmap.go supplies the concrete implementation so
// that model.go itself stays free of the mmap import for the eager
// and memory-borrow paths.
type mmapHandle interface {
	Unmap() error
}

// Options configures a loader, mirroring the teacher's small
// zero-value-friendly Options struct (file.go).
type Options struct {
	// ForceVerifyChecksums forces checksum verification even when the
	// header's FlagChecksumDisabled bit is set. By default, readers
	// verify unless that bit is set (§9 Open Question 2).
	ForceVerifyChecksums bool

	// Logger receives structured diagnostics. A nil Logger resolves
	// to a no-op sink.
	Logger logging.Logger
}

func (o *Options) logger() *logging.Helper {
	if o == nil || o.Logger == nil {
		return logging.NewHelper(logging.NewNopLogger())
	}
	return logging.NewHelper(o.Logger)
}

func (o *Options) shouldVerify(h *Header) bool {
	if o != nil && o.ForceVerifyChecksums {
		return true
	}
	return h.Flags&FlagChecksumDisabled == 0
}

// Model is the decoded view shared by all three loaders and by
// extension application. Downstream consumers read layerData without
// caring which loader produced it.
type Model struct {
	Header Header
	Meta   ModelMeta

	layerIndex []LayerIndexEntry
	layerHdrs  []LayerHeader
	layerData  [][]byte

	backing  Backing
	f        *os.File
	filePath string

	logger *logging.Helper
}

// NumLayers returns the number of layers currently held by the model.
// It can exceed Meta.NumLayers after an additive extension apply
// (§9 Open Question 4).
func (m *Model) NumLayers() int { return len(m.layerData) }

// LayerIDs returns the layer_id of every layer in index order.
func (m *Model) LayerIDs() []uint16 {
	ids := make([]uint16, len(m.layerHdrs))
	for i, h := range m.layerHdrs {
		ids[i] = h.LayerID
	}
	return ids
}

// indexOf returns the slice position of a layer_id, or -1.
func (m *Model) indexOf(layerID uint16) int {
	for i, h := range m.layerHdrs {
		if h.LayerID == layerID {
			return i
		}
	}
	return -1
}

// Layer returns the decoded payload bytes and header for a layer_id.
func (m *Model) Layer(layerID uint16) ([]byte, LayerHeader, error) {
	i := m.indexOf(layerID)
	if i < 0 {
		return nil, LayerHeader{}, ErrLayerNotFound
	}
	return m.layerData[i], m.layerHdrs[i], nil
}

// ModelHash returns the CRC32 identifying this model's metadata,
// recomputed from the in-memory ModelMeta (not read back from the
// header) so it stays correct after in-place metadata edits.
func (m *Model) ModelHash() uint32 { return modelHash(&m.Meta) }

// totalDataSize sums every layer's declared payload size, used to
// check an extension's required_base_size against (§4.6.2).
func (m *Model) totalDataSize() uint64 {
	var total uint64
	for _, h := range m.layerHdrs {
		total += uint64(h.DataSize)
	}
	return total
}

// Close releases the model's file backing exactly once.
func (m *Model) Close() error {
	if m.backing == nil {
		return nil
	}
	err := m.backing.release(m)
	m.backing = nil
	if m.f != nil {
		ferr := m.f.Close()
		m.f = nil
		if err == nil {
			err = ferr
		}
	}
	return err
}

// parseLEFPrefix reads and validates Header, ModelMeta, and the layer
// index from the front of data common to all three loaders.
func parseLEFPrefix(data []byte) (Header, ModelMeta, []LayerIndexEntry, error) {
	if uint32(len(data)) < HeaderSize+ModelMetaSize {
		return Header{}, ModelMeta{}, nil, ErrFileTooSmall
	}

	r := bytes.NewReader(data)
	header, err := readHeader(r)
	if err != nil {
		return Header{}, ModelMeta{}, nil, err
	}
	if err := header.validate(); err != nil {
		return Header{}, ModelMeta{}, nil, err
	}

	meta, err := readModelMeta(r)
	if err != nil {
		return Header{}, ModelMeta{}, nil, err
	}
	if err := meta.validate(); err != nil {
		return Header{}, ModelMeta{}, nil, err
	}

	if uint32(len(data)) < header.LayerIndexOffset+meta.NumLayers*LayerIndexEntrySize {
		return Header{}, ModelMeta{}, nil, ErrFileTooSmall
	}
	idxReader := bytes.NewReader(data[header.LayerIndexOffset:])
	index, err := readLayerIndex(idxReader, meta.NumLayers)
	if err != nil {
		return Header{}, ModelMeta{}, nil, err
	}
	if err := validateLayerIndex(index, header.FileSize); err != nil {
		return Header{}, ModelMeta{}, nil, err
	}

	return header, meta, index, nil
}

// readLayerAt reads the interleaved [LayerHeader, payload, meta]
// record at the given index entry's data_offset (§9 Open Question 5:
// strict interleaved layout). The returned payload is always the
// decompressed bytes.
func readLayerAt(data []byte, entry LayerIndexEntry) (LayerHeader, []byte, error) {
	if entry.DataOffset+LayerHeaderSize > uint32(len(data)) {
		return LayerHeader{}, nil, ErrFileTooSmall
	}
	r := bytes.NewReader(data[entry.DataOffset:])
	lh, err := readLayerHeader(r)
	if err != nil {
		return LayerHeader{}, nil, err
	}
	if err := lh.validate(); err != nil {
		return LayerHeader{}, nil, err
	}

	payloadStart := entry.DataOffset + LayerHeaderSize
	storedSize := lh.effectiveStoredSize()
	if payloadStart+storedSize > uint32(len(data)) {
		return LayerHeader{}, nil, ErrFileTooSmall
	}
	stored := data[payloadStart : payloadStart+storedSize]

	payload, err := decompressLayerPayload(&lh, stored)
	if err != nil {
		return LayerHeader{}, nil, err
	}
	return lh, payload, nil
}

func verifyLayerChecksum(lh *LayerHeader, payload []byte) error {
	if lh.Checksum == 0 {
		return nil
	}
	if crc32IEEE(payload) != lh.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// LoadEager reads header, metadata, index, and every layer payload
// into owned buffers (§4.4.1). A checksum mismatch aborts the whole
// load, unlike the streaming loader which only drops the offending
// layer.
func LoadEager(path string, opts *Options) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrFileIO
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ErrFileIO
	}
	if info.Size() < HeaderSize+ModelMetaSize {
		f.Close()
		return nil, ErrFileTooSmall
	}

	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		f.Close()
		return nil, ErrFileIO
	}

	header, meta, index, err := parseLEFPrefix(data)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger := opts.logger()
	verify := opts.shouldVerify(&header)

	layerHdrs := make([]LayerHeader, len(index))
	layerData := make([][]byte, len(index))
	for i, entry := range index {
		lh, payload, err := readLayerAt(data, entry)
		if err != nil {
			f.Close()
			return nil, err
		}
		if verify {
			if err := verifyLayerChecksum(&lh, payload); err != nil {
				logger.Errorf("layer %d checksum mismatch", lh.LayerID)
				f.Close()
				return nil, err
			}
		}
		owned := make([]byte, len(payload))
		copy(owned, payload)
		layerHdrs[i] = lh
		layerData[i] = owned
	}

	return &Model{
		Header:     header,
		Meta:       meta,
		layerIndex: index,
		layerHdrs:  layerHdrs,
		layerData:  layerData,
		backing:    ownedBacking{},
		f:          f,
		filePath:   path,
		logger:     logger,
	}, nil
}

// LoadFromMemory parses header/meta/index exactly as LoadEager does,
// but borrows layer slices from the caller's buffer instead of
// copying them (§4.4.2). The returned Model must not outlive data.
func LoadFromMemory(data []byte, opts *Options) (*Model, error) {
	header, meta, index, err := parseLEFPrefix(data)
	if err != nil {
		return nil, err
	}

	logger := opts.logger()
	verify := opts.shouldVerify(&header)

	layerHdrs := make([]LayerHeader, len(index))
	layerData := make([][]byte, len(index))
	for i, entry := range index {
		lh, payload, err := readLayerAt(data, entry)
		if err != nil {
			return nil, err
		}
		if verify {
			if err := verifyLayerChecksum(&lh, payload); err != nil {
				logger.Errorf("layer %d checksum mismatch", lh.LayerID)
				return nil, err
			}
		}
		layerHdrs[i] = lh
		layerData[i] = payload
	}

	return &Model{
		Header:     header,
		Meta:       meta,
		layerIndex: index,
		layerHdrs:  layerHdrs,
		layerData:  layerData,
		backing:    borrowedBacking{},
		logger:     logger,
	}, nil
}
