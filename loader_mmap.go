package lef

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// mmapAdapter satisfies mmapHandle for the concrete mmap-go MMap
// type, keeping the mmap import confined to this file.
type mmapAdapter struct {
	mm mmap.MMap
}

func (a mmapAdapter) Unmap() error { return a.mm.Unmap() }

// LoadMmap creates a shared, read-only mapping of path and parses it
// exactly as LoadFromMemory does, but retains the mapping in the
// Model so Close unmaps before releasing the parsed arrays (§4.4.3).
func LoadMmap(path string, opts *Options) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrFileIO
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, ErrFileIO
	}

	header, meta, index, err := parseLEFPrefix(data)
	if err != nil {
		data.Unmap()
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
			data.Unmap()
			f.Close()
			return nil, err
		}
		if verify {
			if err := verifyLayerChecksum(&lh, payload); err != nil {
				logger.Errorf("layer %d checksum mismatch", lh.LayerID)
				data.Unmap()
				f.Close()
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
		backing:    mappedBacking{mm: mmapAdapter{mm: data}},
		f:          f,
		filePath:   path,
		logger:     logger,
	}, nil
}
