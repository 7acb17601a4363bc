package lef

import (
	"bytes"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/libetude/lef/internal/logging"
)

// StreamingLoader defers layer reads until requested and keeps a
// bounded-by-bytes LRU cache of resident layers (§4.4.4). The
// ordering is delegated to hashicorp/golang-lru's Cache, whose
// Keys() returns oldest-to-newest; cleanupCache walks that order to
// evict from the tail, matching the spec's "evict LRU-tail" rule —
// the eviction *unit* here is still bytes, not cache slot count, so
// the lru.Cache capacity is sized generously and byte accounting is
// done by this loader, not by the cache itself.
type StreamingLoader struct {
	mu sync.Mutex

	f      *os.File
	header Header
	meta   ModelMeta
	index  []LayerIndexEntry
	hdrs   []LayerHeader

	cache         *lru.Cache[uint16, []byte]
	cacheSizeUsed uint32
	cacheSizeCap  uint32

	verify bool
	logger *logging.Helper
	metric *cacheMetrics
}

// CreateStreamingLoader opens path, validates Header/ModelMeta/the
// full layer index, and prepares an empty cache bounded to
// cacheSizeBytes.
func CreateStreamingLoader(path string, cacheSizeBytes uint32, opts *Options) (*StreamingLoader, error) {
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

	prefix := make([]byte, HeaderSize+ModelMetaSize)
	if _, err := f.ReadAt(prefix, 0); err != nil {
		f.Close()
		return nil, ErrFileIO
	}
	r := bytes.NewReader(prefix)
	header, err := readHeader(r)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := header.validate(); err != nil {
		f.Close()
		return nil, err
	}
	meta, err := readModelMeta(r)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := meta.validate(); err != nil {
		f.Close()
		return nil, err
	}

	idxBuf := make([]byte, meta.NumLayers*LayerIndexEntrySize)
	if _, err := f.ReadAt(idxBuf, int64(header.LayerIndexOffset)); err != nil {
		f.Close()
		return nil, ErrFileIO
	}
	index, err := readLayerIndex(bytes.NewReader(idxBuf), meta.NumLayers)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := validateLayerIndex(index, header.FileSize); err != nil {
		f.Close()
		return nil, err
	}

	// Capacity is sized to the layer count: byte-budget enforcement
	// is this loader's job, so the underlying cache never evicts on
	// its own entry-count limit.
	cache, err := lru.New[uint16, []byte](max(1, len(index)))
	if err != nil {
		f.Close()
		return nil, ErrOutOfMemory
	}

	return &StreamingLoader{
		f:            f,
		header:       header,
		meta:         meta,
		index:        index,
		hdrs:         make([]LayerHeader, len(index)),
		cache:        cache,
		cacheSizeCap: cacheSizeBytes,
		verify:       opts.shouldVerify(&header),
		logger:       opts.logger(),
		metric:       globalCacheMetrics,
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close releases the file handle and drops every cached buffer.
func (s *StreamingLoader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	s.cacheSizeUsed = 0
	return s.f.Close()
}

// GetLayer returns the payload for layer_id, loading it on demand if
// it is not already resident (§4.4.4 get_layer).
func (s *StreamingLoader) GetLayer(layerID uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload, ok := s.cache.Get(layerID); ok {
		s.metric.hit()
		return payload, nil
	}
	s.metric.miss()
	return s.loadOnDemandLocked(layerID)
}

func (s *StreamingLoader) entryIndex(layerID uint16) int {
	for i, e := range s.index {
		if e.LayerID == layerID {
			return i
		}
	}
	return -1
}

// loadOnDemandLocked resolves layerID, evicts LRU-tail entries until
// there is room, reads the payload, verifies its checksum if enabled,
// and inserts it at the cache head. Callers must hold s.mu.
func (s *StreamingLoader) loadOnDemandLocked(layerID uint16) ([]byte, error) {
	i := s.entryIndex(layerID)
	if i < 0 {
		return nil, ErrLayerNotFound
	}
	entry := s.index[i]

	hdrBuf := make([]byte, LayerHeaderSize)
	if _, err := s.f.ReadAt(hdrBuf, int64(entry.DataOffset)); err != nil {
		return nil, ErrFileIO
	}
	lh, err := readLayerHeader(bytes.NewReader(hdrBuf))
	if err != nil {
		return nil, err
	}
	if err := lh.validate(); err != nil {
		return nil, err
	}

	// The cache holds decompressed payloads, so room is made for
	// DataSize, the number of bytes that will be admitted below.
	if err := s.evictUntilFitsLocked(lh.DataSize); err != nil {
		return nil, err
	}

	stored := make([]byte, lh.effectiveStoredSize())
	payloadOffset := int64(entry.DataOffset) + LayerHeaderSize
	if _, err := s.f.ReadAt(stored, payloadOffset); err != nil {
		return nil, ErrFileIO
	}

	payload, err := decompressLayerPayload(&lh, stored)
	if err != nil {
		return nil, err
	}

	if s.verify {
		if err := verifyLayerChecksum(&lh, payload); err != nil {
			// The failing layer's allocation is simply dropped; the
			// cache and loader remain usable for other layers (§7).
			s.logger.Warnf("layer %d checksum mismatch, dropped", layerID)
			return nil, ErrChecksumMismatch
		}
	}

	s.hdrs[i] = lh
	s.cache.Add(layerID, payload)
	s.cacheSizeUsed += uint32(len(payload))
	s.metric.bytesResident(float64(s.cacheSizeUsed))
	return payload, nil
}

// evictUntilFitsLocked evicts LRU-tail entries (oldest first, per
// golang-lru/v2's Keys() ordering) until admitting `need` more bytes
// would not exceed the cache's byte budget.
func (s *StreamingLoader) evictUntilFitsLocked(need uint32) error {
	if s.cacheSizeCap == 0 {
		return nil
	}
	for s.cacheSizeUsed+need > s.cacheSizeCap {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			if need > s.cacheSizeCap {
				return ErrBufferTooSmall
			}
			break
		}
		oldest := keys[0]
		s.unloadLayerLocked(oldest)
		s.metric.eviction()
	}
	return nil
}

// UnloadLayer frees a cached buffer and removes it from the LRU.
func (s *StreamingLoader) UnloadLayer(layerID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadLayerLocked(layerID)
}

func (s *StreamingLoader) unloadLayerLocked(layerID uint16) {
	if payload, ok := s.cache.Peek(layerID); ok {
		s.cacheSizeUsed -= uint32(len(payload))
		s.cache.Remove(layerID)
	}
}

// CleanupCache repeatedly unloads the LRU-tail layer until
// cache_used <= targetBytes or nothing remains to evict.
func (s *StreamingLoader) CleanupCache(targetBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.cacheSizeUsed > targetBytes {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			return
		}
		s.unloadLayerLocked(keys[0])
	}
}

// CacheInfo reports how many layers are resident and the current
// byte usage.
func (s *StreamingLoader) CacheInfo() (loadedCount int, cacheUsedBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len(), s.cacheSizeUsed
}

// IsLoaded reports whether layerID is currently resident.
func (s *StreamingLoader) IsLoaded(layerID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Contains(layerID)
}
