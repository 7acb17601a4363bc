package lef

import (
	"bytes"
	"os"
	"testing"
)

// TestRoundTripAcrossLoaders is scenario S1: a tiny 3-layer model
// written once must read back identically through eager, mmap, and
// memory-borrow loaders.
func TestRoundTripAcrossLoaders(t *testing.T) {
	dir := t.TempDir()
	const numLayers = 3
	const layerSize = 1024
	path := writeTestModel(t, dir, numLayers, layerSize)

	checkPattern := func(t *testing.T, m *Model) {
		t.Helper()
		if m.NumLayers() != numLayers {
			t.Fatalf("NumLayers() = %d, want %d", m.NumLayers(), numLayers)
		}
		for i := 0; i < numLayers; i++ {
			payload, _, err := m.Layer(uint16(i))
			if err != nil {
				t.Fatalf("Layer(%d) failed: %v", i, err)
			}
			want := make([]byte, layerSize)
			for j := range want {
				want[j] = byte((i*100 + j) % 256)
			}
			if !bytes.Equal(payload, want) {
				t.Fatalf("layer %d payload mismatch", i)
			}
		}
	}

	t.Run("eager", func(t *testing.T) {
		m, err := LoadEager(path, &Options{})
		if err != nil {
			t.Fatalf("LoadEager failed: %v", err)
		}
		defer m.Close()
		checkPattern(t, m)
	})

	t.Run("mmap", func(t *testing.T) {
		m, err := LoadMmap(path, &Options{})
		if err != nil {
			t.Fatalf("LoadMmap failed: %v", err)
		}
		defer m.Close()
		checkPattern(t, m)
	})

	t.Run("memory-borrow", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		m, err := LoadFromMemory(data, &Options{})
		if err != nil {
			t.Fatalf("LoadFromMemory failed: %v", err)
		}
		defer m.Close()
		checkPattern(t, m)
	})

	t.Run("streaming", func(t *testing.T) {
		sl, err := CreateStreamingLoader(path, 1<<20, &Options{})
		if err != nil {
			t.Fatalf("CreateStreamingLoader failed: %v", err)
		}
		defer sl.Close()
		for i := 0; i < numLayers; i++ {
			payload, err := sl.GetLayer(uint16(i))
			if err != nil {
				t.Fatalf("GetLayer(%d) failed: %v", i, err)
			}
			want := make([]byte, layerSize)
			for j := range want {
				want[j] = byte((i*100 + j) % 256)
			}
			if !bytes.Equal(payload, want) {
				t.Fatalf("streaming layer %d payload mismatch", i)
			}
		}
	})
}

// TestCRCTamperDetected is scenario S2: corrupting a stored payload
// byte must cause a checksum mismatch on eager load.
func TestCRCTamperDetected(t *testing.T) {
	dir := t.TempDir()
	path := writeTestModel(t, dir, 1, 256)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	payloadOffset := int64(HeaderSize + ModelMetaSize + int(LayerIndexEntrySize) + int(LayerHeaderSize))
	if _, err := f.WriteAt([]byte{0xFF}, payloadOffset); err != nil {
		t.Fatalf("tamper write failed: %v", err)
	}
	f.Close()

	if _, err := LoadEager(path, &Options{}); err != ErrChecksumMismatch {
		t.Fatalf("LoadEager() error = %v, want ErrChecksumMismatch", err)
	}
}

// TestVersionGateRejectsFuture is scenario S3: a header claiming a
// version above the accepted compatibility window must be rejected.
func TestVersionGateRejectsFuture(t *testing.T) {
	dir := t.TempDir()
	path := writeTestModel(t, dir, 1, 64)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	// VersionMajor sits right after Magic (4 bytes) at offset 4.
	if _, err := f.WriteAt([]byte{9, 0}, 4); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	if _, err := LoadEager(path, &Options{}); err != ErrVersionIncompatible {
		t.Fatalf("LoadEager() error = %v, want ErrVersionIncompatible", err)
	}
}

func TestModelHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeTestModel(t, dir, 2, 32)

	m1, err := LoadEager(path, &Options{})
	if err != nil {
		t.Fatalf("LoadEager failed: %v", err)
	}
	defer m1.Close()

	m2, err := LoadEager(path, &Options{})
	if err != nil {
		t.Fatalf("LoadEager failed: %v", err)
	}
	defer m2.Close()

	if m1.ModelHash() != m2.ModelHash() {
		t.Fatalf("ModelHash not deterministic: %d != %d", m1.ModelHash(), m2.ModelHash())
	}
	if m1.ModelHash() != m1.Header.ModelHash {
		t.Fatalf("ModelHash() = %d, want stored header hash %d", m1.ModelHash(), m1.Header.ModelHash)
	}
}
