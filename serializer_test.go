package lef

import (
	"path/filepath"
	"testing"
)

func writeTestModel(t *testing.T, dir string, numLayers int, layerSize int) string {
	t.Helper()
	path := filepath.Join(dir, "model.lef")

	s, err := Open(path, &Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.SetModelInfo("tiny-tts", "1.0", "tester", "unit test model"); err != nil {
		t.Fatalf("SetModelInfo failed: %v", err)
	}
	if err := s.SetModelArchitecture(80, 80, 256, uint32(numLayers), 4, 256); err != nil {
		t.Fatalf("SetModelArchitecture failed: %v", err)
	}
	if err := s.SetAudioConfig(22050, 80, 256, 1024); err != nil {
		t.Fatalf("SetAudioConfig failed: %v", err)
	}

	for i := 0; i < numLayers; i++ {
		data := make([]byte, layerSize)
		for j := range data {
			data[j] = byte((i*100 + j) % 256)
		}
		in := AddLayerInput{
			LayerID:          uint16(i),
			LayerKind:        LayerLinear,
			QuantizationType: QuantNone,
			WeightData:       data,
		}
		if err := s.AddLayer(in); err != nil {
			t.Fatalf("AddLayer(%d) failed: %v", i, err)
		}
	}

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestSerializerRejectsDuplicateLayerID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "dup.lef"), &Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	in := AddLayerInput{LayerID: 0, LayerKind: LayerLinear, WeightData: []byte{1, 2, 3, 4}}
	if err := s.AddLayer(in); err != nil {
		t.Fatalf("first AddLayer failed: %v", err)
	}
	if err := s.AddLayer(in); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for duplicate layer id, got %v", err)
	}
}

func TestSerializerRejectsEmptyPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "empty.lef"), &Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	in := AddLayerInput{LayerID: 0, LayerKind: LayerLinear}
	if err := s.AddLayer(in); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty payload, got %v", err)
	}
}

func TestFinalizeSetsAuthoritativeOffsets(t *testing.T) {
	dir := t.TempDir()
	path := writeTestModel(t, dir, 3, 64)

	m, err := LoadEager(path, &Options{})
	if err != nil {
		t.Fatalf("LoadEager failed: %v", err)
	}
	defer m.Close()

	if m.Header.LayerIndexOffset != HeaderSize+ModelMetaSize {
		t.Fatalf("unexpected LayerIndexOffset: %d", m.Header.LayerIndexOffset)
	}
	for i := 0; i+1 < len(m.layerIndex); i++ {
		if m.layerIndex[i].DataOffset >= m.layerIndex[i+1].DataOffset {
			t.Fatalf("layer index entries are not monotonic at %d", i)
		}
	}
}
