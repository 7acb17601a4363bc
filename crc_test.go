package lef

import (
	"hash/crc32"
	"testing"
)

func TestCRC32IEEEMatchesStdlib(t *testing.T) {
	tests := [][]byte{
		nil,
		{},
		[]byte("a"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		make([]byte, 4096),
	}
	for _, tt := range tests {
		got := crc32IEEE(tt)
		want := crc32.ChecksumIEEE(tt)
		if len(tt) == 0 {
			want = 0
		}
		if got != want {
			t.Errorf("crc32IEEE(%d bytes) = %#x, want %#x", len(tt), got, want)
		}
	}
}

func TestCStrTrimsAtNUL(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte{'a', 'b', 0, 'c'}, "ab"},
		{[]byte{0, 0, 0}, ""},
		{[]byte("hello"), "hello"},
	}
	for _, tt := range tests {
		if got := cstr(tt.in); got != tt.want {
			t.Errorf("cstr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelHashStableAcrossCalls(t *testing.T) {
	var m ModelMeta
	setFixed(m.Name[:], "tiny-tts")
	setFixed(m.Version[:], "1.0")
	m.InputDim, m.OutputDim, m.HiddenDim = 80, 80, 256
	m.NumLayers, m.NumHeads, m.VocabSize = 4, 4, 256
	m.SampleRate, m.MelChannels, m.HopLength, m.WinLength = 22050, 80, 256, 1024

	h1 := modelHash(&m)
	h2 := modelHash(&m)
	if h1 != h2 {
		t.Fatalf("modelHash not stable: %d != %d", h1, h2)
	}

	m.NumLayers = 5
	if modelHash(&m) == h1 {
		t.Fatalf("modelHash did not change after NumLayers changed")
	}
}
