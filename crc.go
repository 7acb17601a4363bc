package lef

import (
	"fmt"
	"sync"
)

// crc32Polynomial is the IEEE 802.3 reversed polynomial used for every
// integrity check in the format: layer payload checksums and the model
// hash. It authenticates against accidental corruption only; it is not
// a cryptographic signature.
const crc32Polynomial = 0xEDB88320

var (
	crc32TableOnce sync.Once
	crc32Table     [256]uint32
)

// buildCRC32Table computes the 256-entry lookup table once, lazily,
// mirroring the teacher's table-driven checksum routines in
// richheader.go rather than folding the polynomial bit-by-bit on
// every call.
func buildCRC32Table() {
	for i := uint32(0); i < 256; i++ {
		c := i
		for k := 0; k < 8; k++ {
			if c&1 != 0 {
				c = crc32Polynomial ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		crc32Table[i] = c
	}
}

// crc32IEEE computes the CRC32 of data using the IEEE 802.3 reversed
// polynomial. The accumulator starts at 0xFFFFFFFF and the result is
// XORed with 0xFFFFFFFF before returning, per §4.1. A zero-length or
// nil input returns 0.
func crc32IEEE(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	crc32TableOnce.Do(buildCRC32Table)

	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crc32Table[(crc^uint32(b))&0xFF]
	}
	return crc ^ 0xFFFFFFFF
}

// modelHash computes the deterministic, platform-independent CRC32
// identifying a model's metadata. It hashes the canonical textual
// form described in §4.1 rather than a struct memory image, so the
// same model produces the same hash regardless of struct padding or
// endianness of the host running the hash.
func modelHash(m *ModelMeta) uint32 {
	canonical := fmt.Sprintf("%s_%s_%d_%d_%d_%d_%d_%d_%d_%d_%d_%d",
		cstr(m.Name[:]), cstr(m.Version[:]),
		m.InputDim, m.OutputDim, m.HiddenDim, m.NumLayers, m.NumHeads, m.VocabSize,
		m.SampleRate, m.MelChannels, m.HopLength, m.WinLength)
	return crc32IEEE([]byte(canonical))
}

// cstr trims a fixed-size char array at its first NUL byte.
func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
