package lef

import "errors"

// Errors returned by format parsing, loading, serialization, and
// extension application. Every public operation that can fail returns
// one of these (or an error wrapping one) alongside its output; there
// are no panics in the public API.
var (
	// ErrInvalidArgument is returned for a null pointer, a zero-length
	// buffer, or a numeric argument outside its documented range.
	ErrInvalidArgument = errors.New("lef: invalid argument")

	// ErrFileIO wraps an os-level open/read/write/seek/mmap failure.
	ErrFileIO = errors.New("lef: file i/o error")

	// ErrOutOfMemory is returned when an allocation for a layer buffer
	// or cache entry fails.
	ErrOutOfMemory = errors.New("lef: out of memory")

	// ErrInvalidFormat is returned when a parsed record fails
	// validation (magic mismatch, out-of-range enum, inconsistent
	// offsets, and so on).
	ErrInvalidFormat = errors.New("lef: invalid format")

	// ErrCompressionFailed is returned when a compression or diff pass
	// produced no gain under a strict policy.
	ErrCompressionFailed = errors.New("lef: compression produced no gain")

	// ErrChecksumMismatch is returned when a layer's stored CRC32
	// does not match the recomputed CRC32 of its payload.
	ErrChecksumMismatch = errors.New("lef: checksum mismatch")

	// ErrVersionIncompatible is returned when a file's version falls
	// outside the window the running code (or an extension's
	// compatibility window) accepts.
	ErrVersionIncompatible = errors.New("lef: version incompatible")

	// ErrLayerNotFound is returned when a layer_id is not present in
	// the layer index.
	ErrLayerNotFound = errors.New("lef: layer not found")

	// ErrBufferTooSmall is returned when an output buffer's capacity
	// is insufficient for the requested data.
	ErrBufferTooSmall = errors.New("lef: buffer too small")

	// ErrMagicMismatch is returned when a file's magic number does not
	// match the expected LEF or LEFX magic.
	ErrMagicMismatch = errors.New("lef: magic mismatch")

	// ErrFileTooSmall is returned when a file is smaller than the
	// fixed header region required to even attempt parsing.
	ErrFileTooSmall = errors.New("lef: file smaller than header region")

	// ErrLayerCountMismatch is returned by the differential codec when
	// the base and speaker models carry a different number of layers.
	ErrLayerCountMismatch = errors.New("lef: base and speaker layer counts differ")

	// ErrDependencyUnresolved is returned when a required extension
	// dependency has no matching extension available.
	ErrDependencyUnresolved = errors.New("lef: required dependency unresolved")

	// ErrDependencyConflict is returned when a conflicting extension
	// is present among the available extensions.
	ErrDependencyConflict = errors.New("lef: conflicting dependency present")
)
