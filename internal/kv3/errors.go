package kv3

import "errors"

// Sentinel errors for KV3 decoding and encoding.
var (
	// ErrStreamDesync is returned when one of the lockstep streams is over- or under-run.
	// It is fatal for the whole block; no partial tree is returned.
	ErrStreamDesync = errors.New("kv3: stream desync")

	// ErrUnsupportedVersion is returned for magics or header features this package does not decode.
	ErrUnsupportedVersion = errors.New("kv3: unsupported version")

	// ErrDecompression is returned when the compressed payload cannot be expanded.
	ErrDecompression = errors.New("kv3: decompression failed")

	// ErrInvalidValue is returned by the encoder when a value cannot be represented by its wire type.
	ErrInvalidValue = errors.New("kv3: invalid value")
)
