package ntro

import "errors"

var (
	// ErrStructOverrun is returned when a field read would leave the data buffer.
	ErrStructOverrun = errors.New("ntro: struct read overruns buffer")

	// ErrUnsupportedFieldType is recorded when a field's type tag has no decoder.
	// Only the enclosing struct stops decoding.
	ErrUnsupportedFieldType = errors.New("ntro: unsupported field type")

	// ErrManifestCorrupt is returned when introspection metadata is malformed.
	ErrManifestCorrupt = errors.New("ntro: introspection manifest corrupt")

	// ErrUnknownStruct is returned when a struct field references an id missing from the manifest.
	ErrUnknownStruct = errors.New("ntro: unknown struct id")
)
