package texture

import "errors"

var (
	// ErrReservedMode is returned when at least one block used a reserved BC6H
	// mode. The bitmap is still fully written; those blocks are black.
	ErrReservedMode = errors.New("texture: reserved block mode")

	// ErrShortInput is returned when the block data is smaller than the image requires.
	ErrShortInput = errors.New("texture: not enough block data")

	// ErrUnsupportedFormat is returned for formats or sinks without a decoder.
	ErrUnsupportedFormat = errors.New("texture: unsupported format")

	// ErrBitmapMismatch is returned when the destination bitmap does not fit the decoder.
	ErrBitmapMismatch = errors.New("texture: bitmap does not match decoder")
)
