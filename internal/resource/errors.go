package resource

import "errors"

var (
	// ErrContainerCorrupt is returned when the header or block directory is
	// malformed. No Resource is returned alongside it.
	ErrContainerCorrupt = errors.New("resource: container corrupt")

	// ErrUnsupportedBlockType is returned when a block has no typed decoder.
	// Other blocks of the same resource remain usable.
	ErrUnsupportedBlockType = errors.New("resource: unsupported block type")

	// ErrBlockNotFound is returned when a required block is absent.
	ErrBlockNotFound = errors.New("resource: block not found")
)
