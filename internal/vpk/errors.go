package vpk

import "errors"

var (
	// ErrDirectoryCorrupt is returned for an unreadable directory (bad magic,
	// unknown version, truncated header or tree) or a missing chunk file.
	ErrDirectoryCorrupt = errors.New("vpk: directory corrupt")

	// ErrChecksumMismatch is reported per entry or chunk during verification.
	ErrChecksumMismatch = errors.New("vpk: checksum mismatch")

	// ErrSignatureInvalid is returned when the directory signature does not
	// validate. Verification stops there.
	ErrSignatureInvalid = errors.New("vpk: signature invalid")

	// ErrEntryNotFound is returned by lookups for paths not in the package.
	ErrEntryNotFound = errors.New("vpk: entry not found")
)
