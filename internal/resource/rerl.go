package resource

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ExternalReference is one resource this resource depends on.
type ExternalReference struct {
	ID   uint64
	Name string
}

const rerlEntrySize = 16

// readExternalReferences parses a RERL block:
// u32 offset (relative to itself), u32 count, then count × {u64 id, i64 nameOffset}.
func readExternalReferences(data []byte) ([]ExternalReference, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: RERL block of %d bytes", ErrContainerCorrupt, len(data))
	}

	p := uint64(binary.LittleEndian.Uint32(data[0:]))
	count := uint64(binary.LittleEndian.Uint32(data[4:]))
	if count == 0 {
		return []ExternalReference{}, nil
	}
	if p+count*rerlEntrySize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d references overrun RERL block", ErrContainerCorrupt, count)
	}

	refs := make([]ExternalReference, 0, count)
	for range count {
		id := binary.LittleEndian.Uint64(data[p:])
		nameAt := int64(p+8) + int64(binary.LittleEndian.Uint64(data[p+8:]))
		if nameAt < 0 || nameAt >= int64(len(data)) {
			return nil, fmt.Errorf("%w: reference name offset out of range", ErrContainerCorrupt)
		}

		name := data[nameAt:]
		end := bytes.IndexByte(name, 0)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated reference name", ErrContainerCorrupt)
		}

		refs = append(refs, ExternalReference{ID: id, Name: string(name[:end])})
		p += rerlEntrySize
	}
	return refs, nil
}

// EncodeExternalReferences builds a RERL block.
func EncodeExternalReferences(refs []ExternalReference) []byte {
	table := 8
	names := table + len(refs)*rerlEntrySize

	out := make([]byte, names)
	binary.LittleEndian.PutUint32(out[0:], uint32(table))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(refs)))

	for i, ref := range refs {
		p := table + i*rerlEntrySize
		binary.LittleEndian.PutUint64(out[p:], ref.ID)
		binary.LittleEndian.PutUint64(out[p+8:], uint64(len(out)-(p+8)))
		out = append(out, ref.Name...)
		out = append(out, 0)
	}
	return out
}

// Resolver returns an NTRO reference resolver backed by refs.
func Resolver(refs []ExternalReference) func(id uint64) (string, bool) {
	names := make(map[uint64]string, len(refs))
	for _, ref := range refs {
		names[ref.ID] = ref.Name
	}
	return func(id uint64) (string, bool) {
		name, ok := names[id]
		return name, ok
	}
}
