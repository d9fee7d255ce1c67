package resource

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const blockAlignment = 16

// Encode writes the header, block directory and raw block bytes. A parsed
// resource keeps its layout: blocks stay at their original offsets and bytes
// outside any block, such as texture data after DATA, are written back
// unchanged. Detached blocks, and blocks the directory has grown over, are
// appended on 16-byte boundaries. Decoded payloads are not re-serialized.
func (r *Resource) Encode() ([]byte, error) {
	for _, b := range r.Blocks {
		if len(b.Type) != 4 {
			return nil, fmt.Errorf("%w: block type %q is not 4 characters", ErrContainerCorrupt, b.Type)
		}
	}

	dirOffset := uint32(defaultBlockOffset)
	var out []byte
	if r.data != nil {
		dirOffset = r.blockOffset
		out = bytes.Clone(r.data)
	}

	dirStart := 8 + int(dirOffset)
	dirEnd := dirStart + len(r.Blocks)*blockEntrySize
	if len(out) < dirEnd {
		out = append(out, make([]byte, dirEnd-len(out))...)
	}

	starts := make([]int, len(r.Blocks))
	for i, b := range r.Blocks {
		if start, ok := r.placed(b); ok && start >= dirEnd {
			starts[i] = start
			continue
		}
		start := align(len(out), blockAlignment)
		out = append(out, make([]byte, start-len(out))...)
		out = append(out, b.data...)
		starts[i] = start
	}
	if uint64(len(out)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: encoded size %d too large", ErrContainerCorrupt, len(out))
	}

	fileSize := uint32(len(out))
	if r.data != nil && len(out) == len(r.data) {
		fileSize = r.FileSize
	}
	headerVersion := r.HeaderVersion
	if headerVersion == 0 {
		headerVersion = HeaderVersion
	}

	le := binary.LittleEndian
	le.PutUint32(out[0:], fileSize)
	le.PutUint16(out[4:], headerVersion)
	le.PutUint16(out[6:], r.Version)
	le.PutUint32(out[8:], dirOffset)
	le.PutUint32(out[12:], uint32(len(r.Blocks)))

	for i, b := range r.Blocks {
		entry := dirStart + i*blockEntrySize
		tag := b.Type.tag()
		copy(out[entry:], tag[:])
		le.PutUint32(out[entry+4:], uint32(starts[i]-(entry+4)))
		le.PutUint32(out[entry+8:], uint32(len(b.data)))
	}

	return out, nil
}

// placed returns where b already sits in r's buffer.
func (r *Resource) placed(b *Block) (int, bool) {
	if b.owner != r || r.data == nil {
		return 0, false
	}
	start := int(b.Offset)
	if start+len(b.data) > len(r.data) {
		return 0, false
	}
	return start, true
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
