package kv3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	// maxPayloadSize bounds the decompressed payload a header may request.
	maxPayloadSize = 256 << 20

	// maxDepth bounds container nesting.
	maxDepth = 512

	// maxPrealloc caps slice preallocation from counts read off the wire.
	maxPrealloc = 1024

	headerSizeV2 = 4 + 16 + 4 + 12 + 4
	headerSizeV3 = 4 + 16 + 4 + 2 + 2 + 12 + 4 + 2 + 2 + 4 + 4 + 4 + 4
)

// laneCounts are the element counts of the three fixed-width lanes.
type laneCounts struct {
	bytes  uint32
	ints   uint32
	eights uint32
}

// Decode parses a binary KV3 block. On any stream inconsistency it returns
// ErrStreamDesync and no tree.
func Decode(data []byte) (*File, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a magic", ErrStreamDesync, len(data))
	}

	magic := Version(binary.LittleEndian.Uint32(data))
	switch magic {
	case VersionLegacy:
		return nil, fmt.Errorf("%w: legacy VKV3 encoding", ErrUnsupportedVersion)
	case Version2:
		return decodeV2(data)
	case Version3:
		return decodeV3(data)
	default:
		return nil, fmt.Errorf("%w: magic 0x%08X", ErrUnsupportedVersion, uint32(magic))
	}
}

func decodeV2(data []byte) (*File, error) {
	if len(data) < headerSizeV2 {
		return nil, fmt.Errorf("%w: truncated v2 header (%d bytes)", ErrStreamDesync, len(data))
	}

	h := Header{Version: Version2}
	p := 4
	copy(h.Format[:], data[p:p+16])
	p += 16
	h.Compression = Compression(binary.LittleEndian.Uint32(data[p:]))
	p += 4
	counts := readCounts(data[p:])
	p += 12
	size := binary.LittleEndian.Uint32(data[p:])
	p += 4

	var payload []byte
	switch h.Compression {
	case CompressionNone:
		if uint64(size) > uint64(len(data)-p) {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds block (%d remaining)", ErrStreamDesync, size, len(data)-p)
		}
		payload = data[p : p+int(size)]
	case CompressionLZ4:
		var err error
		payload, err = decompressLZ4(data[p:], size)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: v2 compression method %s", ErrUnsupportedVersion, h.Compression)
	}

	root, err := decodePayload(payload, counts)
	if err != nil {
		return nil, err
	}
	return &File{Header: h, Root: root}, nil
}

func decodeV3(data []byte) (*File, error) {
	if len(data) < headerSizeV3 {
		return nil, fmt.Errorf("%w: truncated v3 header (%d bytes)", ErrStreamDesync, len(data))
	}

	h := Header{Version: Version3}
	p := 4
	copy(h.Format[:], data[p:p+16])
	p += 16
	h.Compression = Compression(binary.LittleEndian.Uint32(data[p:]))
	p += 4
	h.DictionaryID = binary.LittleEndian.Uint16(data[p:])
	p += 2
	h.FrameSize = binary.LittleEndian.Uint16(data[p:])
	p += 2
	counts := readCounts(data[p:])
	p += 12
	stringsAndTypes := binary.LittleEndian.Uint32(data[p:])
	p += 4
	h.PreallocObjects = binary.LittleEndian.Uint16(data[p:])
	p += 2
	h.PreallocArrays = binary.LittleEndian.Uint16(data[p:])
	p += 2
	uncompressed := binary.LittleEndian.Uint32(data[p:])
	p += 4
	compressed := binary.LittleEndian.Uint32(data[p:])
	p += 4
	blockCount := binary.LittleEndian.Uint32(data[p:])
	p += 4
	blockTotal := binary.LittleEndian.Uint32(data[p:])
	p += 4

	if blockCount != 0 || blockTotal != 0 {
		return nil, fmt.Errorf("%w: %d external binary blocks", ErrUnsupportedVersion, blockCount)
	}
	if uint64(compressed) > uint64(len(data)-p) {
		return nil, fmt.Errorf("%w: compressed size %d exceeds block (%d remaining)", ErrStreamDesync, compressed, len(data)-p)
	}
	src := data[p : p+int(compressed)]

	var payload []byte
	var err error
	switch h.Compression {
	case CompressionNone:
		if compressed != uncompressed {
			return nil, fmt.Errorf("%w: uncompressed payload sizes disagree (%d != %d)", ErrStreamDesync, compressed, uncompressed)
		}
		payload = src
	case CompressionLZ4:
		payload, err = decompressLZ4(src, uncompressed)
	case CompressionZstd:
		payload, err = decompressZstd(src, uncompressed)
	default:
		err = fmt.Errorf("%w: compression method %s", ErrUnsupportedVersion, h.Compression)
	}
	if err != nil {
		return nil, err
	}

	l := layoutFor(counts)
	if l.stringsStart <= len(payload) && uint64(stringsAndTypes) != uint64(len(payload)-l.stringsStart) {
		return nil, fmt.Errorf("%w: strings and types region is %d bytes, header says %d", ErrStreamDesync, len(payload)-l.stringsStart, stringsAndTypes)
	}

	root, err := decodePayload(payload, counts)
	if err != nil {
		return nil, err
	}
	return &File{Header: h, Root: root}, nil
}

func readCounts(b []byte) laneCounts {
	return laneCounts{
		bytes:  binary.LittleEndian.Uint32(b[0:]),
		ints:   binary.LittleEndian.Uint32(b[4:]),
		eights: binary.LittleEndian.Uint32(b[8:]),
	}
}

// layout is the absolute position of every lane inside the payload.
type layout struct {
	bytesEnd     int
	intsStart    int
	intsEnd      int
	eightsStart  int
	eightsEnd    int
	stringsStart int
}

func layoutFor(c laneCounts) layout {
	var l layout
	l.bytesEnd = int(c.bytes)
	l.intsStart = align(l.bytesEnd, 4)
	l.intsEnd = l.intsStart + int(c.ints)*4
	l.eightsStart = align(l.intsEnd, 8)
	l.eightsEnd = l.eightsStart + int(c.eights)*8
	l.stringsStart = l.eightsEnd
	return l
}

// streams holds one independent cursor per lane plus the string table.
type streams struct {
	bytes   cursor
	ints    cursor
	eights  cursor
	types   cursor
	strings []string
}

func splitPayload(payload []byte, counts laneCounts) (*streams, error) {
	if uint64(counts.bytes)+uint64(counts.ints)*4+uint64(counts.eights)*8 > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: lane counts (%d/%d/%d) exceed payload of %d bytes",
			ErrStreamDesync, counts.bytes, counts.ints, counts.eights, len(payload))
	}
	if counts.ints == 0 {
		return nil, fmt.Errorf("%w: missing string count", ErrStreamDesync)
	}

	l := layoutFor(counts)
	if l.stringsStart+4 > len(payload) {
		return nil, fmt.Errorf("%w: lanes leave no room for strings and trailer", ErrStreamDesync)
	}

	s := &streams{
		bytes:  cursor{name: "byte", buf: payload[:l.bytesEnd]},
		ints:   cursor{name: "int", buf: payload[l.intsStart:l.intsEnd]},
		eights: cursor{name: "eight", buf: payload[l.eightsStart:l.eightsEnd]},
	}

	// First int is the string count
	stringCount, err := s.ints.u32()
	if err != nil {
		return nil, err
	}

	end := len(payload) - 4
	if got := binary.LittleEndian.Uint32(payload[end:]); got != trailer {
		return nil, fmt.Errorf("%w: trailer 0x%08X, want 0x%08X", ErrStreamDesync, got, trailer)
	}

	p := l.stringsStart
	if uint64(stringCount) > uint64(end-p) {
		return nil, fmt.Errorf("%w: %d strings cannot fit in %d bytes", ErrStreamDesync, stringCount, end-p)
	}
	s.strings = make([]string, stringCount)
	for i := range s.strings {
		n := bytes.IndexByte(payload[p:end], 0)
		if n < 0 {
			return nil, fmt.Errorf("%w: unterminated string %d", ErrStreamDesync, i)
		}
		s.strings[i] = string(payload[p : p+n])
		p += n + 1
	}

	s.types = cursor{name: "type", buf: payload[p:end]}
	return s, nil
}

func (s *streams) str(idx int32) (string, error) {
	if idx == -1 {
		return "", nil
	}
	if idx < 0 || int(idx) >= len(s.strings) {
		return "", fmt.Errorf("%w: string index %d out of %d", ErrStreamDesync, idx, len(s.strings))
	}
	return s.strings[idx], nil
}

func (s *streams) readType() (Type, Flag, error) {
	b, err := s.types.u8()
	if err != nil {
		return 0, 0, err
	}
	var flag Flag
	if b&typeHasFlag != 0 {
		f, err := s.types.u8()
		if err != nil {
			return 0, 0, err
		}
		flag = Flag(f)
	}
	return Type(b & typeMask), flag, nil
}

// frame is an open container on the builder stack.
type frame struct {
	parent    *Value
	remaining uint32
	named     bool

	typed    bool
	elemType Type
	elemFlag Flag
}

func decodePayload(payload []byte, counts laneCounts) (*Value, error) {
	s, err := splitPayload(payload, counts)
	if err != nil {
		return nil, err
	}

	typ, flag, err := s.readType()
	if err != nil {
		return nil, err
	}
	root, child, err := s.readValue(typ, flag)
	if err != nil {
		return nil, err
	}

	var stack []frame
	if child != nil {
		stack = append(stack, *child)
	}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.remaining == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		top.remaining--

		var name string
		if top.named {
			idx, err := s.ints.i32()
			if err != nil {
				return nil, err
			}
			if name, err = s.str(idx); err != nil {
				return nil, err
			}
		}

		typ, flag := top.elemType, top.elemFlag
		if !top.typed {
			if typ, flag, err = s.readType(); err != nil {
				return nil, err
			}
		}

		v, next, err := s.readValue(typ, flag)
		if err != nil {
			return nil, err
		}

		parent := top.parent
		if top.named {
			parent.Members = append(parent.Members, Member{Name: name, Value: v})
		} else {
			parent.Elems = append(parent.Elems, v)
		}

		if next != nil {
			if len(stack) >= maxDepth {
				return nil, fmt.Errorf("%w: nesting deeper than %d", ErrStreamDesync, maxDepth)
			}
			stack = append(stack, *next)
		}
	}

	for _, c := range []*cursor{&s.bytes, &s.ints, &s.eights, &s.types} {
		if err := c.done(); err != nil {
			return nil, err
		}
	}

	slog.Debug("Decoded KV3 payload",
		"strings", len(s.strings),
		"bytes", counts.bytes,
		"ints", counts.ints,
		"eights", counts.eights)

	return root, nil
}

// readValue reads the data of one node. Containers return a frame describing
// the children still to be read.
func (s *streams) readValue(typ Type, flag Flag) (*Value, *frame, error) {
	kind, ok := typ.kind()
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown type descriptor %d", ErrStreamDesync, uint8(typ))
	}
	v := &Value{Kind: kind, Type: typ, Flag: flag}

	var err error
	switch typ {
	case TypeNull:
	case TypeBoolean:
		var b uint8
		b, err = s.bytes.u8()
		v.Bool = b != 0
	case TypeBooleanTrue:
		v.Bool = true
	case TypeBooleanFalse:
		v.Bool = false
	case TypeInt64:
		var u uint64
		u, err = s.eights.u64()
		v.Int = int64(u)
	case TypeInt32:
		var i int32
		i, err = s.ints.i32()
		v.Int = int64(i)
	case TypeInt64Zero:
		v.Int = 0
	case TypeInt64One:
		v.Int = 1
	case TypeUInt64:
		v.Uint, err = s.eights.u64()
	case TypeUInt32:
		var u uint32
		u, err = s.ints.u32()
		v.Uint = uint64(u)
	case TypeDouble:
		v.Double, err = s.eights.f64()
	case TypeFloat:
		var f float32
		f, err = s.ints.f32()
		v.Double = float64(f)
	case TypeDoubleZero:
		v.Double = 0
	case TypeDoubleOne:
		v.Double = 1
	case TypeString:
		var idx int32
		if idx, err = s.ints.i32(); err == nil {
			v.Str, err = s.str(idx)
		}
	case TypeBinaryBlob:
		var n uint32
		if n, err = s.ints.u32(); err == nil {
			var b []byte
			if b, err = s.bytes.take(int(n)); err == nil {
				v.Blob = append([]byte(nil), b...)
			}
		}
	case TypeArray, TypeObject:
		var n uint32
		if n, err = s.ints.u32(); err != nil {
			return nil, nil, err
		}
		if err = s.checkCount(n); err != nil {
			return nil, nil, err
		}
		if typ == TypeObject {
			v.Members = make([]Member, 0, min(int(n), maxPrealloc))
		} else {
			v.Elems = make([]*Value, 0, min(int(n), maxPrealloc))
		}
		return v, &frame{parent: v, remaining: n, named: typ == TypeObject}, nil
	case TypeArrayTyped:
		var n uint32
		if n, err = s.ints.u32(); err != nil {
			return nil, nil, err
		}
		elemType, elemFlag, err := s.readType()
		if err != nil {
			return nil, nil, err
		}
		if elemType == TypeArrayTyped {
			return nil, nil, fmt.Errorf("%w: nested typed array descriptor", ErrStreamDesync)
		}
		if err = s.checkTypedCount(n, elemType); err != nil {
			return nil, nil, err
		}
		v.ElemType, v.ElemFlag = elemType, elemFlag
		v.Elems = make([]*Value, 0, min(int(n), maxPrealloc))
		return v, &frame{parent: v, remaining: n, typed: true, elemType: elemType, elemFlag: elemFlag}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}

// checkCount rejects child counts the type stream cannot satisfy; every
// untyped child needs at least one type byte.
func (s *streams) checkCount(n uint32) error {
	if int64(n) > int64(s.types.remaining()) {
		return fmt.Errorf("%w: %d children but only %d type bytes left", ErrStreamDesync, n, s.types.remaining())
	}
	return nil
}

// maxDataFreeElems bounds typed arrays whose elements carry no lane data.
const maxDataFreeElems = 1 << 20

func (s *streams) checkTypedCount(n uint32, elem Type) error {
	switch elem {
	case TypeNull, TypeBooleanTrue, TypeBooleanFalse, TypeInt64Zero, TypeInt64One, TypeDoubleZero, TypeDoubleOne:
		if n > maxDataFreeElems {
			return fmt.Errorf("%w: %d data-free elements", ErrStreamDesync, n)
		}
		return nil
	}

	left := s.bytes.remaining() + s.ints.remaining() + s.eights.remaining() + s.types.remaining()
	if int64(n) > int64(left) {
		return fmt.Errorf("%w: %d typed elements but only %d lane bytes left", ErrStreamDesync, n, left)
	}
	return nil
}
