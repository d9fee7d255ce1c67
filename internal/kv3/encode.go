package kv3

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes f in the flavor described by f.Header. A zero header
// selects Version3 with the generic format and no compression.
//
// Strings are interned in first-occurrence, depth-first order, so encoding
// the same tree twice yields identical bytes.
func Encode(f *File) ([]byte, error) {
	if f == nil || f.Root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrInvalidValue)
	}

	h := f.Header
	if h.Version == 0 {
		h = Header{Version: Version3, Format: FormatGeneric, Compression: CompressionNone}
	}

	e := &encoder{index: make(map[string]int32)}
	e.ints = make([]byte, 4) // string count, patched below
	if err := e.node(f.Root, 0); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(e.ints, uint32(len(e.strings)))

	payload, counts, stringsAndTypes := e.payload()

	if f.Header.Version == 0 {
		h.PreallocObjects = uint16(min(e.objects, math.MaxUint16))
		h.PreallocArrays = uint16(min(e.arrays, math.MaxUint16))
	}

	switch h.Version {
	case Version2:
		return encodeV2(h, counts, payload)
	case Version3:
		return encodeV3(h, counts, stringsAndTypes, payload)
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedVersion, h.Version)
	}
}

func putCounts(out []byte, c laneCounts) []byte {
	out = binary.LittleEndian.AppendUint32(out, c.bytes)
	out = binary.LittleEndian.AppendUint32(out, c.ints)
	return binary.LittleEndian.AppendUint32(out, c.eights)
}

func encodeV2(h Header, counts laneCounts, payload []byte) ([]byte, error) {
	out := make([]byte, 0, headerSizeV2+len(payload))
	out = binary.LittleEndian.AppendUint32(out, uint32(Version2))
	out = append(out, h.Format[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(h.Compression))
	out = putCounts(out, counts)

	switch h.Compression {
	case CompressionNone:
		out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
		return append(out, payload...), nil
	case CompressionLZ4:
		compressed, err := compressLZ4(payload)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
		return append(out, compressed...), nil
	default:
		return nil, fmt.Errorf("%w: v2 compression method %s", ErrUnsupportedVersion, h.Compression)
	}
}

func encodeV3(h Header, counts laneCounts, stringsAndTypes int, payload []byte) ([]byte, error) {
	var body []byte
	switch h.Compression {
	case CompressionNone:
		body = payload
	case CompressionLZ4:
		var err error
		if body, err = compressLZ4(payload); err != nil {
			return nil, err
		}
	case CompressionZstd:
		body = compressZstd(payload)
	default:
		return nil, fmt.Errorf("%w: compression method %s", ErrUnsupportedVersion, h.Compression)
	}

	out := make([]byte, 0, headerSizeV3+len(body))
	out = binary.LittleEndian.AppendUint32(out, uint32(Version3))
	out = append(out, h.Format[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(h.Compression))
	out = binary.LittleEndian.AppendUint16(out, h.DictionaryID)
	out = binary.LittleEndian.AppendUint16(out, h.FrameSize)
	out = putCounts(out, counts)
	out = binary.LittleEndian.AppendUint32(out, uint32(stringsAndTypes))
	out = binary.LittleEndian.AppendUint16(out, h.PreallocObjects)
	out = binary.LittleEndian.AppendUint16(out, h.PreallocArrays)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = binary.LittleEndian.AppendUint32(out, 0) // external block count
	out = binary.LittleEndian.AppendUint32(out, 0) // external block total size
	return append(out, body...), nil
}

type encoder struct {
	bytes  []byte
	ints   []byte
	eights []byte
	types  []byte

	strings []string
	index   map[string]int32

	objects int
	arrays  int
}

func (e *encoder) intern(s string) int32 {
	if s == "" {
		return -1
	}
	if i, ok := e.index[s]; ok {
		return i
	}
	i := int32(len(e.strings))
	e.strings = append(e.strings, s)
	e.index[s] = i
	return i
}

func (e *encoder) putInt(v uint32) {
	e.ints = binary.LittleEndian.AppendUint32(e.ints, v)
}

func (e *encoder) putType(t Type, f Flag) {
	if f != FlagNone {
		e.types = append(e.types, byte(t)|typeHasFlag, byte(f))
		return
	}
	e.types = append(e.types, byte(t))
}

// node writes the type descriptor and data of v.
func (e *encoder) node(v *Value, depth int) error {
	if v == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidValue)
	}
	t, err := wireType(v)
	if err != nil {
		return err
	}
	e.putType(t, v.Flag)
	return e.data(v, t, depth)
}

// data writes the lane data of v as wire type t.
func (e *encoder) data(v *Value, t Type, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidValue, maxDepth)
	}

	switch t {
	case TypeNull, TypeBooleanTrue, TypeBooleanFalse, TypeInt64Zero, TypeInt64One, TypeDoubleZero, TypeDoubleOne:
	case TypeBoolean:
		if v.Bool {
			e.bytes = append(e.bytes, 1)
		} else {
			e.bytes = append(e.bytes, 0)
		}
	case TypeInt64:
		e.eights = binary.LittleEndian.AppendUint64(e.eights, uint64(v.Int))
	case TypeInt32:
		e.putInt(uint32(int32(v.Int)))
	case TypeUInt64:
		e.eights = binary.LittleEndian.AppendUint64(e.eights, v.Uint)
	case TypeUInt32:
		e.putInt(uint32(v.Uint))
	case TypeDouble:
		e.eights = binary.LittleEndian.AppendUint64(e.eights, math.Float64bits(v.Double))
	case TypeFloat:
		e.putInt(math.Float32bits(float32(v.Double)))
	case TypeString:
		e.putInt(uint32(e.intern(v.Str)))
	case TypeBinaryBlob:
		e.putInt(uint32(len(v.Blob)))
		e.bytes = append(e.bytes, v.Blob...)
	case TypeArray:
		e.arrays++
		e.putInt(uint32(len(v.Elems)))
		for _, c := range v.Elems {
			if err := e.node(c, depth+1); err != nil {
				return err
			}
		}
	case TypeObject:
		e.objects++
		e.putInt(uint32(len(v.Members)))
		for _, m := range v.Members {
			e.putInt(uint32(e.intern(m.Name)))
			if err := e.node(m.Value, depth+1); err != nil {
				return err
			}
		}
	case TypeArrayTyped:
		e.arrays++
		e.putInt(uint32(len(v.Elems)))
		e.putType(v.ElemType, v.ElemFlag)
		for i, c := range v.Elems {
			if c == nil {
				return fmt.Errorf("%w: nil element %d", ErrInvalidValue, i)
			}
			if c.Flag != v.ElemFlag {
				return fmt.Errorf("%w: typed array element %d has flag %s, array declares %s", ErrInvalidValue, i, c.Flag, v.ElemFlag)
			}
			if err := checkWireType(c, v.ElemType); err != nil {
				return fmt.Errorf("typed array element %d: %w", i, err)
			}
			if err := e.data(c, v.ElemType, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: wire type %s", ErrInvalidValue, t)
	}
	return nil
}

// payload lays the lanes out in decode order and returns the lane counts
// and the size of the strings+types region.
func (e *encoder) payload() ([]byte, laneCounts, int) {
	counts := laneCounts{
		bytes:  uint32(len(e.bytes)),
		ints:   uint32(len(e.ints) / 4),
		eights: uint32(len(e.eights) / 8),
	}
	l := layoutFor(counts)

	out := make([]byte, l.stringsStart, l.stringsStart+len(e.types)+64)
	copy(out, e.bytes)
	copy(out[l.intsStart:], e.ints)
	copy(out[l.eightsStart:], e.eights)
	for _, s := range e.strings {
		out = append(out, s...)
		out = append(out, 0)
	}
	out = append(out, e.types...)
	out = binary.LittleEndian.AppendUint32(out, trailer)
	return out, counts, len(out) - l.stringsStart
}

// wireType picks the wire type for v: its recorded Type when valid,
// otherwise the most compact encoding of its kind.
func wireType(v *Value) (Type, error) {
	if v.Type != 0 {
		if err := checkWireType(v, v.Type); err != nil {
			return 0, err
		}
		if v.Type == TypeArrayTyped {
			if _, ok := v.ElemType.kind(); !ok || v.ElemType == TypeArrayTyped {
				return 0, fmt.Errorf("%w: typed array element type %s", ErrInvalidValue, v.ElemType)
			}
		}
		return v.Type, nil
	}

	switch v.Kind {
	case KindNull:
		return TypeNull, nil
	case KindBool:
		if v.Bool {
			return TypeBooleanTrue, nil
		}
		return TypeBooleanFalse, nil
	case KindInt:
		switch v.Int {
		case 0:
			return TypeInt64Zero, nil
		case 1:
			return TypeInt64One, nil
		}
		return TypeInt64, nil
	case KindUint:
		return TypeUInt64, nil
	case KindDouble:
		switch v.Double {
		case 0:
			if !math.Signbit(v.Double) {
				return TypeDoubleZero, nil
			}
		case 1:
			return TypeDoubleOne, nil
		}
		return TypeDouble, nil
	case KindString:
		return TypeString, nil
	case KindBlob:
		return TypeBinaryBlob, nil
	case KindArray:
		return TypeArray, nil
	case KindObject:
		return TypeObject, nil
	}
	return 0, fmt.Errorf("%w: kind %d", ErrInvalidValue, v.Kind)
}

// checkWireType reports whether v's value survives encoding as t.
func checkWireType(v *Value, t Type) error {
	k, ok := t.kind()
	if !ok {
		return fmt.Errorf("%w: unknown wire type %d", ErrInvalidValue, uint8(t))
	}
	if k != v.Kind {
		return fmt.Errorf("%w: %s value cannot be written as %s", ErrInvalidValue, v.Kind, t)
	}

	fits := true
	switch t {
	case TypeBooleanTrue:
		fits = v.Bool
	case TypeBooleanFalse:
		fits = !v.Bool
	case TypeInt32:
		fits = v.Int >= math.MinInt32 && v.Int <= math.MaxInt32
	case TypeInt64Zero:
		fits = v.Int == 0
	case TypeInt64One:
		fits = v.Int == 1
	case TypeUInt32:
		fits = v.Uint <= math.MaxUint32
	case TypeDoubleZero:
		fits = v.Double == 0 && !math.Signbit(v.Double)
	case TypeDoubleOne:
		fits = v.Double == 1
	}
	if !fits {
		return fmt.Errorf("%w: value does not fit wire type %s", ErrInvalidValue, t)
	}
	return nil
}
