package kv3

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Version identifies the binary KV3 flavor by its magic.
type Version uint32

const (
	// VersionLegacy is the original single-stream "VKV\x03" encoding.
	VersionLegacy Version = 0x03564B56
	// Version2 uses separate byte/int/eight lanes and an optional LZ4 payload.
	Version2 Version = 0x4B563301
	// Version3 extends the header with dictionary/frame fields and adds zstd.
	Version3 Version = 0x4B563302
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "legacy"
	case Version2:
		return "v2"
	case Version3:
		return "v3"
	default:
		return fmt.Sprintf("unknown(0x%08X)", uint32(v))
	}
}

// Compression is the payload compression method stored in the header.
type Compression uint32

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

// Type is the on-disk type descriptor of a node.
type Type uint8

const (
	TypeNull         Type = 1
	TypeBoolean      Type = 2
	TypeInt64        Type = 3
	TypeUInt64       Type = 4
	TypeDouble       Type = 5
	TypeString       Type = 6
	TypeBinaryBlob   Type = 7
	TypeArray        Type = 8
	TypeObject       Type = 9
	TypeArrayTyped   Type = 10
	TypeInt32        Type = 11
	TypeUInt32       Type = 12
	TypeBooleanTrue  Type = 13
	TypeBooleanFalse Type = 14
	TypeInt64Zero    Type = 15
	TypeInt64One     Type = 16
	TypeDoubleZero   Type = 17
	TypeDoubleOne    Type = 18
	TypeFloat        Type = 19
)

// typeHasFlag marks a type byte that is followed by a flag byte.
const typeHasFlag = 0x80

// typeMask strips the flag marker bits from a type byte.
const typeMask = 0x3F

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "bool"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBinaryBlob:
		return "binary_blob"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	case TypeArrayTyped:
		return "array_typed"
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeBooleanTrue:
		return "bool_true"
	case TypeBooleanFalse:
		return "bool_false"
	case TypeInt64Zero:
		return "int64_zero"
	case TypeInt64One:
		return "int64_one"
	case TypeDoubleZero:
		return "double_zero"
	case TypeDoubleOne:
		return "double_one"
	case TypeFloat:
		return "float"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// kind maps a wire type to the tree node kind it decodes into.
func (t Type) kind() (Kind, bool) {
	switch t {
	case TypeNull:
		return KindNull, true
	case TypeBoolean, TypeBooleanTrue, TypeBooleanFalse:
		return KindBool, true
	case TypeInt64, TypeInt32, TypeInt64Zero, TypeInt64One:
		return KindInt, true
	case TypeUInt64, TypeUInt32:
		return KindUint, true
	case TypeDouble, TypeFloat, TypeDoubleZero, TypeDoubleOne:
		return KindDouble, true
	case TypeString:
		return KindString, true
	case TypeBinaryBlob:
		return KindBlob, true
	case TypeArray, TypeArrayTyped:
		return KindArray, true
	case TypeObject:
		return KindObject, true
	default:
		return 0, false
	}
}

// Flag annotates a value (resource reference, panorama path, ...).
type Flag uint8

const (
	FlagNone         Flag = 0
	FlagResource     Flag = 1
	FlagResourceName Flag = 2
	FlagPanorama     Flag = 3
	FlagSoundEvent   Flag = 4
	FlagSubClass     Flag = 5
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return ""
	case FlagResource:
		return "resource"
	case FlagResourceName:
		return "resource_name"
	case FlagPanorama:
		return "panorama"
	case FlagSoundEvent:
		return "soundevent"
	case FlagSubClass:
		return "subclass"
	default:
		return fmt.Sprintf("flag%d", uint8(f))
	}
}

// FormatGeneric is the format GUID used by most KV3 payloads, in on-disk byte order.
var FormatGeneric = uuid.UUID{0x7C, 0x16, 0x12, 0x74, 0xE9, 0x06, 0x98, 0x46, 0xAF, 0xF2, 0xE6, 0x3E, 0xB5, 0x90, 0x37, 0xE7}

// trailer terminates the type-descriptor stream.
const trailer uint32 = 0xFFEEDD00

// GUIDString renders an on-disk GUID the way Valve tools print it
// (first three groups stored little-endian).
func GUIDString(u uuid.UUID) string {
	var swapped uuid.UUID
	binary.BigEndian.PutUint32(swapped[0:4], binary.LittleEndian.Uint32(u[0:4]))
	binary.BigEndian.PutUint16(swapped[4:6], binary.LittleEndian.Uint16(u[4:6]))
	binary.BigEndian.PutUint16(swapped[6:8], binary.LittleEndian.Uint16(u[6:8]))
	copy(swapped[8:], u[8:])
	return swapped.String()
}

// Header records the detected flavor of a block so it can be re-encoded verbatim.
type Header struct {
	Version     Version
	Format      uuid.UUID
	Compression Compression

	// Version3 only.
	DictionaryID    uint16
	FrameSize       uint16
	PreallocObjects uint16
	PreallocArrays  uint16
}

// File is a decoded KV3 block.
type File struct {
	Header Header
	Root   *Value
}

// IsKV3 reports whether data starts with any known KV3 magic.
func IsKV3(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch Version(binary.LittleEndian.Uint32(data)) {
	case VersionLegacy, Version2, Version3:
		return true
	}
	return false
}
