package ntro

import "fmt"

// FieldType is the closed set of type tags a field may declare.
type FieldType int16

const (
	TypeStruct            FieldType = 1
	TypeEnum              FieldType = 2
	TypeExternalReference FieldType = 3
	TypeString4           FieldType = 4
	TypeSByte             FieldType = 10
	TypeByte              FieldType = 11
	TypeInt16             FieldType = 12
	TypeUInt16            FieldType = 13
	TypeInt32             FieldType = 14
	TypeUInt32            FieldType = 15
	TypeInt64             FieldType = 16
	TypeUInt64            FieldType = 17
	TypeFloat             FieldType = 18
	TypeVector            FieldType = 22
	TypeQuaternion        FieldType = 25
	TypeFltx4             FieldType = 27
	TypeColor             FieldType = 28
	TypeBoolean           FieldType = 30
	TypeString            FieldType = 31
	TypeMatrix3x4         FieldType = 33
	TypeMatrix3x4a        FieldType = 36
	TypeCTransform        FieldType = 40
	TypeVector4D          FieldType = 44
)

var fieldTypeNames = map[FieldType]string{
	TypeStruct:            "struct",
	TypeEnum:              "enum",
	TypeExternalReference: "external_reference",
	TypeString4:           "string4",
	TypeSByte:             "sbyte",
	TypeByte:              "byte",
	TypeInt16:             "int16",
	TypeUInt16:            "uint16",
	TypeInt32:             "int32",
	TypeUInt32:            "uint32",
	TypeInt64:             "int64",
	TypeUInt64:            "uint64",
	TypeFloat:             "float",
	TypeVector:            "vector",
	TypeQuaternion:        "quaternion",
	TypeFltx4:             "fltx4",
	TypeColor:             "color",
	TypeBoolean:           "boolean",
	TypeString:            "string",
	TypeMatrix3x4:         "matrix3x4",
	TypeMatrix3x4a:        "matrix3x4a",
	TypeCTransform:        "ctransform",
	TypeVector4D:          "vector4d",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unsupported(%d)", int16(t))
}

// Supported reports whether the decoder handles t.
func (t FieldType) Supported() bool {
	_, ok := fieldTypeNames[t]
	return ok
}

// fixedSize is the on-disk width of non-struct types.
func (t FieldType) fixedSize() int {
	switch t {
	case TypeSByte, TypeByte, TypeBoolean:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeEnum, TypeString4, TypeString, TypeInt32, TypeUInt32, TypeFloat, TypeColor:
		return 4
	case TypeExternalReference, TypeInt64, TypeUInt64:
		return 8
	case TypeVector:
		return 12
	case TypeQuaternion, TypeFltx4, TypeVector4D:
		return 16
	case TypeCTransform:
		return 32
	case TypeMatrix3x4, TypeMatrix3x4a:
		return 48
	}
	return 0
}

// floatCount is the number of float32 components for vector-like types.
func (t FieldType) floatCount() int {
	switch t {
	case TypeFloat:
		return 1
	case TypeVector:
		return 3
	case TypeQuaternion, TypeFltx4, TypeVector4D:
		return 4
	case TypeCTransform:
		return 8
	case TypeMatrix3x4, TypeMatrix3x4a:
		return 12
	}
	return 0
}

// Indirection is one level of pointer/array indirection on a field.
type Indirection uint8

const (
	IndirectionPointer Indirection = 3
	IndirectionArray   Indirection = 4
)

func (i Indirection) String() string {
	switch i {
	case IndirectionPointer:
		return "pointer"
	case IndirectionArray:
		return "array"
	}
	return fmt.Sprintf("indirection(%d)", uint8(i))
}
