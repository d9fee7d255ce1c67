package ntro

import (
	"fmt"

	"github.com/jchantrell/valveres/internal/kv3"
)

// ToKV converts the subtree at id into a KV3 tree.
//
// Arrays of colors collapse into one binary blob of count*4 bytes;
// ColorsFromBlob restores the individual colors.
func (t *Tree) ToKV(id NodeID) *kv3.Value {
	n := t.Node(id)
	if n == nil {
		return kv3.Null()
	}

	switch n.Kind {
	case KindNull, KindUnsupported:
		return kv3.Null()
	case KindColor:
		return colorValue(n.Color)
	case KindStruct:
		obj := kv3.Object()
		for _, f := range n.Fields {
			obj.Members = append(obj.Members, kv3.M(f.Name, t.ToKV(f.Node)))
		}
		return obj
	case KindArray:
		if n.Type == TypeColor {
			if blob, ok := t.colorBlob(n); ok {
				return kv3.Blob(blob)
			}
		}
		arr := kv3.Array()
		for _, e := range n.Elems {
			arr.Elems = append(arr.Elems, t.ToKV(e))
		}
		return arr
	}
	return scalarValue(n)
}

func colorValue(c [4]byte) *kv3.Value {
	arr := kv3.Array()
	for _, b := range c {
		arr.Elems = append(arr.Elems, kv3.Int(int64(b)).WithType(kv3.TypeInt32))
	}
	return arr.Typed(kv3.TypeInt32, kv3.FlagNone)
}

func (t *Tree) colorBlob(n *Node) ([]byte, bool) {
	blob := make([]byte, 0, len(n.Elems)*4)
	for _, e := range n.Elems {
		c := t.Node(e)
		if c == nil || c.Kind != KindColor {
			return nil, false
		}
		blob = append(blob, c.Color[:]...)
	}
	return blob, true
}

// ColorsFromBlob splits a collapsed color blob back into colors.
func ColorsFromBlob(blob []byte) ([][4]byte, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("color blob length %d is not a multiple of 4", len(blob))
	}
	out := make([][4]byte, len(blob)/4)
	for i := range out {
		copy(out[i][:], blob[i*4:])
	}
	return out, nil
}

func scalarValue(n *Node) *kv3.Value {
	switch n.Type {
	case TypeSByte, TypeInt16, TypeInt32, TypeInt64:
		return kv3.Int(n.Int)
	case TypeByte, TypeUInt16, TypeUInt32, TypeUInt64:
		return kv3.Uint(n.Uint)
	case TypeBoolean:
		return kv3.Bool(n.Bool)
	case TypeFloat:
		return kv3.Double(float64(n.Floats[0])).WithType(kv3.TypeFloat)
	case TypeVector, TypeQuaternion, TypeFltx4, TypeVector4D, TypeCTransform, TypeMatrix3x4, TypeMatrix3x4a:
		arr := kv3.Array()
		for _, f := range n.Floats {
			arr.Elems = append(arr.Elems, kv3.Double(float64(f)).WithType(kv3.TypeFloat))
		}
		return arr.Typed(kv3.TypeFloat, kv3.FlagNone)
	case TypeString, TypeString4:
		return kv3.String(n.Str)
	case TypeEnum:
		if n.Str != "" {
			return kv3.String(n.Str)
		}
		return kv3.Int(n.Int)
	case TypeExternalReference:
		if n.Str != "" {
			return kv3.String(n.Str).WithFlag(kv3.FlagResource)
		}
		return kv3.Uint(n.Uint)
	}
	return kv3.Null()
}
