package kv3

import (
	"bytes"
	"math"
)

// Kind is the semantic category of a Value, independent of its wire encoding.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindDouble
	KindString
	KindBlob
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a node in a KV3 tree.
//
// Type records the wire type the node was decoded from; a zero Type lets the
// encoder pick the most compact representation. For typed arrays ElemType and
// ElemFlag hold the shared element descriptor.
type Value struct {
	Kind Kind
	Type Type
	Flag Flag

	Bool    bool
	Int     int64
	Uint    uint64
	Double  float64
	Str     string
	Blob    []byte
	Elems   []*Value
	Members []Member

	ElemType Type
	ElemFlag Flag
}

// Member is a named child of an object. Order is preserved.
type Member struct {
	Name  string
	Value *Value
}

func Null() *Value { return &Value{Kind: KindNull} }
func Bool(b bool) *Value { return &Value{Kind: KindBool, Bool: b} }
func Int(i int64) *Value { return &Value{Kind: KindInt, Int: i} }
func Uint(u uint64) *Value { return &Value{Kind: KindUint, Uint: u} }
func Double(f float64) *Value { return &Value{Kind: KindDouble, Double: f} }
func String(s string) *Value { return &Value{Kind: KindString, Str: s} }
func Blob(b []byte) *Value { return &Value{Kind: KindBlob, Blob: b} }
func Array(elems ...*Value) *Value { return &Value{Kind: KindArray, Elems: elems} }

// Object builds an object from ordered members.
func Object(members ...Member) *Value {
	return &Value{Kind: KindObject, Members: members}
}

// M is shorthand for a Member literal.
func M(name string, v *Value) Member {
	return Member{Name: name, Value: v}
}

// WithFlag sets the flag on v and returns it.
func (v *Value) WithFlag(f Flag) *Value {
	v.Flag = f
	return v
}

// WithType sets the wire type on v and returns it.
func (v *Value) WithType(t Type) *Value {
	v.Type = t
	return v
}

// Typed marks an array to be encoded as a typed array with the given element descriptor.
func (v *Value) Typed(elem Type, flag Flag) *Value {
	v.Type = TypeArrayTyped
	v.ElemType = elem
	v.ElemFlag = flag
	return v
}

// Get returns the first member called name, or nil.
func (v *Value) Get(name string) *Value {
	if v == nil || v.Kind != KindObject {
		return nil
	}
	for _, m := range v.Members {
		if m.Name == name {
			return m.Value
		}
	}
	return nil
}

// GetString returns the string member called name, or "" when absent or not a string.
func (v *Value) GetString(name string) string {
	c := v.Get(name)
	if c == nil || c.Kind != KindString {
		return ""
	}
	return c.Str
}

// Set replaces the first member called name, or appends it.
func (v *Value) Set(name string, child *Value) {
	for i := range v.Members {
		if v.Members[i].Name == name {
			v.Members[i].Value = child
			return
		}
	}
	v.Members = append(v.Members, Member{Name: name, Value: child})
}

// Len returns the number of elements or members.
func (v *Value) Len() int {
	switch v.Kind {
	case KindArray:
		return len(v.Elems)
	case KindObject:
		return len(v.Members)
	case KindBlob:
		return len(v.Blob)
	}
	return 0
}

// AsFloat converts any numeric kind to float64.
func (v *Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindUint:
		return float64(v.Uint), true
	case KindDouble:
		return v.Double, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Equal reports whether two trees hold the same values, names and flags.
// Wire types are ignored; use EqualWire to compare representations too.
func (v *Value) Equal(o *Value) bool {
	return equal(v, o, false)
}

// EqualWire is Equal plus identical wire types and typed-array descriptors.
func (v *Value) EqualWire(o *Value) bool {
	return equal(v, o, true)
}

func equal(a, b *Value, wire bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Flag != b.Flag {
		return false
	}
	if wire && (a.Type != b.Type || a.ElemType != b.ElemType || a.ElemFlag != b.ElemFlag) {
		return false
	}

	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindUint:
		return a.Uint == b.Uint
	case KindDouble:
		return a.Double == b.Double || (math.IsNaN(a.Double) && math.IsNaN(b.Double))
	case KindString:
		return a.Str == b.Str
	case KindBlob:
		return bytes.Equal(a.Blob, b.Blob)
	case KindArray:
		if len(a.Elems) != len(b.Elems) {
			return false
		}
		for i := range a.Elems {
			if !equal(a.Elems[i], b.Elems[i], wire) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.Members) != len(b.Members) {
			return false
		}
		for i := range a.Members {
			if a.Members[i].Name != b.Members[i].Name {
				return false
			}
			if !equal(a.Members[i].Value, b.Members[i].Value, wire) {
				return false
			}
		}
		return true
	}
	return false
}
