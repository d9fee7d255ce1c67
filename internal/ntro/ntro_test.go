package ntro

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/valveres/internal/kv3"
)

const (
	childID   = 1
	rootID    = 2
	derivedID = 3
	oddID     = 4
	wrapID    = 5
	modeEnum  = 10
)

func testManifest() *Manifest {
	child := &Struct{
		ID: childID, Name: "Child", DiskSize: 8, Alignment: 4,
		Fields: []Field{
			{Name: "m_nValue", Offset: 0, Type: TypeInt32},
			{Name: "m_flScale", Offset: 4, Type: TypeFloat},
		},
	}
	root := &Struct{
		ID: rootID, Name: "RootData", DiskSize: 60, Alignment: 8, UserVersion: 3,
		Fields: []Field{
			{Name: "m_name", Offset: 0, Type: TypeString},
			{Name: "m_children", Offset: 4, Count: 3, Type: TypeStruct, TypeData: childID, Indirections: []Indirection{IndirectionPointer}},
			{Name: "m_colors", Offset: 16, Type: TypeColor, Indirections: []Indirection{IndirectionArray}},
			{Name: "m_nFlags", Offset: 24, Type: TypeUInt16},
			{Name: "m_bEnabled", Offset: 26, Type: TypeBoolean},
			{Name: "m_vec", Offset: 28, Type: TypeVector},
			{Name: "m_mode", Offset: 40, Type: TypeEnum, TypeData: modeEnum},
			{Name: "m_ref", Offset: 48, Type: TypeExternalReference},
			{Name: "m_fixed", Offset: 56, Count: 2, Type: TypeInt16},
		},
	}
	derived := &Struct{
		ID: derivedID, Name: "Derived", DiskSize: 12, BaseStructID: childID,
		Fields: []Field{{Name: "m_extra", Offset: 8, Type: TypeUInt32}},
	}
	odd := &Struct{
		ID: oddID, Name: "Odd", DiskSize: 12,
		Fields: []Field{
			{Name: "a", Offset: 0, Type: TypeInt32},
			{Name: "b", Offset: 4, Type: FieldType(99)},
			{Name: "c", Offset: 8, Type: TypeInt32},
		},
	}
	wrap := &Struct{
		ID: wrapID, Name: "Wrap", DiskSize: 16,
		Fields: []Field{
			{Name: "odd", Offset: 0, Type: TypeStruct, TypeData: oddID},
			{Name: "after", Offset: 12, Type: TypeInt32},
		},
	}
	mode := &Enum{ID: modeEnum, Name: "EMode", Fields: []EnumField{{Name: "MODE_A", Value: 0}, {Name: "MODE_B", Value: 2}}}

	return NewManifest(4, []*Struct{root, child, derived, odd, wrap}, []*Enum{mode})
}

type buf []byte

func (b buf) u16(p int, v uint16) { binary.LittleEndian.PutUint16(b[p:], v) }
func (b buf) u32(p int, v uint32) { binary.LittleEndian.PutUint32(b[p:], v) }
func (b buf) u64(p int, v uint64) { binary.LittleEndian.PutUint64(b[p:], v) }
func (b buf) f32(p int, v float32) { b.u32(p, math.Float32bits(v)) }
func (b buf) rel(p, target int) { b.u32(p, uint32(target-p)) }

// rootData lays out RootData with its three children stored out of order.
func rootData() []byte {
	b := make(buf, 104)

	b.rel(0, 96)
	copy(b[96:], "root\x00")

	// children 0,1,2 live at 72, 80, 64
	for i, target := range []int{72, 80, 64} {
		b.rel(4+i*4, target)
		b.u32(target, uint32(100+i))
		b.f32(target+4, float32(i)+0.5)
	}

	b.rel(16, 88)
	b.u32(20, 2)
	copy(b[88:], []byte{255, 0, 0, 255, 0, 128, 255, 64})

	b.u16(24, 0x0102)
	b[26] = 1
	b.f32(28, 1)
	b.f32(32, 2)
	b.f32(36, 3)
	b.u32(40, 2)
	b.u64(48, 0xABCDEF)
	b.u16(56, 0xFFFF)
	b.u16(58, 7)
	return b
}

func decodeRoot(t *testing.T, data []byte, opts *DecoderOptions) *Tree {
	t.Helper()
	m := testManifest()
	root, ok := m.StructByID(rootID)
	require.True(t, ok)
	tree, err := NewDecoder(m, opts).Decode(data, root)
	require.NoError(t, err)
	return tree
}

func TestDecodePointerArrayNonMonotonic(t *testing.T) {
	tree := decodeRoot(t, rootData(), nil)
	assert.Empty(t, tree.Errors)
	assert.Equal(t, "RootData", tree.RootStruct())

	id, ok := tree.Field(tree.Root, "m_children")
	require.True(t, ok)
	arr := tree.Node(id)
	require.Equal(t, KindArray, arr.Kind)
	assert.True(t, arr.Indirect)
	require.Len(t, arr.Elems, 3)

	for i, e := range arr.Elems {
		child := tree.Node(e)
		require.Equal(t, KindStruct, child.Kind)
		assert.Equal(t, "Child", child.Name)

		v, ok := tree.Field(e, "m_nValue")
		require.True(t, ok)
		assert.Equal(t, int64(100+i), tree.Node(v).Int)

		s, ok := tree.Field(e, "m_flScale")
		require.True(t, ok)
		assert.Equal(t, []float32{float32(i) + 0.5}, tree.Node(s).Floats)
	}
}

func TestDecodeScalars(t *testing.T) {
	opts := DefaultDecoderOptions()
	opts.Resolver = func(id uint64) (string, bool) {
		if id == 0xABCDEF {
			return "materials/dev/dev.vmat", true
		}
		return "", false
	}
	tree := decodeRoot(t, rootData(), opts)

	get := func(name string) *Node {
		id, ok := tree.Field(tree.Root, name)
		require.True(t, ok, name)
		return tree.Node(id)
	}

	assert.Equal(t, "root", get("m_name").Str)
	assert.Equal(t, uint64(0x0102), get("m_nFlags").Uint)
	assert.True(t, get("m_bEnabled").Bool)
	assert.Equal(t, []float32{1, 2, 3}, get("m_vec").Floats)
	assert.Equal(t, int64(2), get("m_mode").Int)
	assert.Equal(t, "MODE_B", get("m_mode").Str)
	assert.Equal(t, uint64(0xABCDEF), get("m_ref").Uint)
	assert.Equal(t, "materials/dev/dev.vmat", get("m_ref").Str)

	fixed := get("m_fixed")
	require.Equal(t, KindArray, fixed.Kind)
	assert.False(t, fixed.Indirect)
	require.Len(t, fixed.Elems, 2)
	assert.Equal(t, int64(-1), tree.Node(fixed.Elems[0]).Int)
	assert.Equal(t, int64(7), tree.Node(fixed.Elems[1]).Int)

	colors := get("m_colors")
	require.Len(t, colors.Elems, 2)
	assert.Equal(t, [4]byte{0, 128, 255, 64}, tree.Node(colors.Elems[1]).Color)
}

func TestDecodeNullPointer(t *testing.T) {
	data := rootData()
	binary.LittleEndian.PutUint32(data[8:], 0)

	tree := decodeRoot(t, data, nil)
	id, _ := tree.Field(tree.Root, "m_children")
	arr := tree.Node(id)
	require.Len(t, arr.Elems, 3)
	assert.Equal(t, KindNull, tree.Node(arr.Elems[1]).Kind)
	assert.Equal(t, KindStruct, tree.Node(arr.Elems[2]).Kind)
}

func TestDecodeBaseStructMerged(t *testing.T) {
	m := testManifest()
	derived, ok := m.StructByName("Derived")
	require.True(t, ok)

	b := make(buf, 12)
	b.u32(0, 5)
	b.f32(4, 1.5)
	b.u32(8, 9)

	tree, err := NewDecoder(m, nil).Decode(b, derived)
	require.NoError(t, err)

	root := tree.Node(tree.Root)
	names := make([]string, 0, len(root.Fields))
	for _, f := range root.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"m_nValue", "m_flScale", "m_extra"}, names)

	id, _ := tree.Field(tree.Root, "m_extra")
	assert.Equal(t, uint64(9), tree.Node(id).Uint)
}

func TestDecodeUnsupportedFieldStopsOnlyItsStruct(t *testing.T) {
	m := testManifest()
	wrap, _ := m.StructByID(wrapID)

	b := make(buf, 16)
	b.u32(0, 1)
	b.u32(8, 3)
	b.u32(12, 42)

	tree, err := NewDecoder(m, nil).Decode(b, wrap)
	require.NoError(t, err)
	require.Len(t, tree.Errors, 1)
	assert.ErrorIs(t, tree.Errors[0], ErrUnsupportedFieldType)

	oddNode, ok := tree.Field(tree.Root, "odd")
	require.True(t, ok)
	odd := tree.Node(oddNode)
	require.Len(t, odd.Fields, 2)
	assert.Equal(t, "b", odd.Fields[1].Name)
	unsupported := tree.Node(odd.Fields[1].Node)
	assert.Equal(t, KindUnsupported, unsupported.Kind)
	assert.Equal(t, FieldType(99), unsupported.Type)

	_, ok = tree.Field(oddNode, "c")
	assert.False(t, ok)

	after, ok := tree.Field(tree.Root, "after")
	require.True(t, ok)
	assert.Equal(t, int64(42), tree.Node(after).Int)
}

func TestDecodeOverrun(t *testing.T) {
	m := testManifest()
	root, _ := m.StructByID(rootID)

	_, err := NewDecoder(m, nil).Decode(rootData()[:40], root)
	require.ErrorIs(t, err, ErrStructOverrun)

	data := rootData()
	binary.LittleEndian.PutUint32(data[4:], 4096)
	_, err = NewDecoder(m, nil).Decode(data, root)
	require.ErrorIs(t, err, ErrStructOverrun)
}

func TestDecodePointerChainBounded(t *testing.T) {
	node := &Struct{
		ID: 1, Name: "Node", DiskSize: 4,
		Fields: []Field{{Name: "next", Type: TypeStruct, TypeData: 1, Indirections: []Indirection{IndirectionPointer}}},
	}
	m := NewManifest(4, []*Struct{node}, nil)

	// 100 nodes, each pointing at the next; the last pointer is null
	chain := make(buf, 400)
	for i := range 99 {
		chain.rel(i*4, i*4+4)
	}

	_, err := NewDecoder(m, nil).Decode(chain, node)
	require.ErrorIs(t, err, ErrStructOverrun)

	opts := DefaultDecoderOptions()
	opts.MaxDepth = 200
	tree, err := NewDecoder(m, opts).Decode(chain, node)
	require.NoError(t, err)

	id := tree.Root
	depth := 0
	for {
		next, ok := tree.Field(id, "next")
		require.True(t, ok)
		if tree.Node(next).Kind == KindNull {
			break
		}
		id = next
		depth++
	}
	assert.Equal(t, 99, depth)
}

// fanChain lays out k Fan structs whose two pointers both target the next
// struct; the last one holds two null pointers.
func fanChain(k int) (*Manifest, *Struct, []byte) {
	fan := &Struct{
		ID: 1, Name: "Fan", DiskSize: 8,
		Fields: []Field{{Name: "kids", Count: 2, Type: TypeStruct, TypeData: 1, Indirections: []Indirection{IndirectionPointer}}},
	}
	data := make(buf, k*8)
	for i := range k - 1 {
		data.rel(i*8, (i+1)*8)
		data.rel(i*8+4, (i+1)*8)
	}
	return NewManifest(4, []*Struct{fan}, nil), fan, data
}

func TestDecodeSharedPointeesBounded(t *testing.T) {
	m, fan, data := fanChain(24)

	_, err := NewDecoder(m, nil).Decode(data, fan)
	require.ErrorIs(t, err, ErrStructOverrun)
}

func TestDecodeNodeBudget(t *testing.T) {
	// each level costs a struct and an array node plus two copies of the next
	m, fan, data := fanChain(4)

	tree, err := NewDecoder(m, nil).Decode(data, fan)
	require.NoError(t, err)
	assert.Len(t, tree.Nodes, 46)

	opts := DefaultDecoderOptions()
	opts.MaxNodes = 46
	_, err = NewDecoder(m, opts).Decode(data, fan)
	require.NoError(t, err)

	opts.MaxNodes = 45
	_, err = NewDecoder(m, opts).Decode(data, fan)
	require.ErrorIs(t, err, ErrStructOverrun)
}

func TestManifestRoundTrip(t *testing.T) {
	m := testManifest()
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ReadManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m.Version, got.Version)
	assert.Equal(t, m.Structs, got.Structs)
	assert.Equal(t, m.Enums, got.Enums)

	s, ok := got.StructByName("Child")
	require.True(t, ok)
	assert.Equal(t, uint32(childID), s.ID)
	e, ok := got.EnumByID(modeEnum)
	require.True(t, ok)
	assert.Equal(t, "MODE_A", e.ValueName(0))
}

func TestReadManifestCorrupt(t *testing.T) {
	data, err := testManifest().MarshalBinary()
	require.NoError(t, err)

	_, err = ReadManifest(data[:10])
	require.ErrorIs(t, err, ErrManifestCorrupt)

	binary.LittleEndian.PutUint32(data[8:], 1000)
	_, err = ReadManifest(data)
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestToKVCollapsesColors(t *testing.T) {
	tree := decodeRoot(t, rootData(), nil)
	v := tree.ToKV(tree.Root)
	require.Equal(t, kv3.KindObject, v.Kind)

	colors := v.Get("m_colors")
	require.Equal(t, kv3.KindBlob, colors.Kind)
	assert.Len(t, colors.Blob, 8)

	split, err := ColorsFromBlob(colors.Blob)
	require.NoError(t, err)
	id, _ := tree.Field(tree.Root, "m_colors")
	for i, e := range tree.Node(id).Elems {
		assert.Equal(t, tree.Node(e).Color, split[i])
	}

	children := v.Get("m_children")
	require.Equal(t, kv3.KindArray, children.Kind)
	require.Len(t, children.Elems, 3)
	assert.Equal(t, int64(101), children.Elems[1].Get("m_nValue").Int)
	assert.Equal(t, "root", v.GetString("m_name"))
	assert.Equal(t, "MODE_B", v.GetString("m_mode"))

	// The uniform tree encodes as KV3.
	_, err = kv3.Encode(&kv3.File{Root: v})
	require.NoError(t, err)

	_, err = ColorsFromBlob([]byte{1, 2, 3})
	require.Error(t, err)
}
