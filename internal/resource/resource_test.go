package resource

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/ntro"
)

func encode(t *testing.T, blocks ...*Block) []byte {
	t.Helper()
	data, err := (&Resource{Version: 1, Blocks: blocks}).Encode()
	require.NoError(t, err)
	return data
}

func read(t *testing.T, data []byte, opts ...Option) *Resource {
	t.Helper()
	res, err := Read(bytes.NewReader(data), int64(len(data)), opts...)
	require.NoError(t, err)
	return res
}

// materialBlocks builds an NTRO material whose shader is an external reference.
func materialBlocks(t *testing.T) []*Block {
	t.Helper()

	m := ntro.NewManifest(4, []*ntro.Struct{{
		ID: 1, Name: "MaterialResourceData_t", DiskSize: 16, Alignment: 8,
		Fields: []ntro.Field{
			{Name: "m_materialName", Offset: 0, Type: ntro.TypeString},
			{Name: "m_shader", Offset: 8, Type: ntro.TypeExternalReference},
		},
	}}, nil)
	manifest, err := m.MarshalBinary()
	require.NoError(t, err)

	data := make([]byte, 20)
	binary.LittleEndian.PutUint32(data[0:], 16)
	binary.LittleEndian.PutUint64(data[8:], 0x1234)
	copy(data[16:], "dev\x00")

	rerl := EncodeExternalReferences([]ExternalReference{
		{ID: 0x1234, Name: "shaders/complex.vfx"},
		{ID: 0x99, Name: "materials/default.vtex"},
	})

	return []*Block{
		NewBlock(BlockRERL, rerl),
		NewBlock(BlockNTRO, manifest),
		NewBlock(BlockDATA, data),
	}
}

func kv3Block(t *testing.T, root *kv3.Value) *Block {
	t.Helper()
	data, err := kv3.Encode(&kv3.File{
		Header: kv3.Header{Version: kv3.Version2, Format: kv3.FormatGeneric, Compression: kv3.CompressionLZ4},
		Root:   root,
	})
	require.NoError(t, err)
	return NewBlock(BlockDATA, data)
}

func TestStructData(t *testing.T) {
	res := read(t, encode(t, materialBlocks(t)...))
	assert.Equal(t, TypeMaterial, res.Type)

	refs, err := res.ExternalReferences()
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "materials/default.vtex", refs[1].Name)

	tree, err := res.DataStruct()
	require.NoError(t, err)
	assert.Equal(t, "MaterialResourceData_t", tree.RootStruct())

	kv, err := res.DataAsTree()
	require.NoError(t, err)
	assert.Equal(t, "dev", kv.GetString("m_materialName"))
	shader := kv.Get("m_shader")
	require.NotNil(t, shader)
	assert.Equal(t, "shaders/complex.vfx", shader.Str)
	assert.Equal(t, kv3.FlagResource, shader.Flag)

	_, err = res.KeyValues(BlockDATA)
	assert.ErrorIs(t, err, ErrUnsupportedBlockType)
}

func TestKeyValueData(t *testing.T) {
	root := kv3.Object(
		kv3.M("_class", kv3.String("CParticleSystemDefinition")),
		kv3.M("m_nMaxParticles", kv3.Int(10)),
	)
	res := read(t, encode(t, kv3Block(t, root)))
	assert.Equal(t, TypeParticle, res.Type)

	kv, err := res.DataAsTree()
	require.NoError(t, err)
	assert.True(t, root.Equal(kv))

	f, err := res.KeyValues(BlockDATA)
	require.NoError(t, err)
	assert.Equal(t, kv3.CompressionLZ4, f.Header.Compression)

	_, err = res.DataStruct()
	assert.ErrorIs(t, err, ErrUnsupportedBlockType)
}

func TestTypeInference(t *testing.T) {
	opaque := NewBlock("XYZW", []byte{1, 2, 3})

	tests := []struct {
		name     string
		blocks   []*Block
		fileName string
		want     ResourceType
	}{
		{"no blocks", nil, "a.vtex_c", TypeUnknown},
		{"mesh", []*Block{NewBlock(BlockVBIB, nil), NewBlock(BlockDATA, nil)}, "", TypeMesh},
		{"model", []*Block{NewBlock(BlockMDAT, nil)}, "", TypeModel},
		{"animation group", []*Block{NewBlock(BlockANIM, nil), NewBlock(BlockAGRP, nil)}, "", TypeAnimationGroup},
		{"sequence", []*Block{NewBlock(BlockASEQ, nil)}, "", TypeSequence},
		{"layout beats extension", []*Block{NewBlock(BlockMRPH, nil)}, "a.vtex_c", TypeMorph},
		{"extension fallback", []*Block{opaque}, "materials/a.VTEX_C", TypeTexture},
		{"nothing matches", []*Block{opaque}, "a.txt", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := read(t, encode(t, tt.blocks...), WithFileName(tt.fileName))
			assert.Equal(t, tt.want, res.Type)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	blocks := append(materialBlocks(t), NewBlock("ABCD", []byte("opaque")), NewBlock(BlockSTAT, nil))
	data := encode(t, blocks...)

	res := read(t, data)
	assert.Equal(t, uint32(len(data)), res.FileSize)
	assert.Equal(t, uint16(HeaderVersion), res.HeaderVersion)
	assert.Equal(t, uint16(1), res.Version)
	require.Len(t, res.Blocks, len(blocks))

	for i, b := range res.Blocks {
		assert.Equal(t, blocks[i].Type, b.Type)
		assert.Equal(t, blocks[i].Size, b.Size)
		assert.Equal(t, blocks[i].Data(), b.Data())
		assert.Zero(t, b.Offset%blockAlignment, "block %s", b.Type)
	}

	again, err := res.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	_, err = res.KeyValues("ABCD")
	assert.ErrorIs(t, err, ErrUnsupportedBlockType)
	_, err = res.KeyValues(BlockREDI)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	_, err = (&Resource{Blocks: []*Block{NewBlock("TOOLONG", nil)}}).Encode()
	assert.ErrorIs(t, err, ErrContainerCorrupt)
}

// unalignedResource lays out one block at offset 29, after a padding byte,
// followed by 8 bytes that belong to no block.
func unalignedResource() []byte {
	b := make([]byte, 42)
	le := binary.LittleEndian
	le.PutUint32(b[0:], 42)
	le.PutUint16(b[4:], HeaderVersion)
	le.PutUint16(b[6:], 3)
	le.PutUint32(b[8:], 8)
	le.PutUint32(b[12:], 1)
	copy(b[16:], "ABCD")
	le.PutUint32(b[20:], 29-20)
	le.PutUint32(b[24:], 5)
	b[28] = 0xEE
	copy(b[29:], "hello")
	copy(b[34:], "trailing")
	return b
}

func TestEncodeKeepsLayout(t *testing.T) {
	data := unalignedResource()
	res := read(t, bytes.Clone(data))
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, uint32(29), res.Blocks[0].Offset)

	again, err := res.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	back := read(t, again)
	assert.Equal(t, res.FileSize, back.FileSize)
	assert.Equal(t, res.HeaderVersion, back.HeaderVersion)
	assert.Equal(t, res.Version, back.Version)
	require.Len(t, back.Blocks, 1)
	assert.Equal(t, res.Blocks[0].Type, back.Blocks[0].Type)
	assert.Equal(t, res.Blocks[0].Offset, back.Blocks[0].Offset)
	assert.Equal(t, res.Blocks[0].Size, back.Blocks[0].Size)
}

func TestEncodeAppendsDetachedBlocks(t *testing.T) {
	res := read(t, unalignedResource())
	res.Blocks = append(res.Blocks, NewBlock(BlockSTAT, []byte("stats")))

	data, err := res.Encode()
	require.NoError(t, err)

	back := read(t, data)
	assert.Equal(t, uint32(len(data)), back.FileSize)
	assert.Equal(t, uint16(3), back.Version)
	require.Len(t, back.Blocks, 2)

	// the grown directory covers offset 29, so ABCD moves as well
	for i, want := range []string{"hello", "stats"} {
		assert.Equal(t, []byte(want), back.Blocks[i].Data())
		assert.Zero(t, back.Blocks[i].Offset%blockAlignment)
		assert.GreaterOrEqual(t, back.Blocks[i].Offset, uint32(42))
	}
}

func TestCorruptContainer(t *testing.T) {
	valid := encode(t, NewBlock(BlockDATA, []byte("data")))

	patch := func(at int, v uint32) []byte {
		b := bytes.Clone(valid)
		binary.LittleEndian.PutUint32(b[at:], v)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"short", valid[:10]},
		{"declared size exceeds stream", patch(0, uint32(len(valid)+1))},
		{"unknown header version", patch(4, 11)},
		{"directory overruns", patch(12, 1000)},
		{"directory offset overruns", patch(8, 0xFFFFFFF0)},
		{"block range overruns", patch(20, 0x7FFFFFFF)},
		{"block size overruns", patch(24, uint32(len(valid)))},
		{"package magic", patch(0, 0x55AA1234)},
		{"bare kv3", patch(0, uint32(kv3.Version3))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ReadBytes(tt.data)
			require.ErrorIs(t, err, ErrContainerCorrupt)
			assert.Nil(t, res)
		})
	}
}

func TestCorruptIntrospection(t *testing.T) {
	blocks := materialBlocks(t)
	blocks[1] = NewBlock(BlockNTRO, []byte{1, 2, 3})

	// a broken block does not fail the container
	res := read(t, encode(t, blocks...), WithFileName("a.vmat_c"))
	assert.Equal(t, TypeMaterial, res.Type)

	_, err := res.DataStruct()
	assert.ErrorIs(t, err, ntro.ErrManifestCorrupt)

	refs, err := res.ExternalReferences()
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestConcurrentDecode(t *testing.T) {
	res := read(t, encode(t, materialBlocks(t)...))

	trees := make([]*ntro.Tree, 8)
	var wg sync.WaitGroup
	for i := range trees {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree, err := res.DataStruct()
			assert.NoError(t, err)
			trees[i] = tree
		}()
	}
	wg.Wait()

	for _, tree := range trees[1:] {
		assert.Same(t, trees[0], tree)
	}
}

func TestExternalReferences(t *testing.T) {
	refs := []ExternalReference{{ID: 1, Name: "a"}, {ID: 2, Name: ""}, {ID: 3, Name: "models/c.vmdl"}}
	got, err := readExternalReferences(EncodeExternalReferences(refs))
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	got, err = readExternalReferences(EncodeExternalReferences(nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = readExternalReferences([]byte{8, 0, 0, 0, 5, 0, 0, 0})
	assert.ErrorIs(t, err, ErrContainerCorrupt)

	name, ok := Resolver(refs)(3)
	assert.True(t, ok)
	assert.Equal(t, "models/c.vmdl", name)
}
