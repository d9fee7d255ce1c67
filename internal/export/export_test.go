package export

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/resource"
	"github.com/jchantrell/valveres/internal/texture"
	"github.com/jchantrell/valveres/internal/vpk"
)

func redBitmap(t *testing.T, size int) *texture.Bitmap {
	t.Helper()
	blocks := bytes.Repeat([]byte{0x00, 0xF8, 0x00, 0x00, 0, 0, 0, 0}, (size/4)*(size/4))
	d, err := texture.NewDecoder(texture.FormatBC1, size, size)
	require.NoError(t, err)
	b := texture.NewBitmap(size, size, texture.LDRBytesPerPixel)
	require.NoError(t, d.Decode(b, blocks))
	return b
}

func TestWriteBitmapPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "red.png")
	require.NoError(t, WriteBitmapPNG(redBitmap(t, 16), nil, 8, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
	r, g, b, a := img.At(4, 4).RGBA()
	assert.InDelta(t, 0xFFFF, r, 0x200)
	assert.InDelta(t, 0, g, 0x200)
	assert.InDelta(t, 0, b, 0x200)
	assert.Equal(t, uint32(0xFFFF), a)
}

func TestBitmapImageCrop(t *testing.T) {
	b := redBitmap(t, 8)

	img, err := BitmapImage(b, &CropParams{Width: 4, Height: 2, Top: 6, Left: 6}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	_, err = BitmapImage(b, &CropParams{Width: 4, Height: 4, Top: 8, Left: 0}, 0)
	assert.Error(t, err)

	img, err = BitmapImage(b, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func compiledParticle(t *testing.T) []byte {
	t.Helper()
	data, err := kv3.Encode(&kv3.File{
		Header: kv3.Header{Version: kv3.Version2, Format: kv3.FormatGeneric, Compression: kv3.CompressionLZ4},
		Root: kv3.Object(
			kv3.M("_class", kv3.String("CParticleSystemDefinition")),
			kv3.M("m_nMaxParticles", kv3.Int(10)),
		),
	})
	require.NoError(t, err)

	res, err := (&resource.Resource{Version: 1, Blocks: []*resource.Block{resource.NewBlock(resource.BlockDATA, data)}}).Encode()
	require.NoError(t, err)
	return res
}

func testPackage(t *testing.T) *vpk.Package {
	t.Helper()
	w := vpk.NewWriter(nil)
	w.Put("particles/fire.vpcf_c", compiledParticle(t))
	w.Put("scripts/readme.txt", []byte("hello"))
	data, err := w.Bytes()
	require.NoError(t, err)

	p, err := vpk.Read(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return p
}

func TestExportEntries(t *testing.T) {
	p := testPackage(t)
	out := t.TempDir()
	log := batch.NewLog()

	e := NewExporter(p, out, WithDecompile(true), WithLog(log))
	err := batch.Runner{Workers: 2}.Run(context.Background(), batch.PackageItems(p, nil), e.ExportEntry, log)
	require.NoError(t, err)
	assert.Empty(t, log.Exceptions())
	assert.Equal(t, 2, log.Summary().Counts["written"])

	text, err := os.ReadFile(filepath.Join(out, "particles", "fire.vpcf"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "<!-- kv3 encoding:text"))
	assert.Contains(t, string(text), "CParticleSystemDefinition")

	raw, err := os.ReadFile(filepath.Join(out, "scripts", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	// a second run with the manifest skips everything
	log = batch.NewLog()
	e = NewExporter(p, out, WithManifest(vpk.NewManifest(p)), WithLog(log))
	require.NoError(t, batch.Runner{}.Run(context.Background(), batch.PackageItems(p, nil), e.ExportEntry, log))
	assert.Equal(t, 2, log.Summary().Counts["skipped"])
	assert.Zero(t, log.Summary().Counts["written"])
}

func TestOutputPathRejectsEscapes(t *testing.T) {
	e := NewExporter(nil, t.TempDir())
	_, err := e.OutputPath(&vpk.Entry{DirectoryName: "../..", FileName: "passwd", TypeName: "txt"})
	assert.Error(t, err)

	path, err := e.OutputPath(&vpk.Entry{DirectoryName: "materials", FileName: "a", TypeName: "vmat_c"})
	require.NoError(t, err)
	assert.Equal(t, "a.vmat_c", filepath.Base(path))
}

func TestDecompileWithoutData(t *testing.T) {
	res, err := (&resource.Resource{Version: 1, Blocks: []*resource.Block{resource.NewBlock(resource.BlockRERL, resource.EncodeExternalReferences(nil))}}).Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	assert.Error(t, Decompile(&buf, res, "empty.vmat_c"))
}
