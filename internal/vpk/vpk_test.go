package vpk

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFiles = map[string][]byte{
	"scripts/items/items_game.txt": []byte("\"items_game\" { }"),
	"materials/dev/floor.vmat_c":   bytes.Repeat([]byte{0xAB}, 300),
	"readme":                       []byte("no directory, no extension"),
}

func writePackage(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	w := NewWriter(nil)
	for path, data := range testFiles {
		w.Put(path, data)
	}
	if key != nil {
		w.Sign(key)
	}
	data, err := w.Bytes()
	require.NoError(t, err)
	return data
}

func readPackage(t *testing.T, data []byte) *Package {
	t.Helper()
	p, err := Read(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return p
}

func TestWriterRoundTrip(t *testing.T) {
	p := readPackage(t, writePackage(t, nil))
	assert.Equal(t, uint32(2), p.Header.Version)
	assert.Equal(t, 3, p.Len())

	var paths []string
	for e := range p.Entries() {
		paths = append(paths, e.FullPath())
	}
	assert.Equal(t, []string{"readme", "scripts/items/items_game.txt", "materials/dev/floor.vmat_c"}, paths)
	assert.Equal(t, []string{"", "txt", "vmat_c"}, p.Extensions())

	for path, want := range testFiles {
		e, ok := p.FindEntry(path)
		require.True(t, ok, path)
		assert.Equal(t, EmbeddedArchive, e.ArchiveIndex)
		assert.Equal(t, crc32.ChecksumIEEE(want), e.CRC32)

		got, err := p.ReadEntry(e)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	e, ok := p.FindEntry(`materials\dev\floor.vmat_c`)
	require.True(t, ok)
	assert.Equal(t, "floor", e.FileName)
	assert.Equal(t, "materials/dev", e.DirectoryName)

	_, ok = p.FindEntry("missing.txt")
	assert.False(t, ok)

	report := p.Verify(context.Background(), ModeAuto, nil)
	require.NoError(t, report.Err)
	assert.True(t, report.OK())
	assert.Equal(t, MethodChunkHashes, report.Method)
	assert.Equal(t, Verified, report.State)
	assert.NoError(t, p.VerifyHashes())
}

func TestFlippedEmbeddedByte(t *testing.T) {
	data := writePackage(t, nil)
	p := readPackage(t, data)

	e, ok := p.FindEntry("readme")
	require.True(t, ok)
	data[p.Header.treeEnd()+int64(e.Offset)] ^= 0xFF

	var calls int
	report := p.Verify(context.Background(), ModeFileChecksums, func(done, total int, name string) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, report.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, FileChecksumsVerified, report.State)
	assert.False(t, report.OK())

	// the entry itself plus the whole-file checksum
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "readme", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, ErrChecksumMismatch)
	assert.ErrorIs(t, report.Failures[1].Err, ErrChecksumMismatch)
	assert.ErrorIs(t, report.FailureErrors(), ErrChecksumMismatch)
}

// chunkPackage writes pak01_dir.vpk and pak01_000.vpk into a temp dir.
func chunkPackage(t *testing.T) (dirPath, chunkPath string) {
	t.Helper()
	dir := t.TempDir()

	chunk := []byte("first entry bytes|second entry bytes")
	entries := []*Entry{
		{DirectoryName: "sounds", FileName: "a", TypeName: "vsnd_c", SmallData: []byte("preload only"), ArchiveIndex: EmbeddedArchive},
		{DirectoryName: "sounds", FileName: "b", TypeName: "vsnd_c", ArchiveIndex: 0, Offset: 0, Length: 17},
		{DirectoryName: "models", FileName: "c", TypeName: "vmdl_c", SmallData: []byte("head:"), ArchiveIndex: 0, Offset: 18, Length: 18},
	}
	entries[0].CRC32 = crc32.ChecksumIEEE(entries[0].SmallData)
	entries[1].CRC32 = crc32.ChecksumIEEE(chunk[0:17])
	entries[2].CRC32 = crc32.ChecksumIEEE(append([]byte("head:"), chunk[18:]...))

	d := &directory{
		entries: entries,
		chunkHashes: []ChunkHash{
			{ArchiveIndex: 0, Offset: 0, Length: 18, Checksum: md5.Sum(chunk[:18])},
			{ArchiveIndex: 0, Offset: 18, Length: 18, Checksum: md5.Sum(chunk[18:])},
		},
	}
	data, err := d.encode()
	require.NoError(t, err)

	dirPath = filepath.Join(dir, "pak01_dir.vpk")
	chunkPath = filepath.Join(dir, "pak01_000.vpk")
	require.NoError(t, os.WriteFile(dirPath, data, 0644))
	require.NoError(t, os.WriteFile(chunkPath, chunk, 0644))
	return dirPath, chunkPath
}

func TestChunkFiles(t *testing.T) {
	dirPath, chunkPath := chunkPackage(t)
	assert.Equal(t, chunkPath, (&Package{FileName: dirPath}).ChunkPath(0))

	p, err := Open(dirPath)
	require.NoError(t, err)
	defer p.Close()

	want := map[string]string{
		"sounds/a.vsnd_c": "preload only",
		"sounds/b.vsnd_c": "first entry bytes",
		"models/c.vmdl_c": "head:second entry bytes",
	}
	for path, content := range want {
		e, ok := p.FindEntry(path)
		require.True(t, ok, path)

		got, err := p.ReadEntry(e)
		require.NoError(t, err)
		assert.Equal(t, content, string(got))

		rc, err := p.OpenEntry(e)
		require.NoError(t, err)
		streamed, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, content, string(streamed))
	}

	report := p.Verify(context.Background(), ModeAuto, nil)
	assert.True(t, report.OK())
	assert.Equal(t, MethodChunkHashes, report.Method)
	assert.Equal(t, 2, report.Checked)

	report = p.Verify(context.Background(), ModeFileChecksums, nil)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Checked)
}

func TestFlippedChunkByte(t *testing.T) {
	dirPath, chunkPath := chunkPackage(t)

	chunk, err := os.ReadFile(chunkPath)
	require.NoError(t, err)
	chunk[20] ^= 0x01
	require.NoError(t, os.WriteFile(chunkPath, chunk, 0644))

	p, err := Open(dirPath)
	require.NoError(t, err)
	defer p.Close()

	report := p.Verify(context.Background(), ModeChunkHashes, nil)
	require.NoError(t, report.Err)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Path, "pak01_000.vpk@18+18")
	assert.Equal(t, ChunkHashesVerified, report.State)

	report = p.Verify(context.Background(), ModeFileChecksums, nil)
	require.NoError(t, report.Err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "models/c.vmdl_c", report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0].Err, ErrChecksumMismatch)
}

func TestMissingChunk(t *testing.T) {
	dirPath, chunkPath := chunkPackage(t)
	require.NoError(t, os.Remove(chunkPath))

	p, err := Open(dirPath)
	require.NoError(t, err)
	defer p.Close()

	e, _ := p.FindEntry("sounds/b.vsnd_c")
	_, err = p.ReadEntry(e)
	assert.ErrorIs(t, err, ErrDirectoryCorrupt)

	e, _ = p.FindEntry("sounds/a.vsnd_c")
	data, err := p.ReadEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "preload only", string(data))

	report := p.Verify(context.Background(), ModeFileChecksums, nil)
	require.NoError(t, report.Err)
	assert.Len(t, report.Failures, 2)
}

func TestVerifyIsolatesEntryFailures(t *testing.T) {
	dir := t.TempDir()

	chunk := []byte("good bytes|tampered bytes")
	entries := []*Entry{
		{DirectoryName: "maps", FileName: "good", TypeName: "vpk_c", ArchiveIndex: 0, Offset: 0, Length: 10},
		{DirectoryName: "maps", FileName: "tampered", TypeName: "vpk_c", ArchiveIndex: 0, Offset: 11, Length: 14},
		{DirectoryName: "maps", FileName: "lost", TypeName: "vpk_c", ArchiveIndex: 1, Offset: 0, Length: 8},
	}
	entries[0].CRC32 = crc32.ChecksumIEEE(chunk[0:10])
	entries[1].CRC32 = crc32.ChecksumIEEE(chunk[11:]) ^ 0x00FF0000
	entries[2].CRC32 = crc32.ChecksumIEEE([]byte("12345678"))

	data, err := (&directory{entries: entries}).encode()
	require.NoError(t, err)
	dirPath := filepath.Join(dir, "pak02_dir.vpk")
	require.NoError(t, os.WriteFile(dirPath, data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pak02_000.vpk"), chunk, 0644))

	p, err := Open(dirPath)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, filepath.Join(dir, "pak02_000.vpk"), p.ChunkPath(0))

	report := p.Verify(context.Background(), ModeAuto, nil)
	require.NoError(t, report.Err)
	assert.Equal(t, MethodFileChecksums, report.Method)
	assert.Equal(t, 3, report.Checked)

	failed := make(map[string]error)
	for _, f := range report.Failures {
		failed[f.Path] = f.Err
	}
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed["maps/tampered.vpk_c"], ErrChecksumMismatch)
	assert.ErrorIs(t, failed["maps/lost.vpk_c"], ErrDirectoryCorrupt)
	assert.NotErrorIs(t, failed["maps/lost.vpk_c"], ErrChecksumMismatch)
	assert.NotContains(t, failed, "maps/good.vpk_c")

	e, ok := p.FindEntry("maps/good.vpk_c")
	require.True(t, ok)
	got, err := p.ReadEntry(e)
	require.NoError(t, err)
	assert.Equal(t, []byte("good bytes"), got)
	assert.Equal(t, e.CRC32, crc32.ChecksumIEEE(got))
}

func TestSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	data := writePackage(t, key)
	p := readPackage(t, data)
	assert.True(t, p.Signed())
	require.NoError(t, p.VerifySignature())

	report := p.Verify(context.Background(), ModeAuto, nil)
	assert.True(t, report.OK())
	assert.True(t, report.Signed)

	// tampering with entry data fails the signature before any hash check
	data[p.Header.treeEnd()] ^= 0xFF
	report = p.Verify(context.Background(), ModeAuto, nil)
	assert.ErrorIs(t, report.Err, ErrSignatureInvalid)
	assert.Equal(t, Unverified, report.State)
	assert.Empty(t, report.Failures)
}

func TestCorruptDirectory(t *testing.T) {
	valid := writePackage(t, nil)

	patch := func(at int, v uint32) []byte {
		b := bytes.Clone(valid)
		binary.LittleEndian.PutUint32(b[at:], v)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", patch(0, 0x12345678)},
		{"unknown version", patch(4, 3)},
		{"truncated header", valid[:20]},
		{"tree past end", patch(8, uint32(len(valid)))},
		{"truncated tree", patch(8, 10)},
		{"sections past end", patch(12, uint32(len(valid)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.data), int64(len(tt.data)))
			assert.ErrorIs(t, err, ErrDirectoryCorrupt)
		})
	}
}

func TestCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pak01_dir.vpk")
	require.NoError(t, os.WriteFile(path, writePackage(t, nil), 0644))

	p, err := Open(path)
	require.NoError(t, err)
	defer p.Close()

	w := NewWriter(p)
	w.Put("scripts/items/items_game.txt", []byte("replaced"))
	w.Put("new/file.txt", []byte("added"))
	w.Remove("readme")
	require.NoError(t, w.Commit(path))

	assert.Equal(t, 3, p.Len())
	_, ok := p.FindEntry("readme")
	assert.False(t, ok)

	e, ok := p.FindEntry("scripts/items/items_game.txt")
	require.True(t, ok)
	data, err := p.ReadEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Verify(context.Background(), ModeAuto, nil).OK())

	var paths []string
	for e := range reopened.Entries() {
		paths = append(paths, e.FullPath())
	}
	assert.True(t, slices.Contains(paths, "new/file.txt"))
}

func TestManifest(t *testing.T) {
	p := readPackage(t, writePackage(t, nil))
	m := NewManifest(p)
	assert.Len(t, m, 3)

	path := filepath.Join(t.TempDir(), "cache", "pak01.manifest")
	require.NoError(t, m.Save(path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	e, _ := p.FindEntry("readme")
	assert.True(t, loaded.Unchanged(e))
	changed := *e
	changed.CRC32++
	assert.False(t, loaded.Unchanged(&changed))

	empty, err := LoadManifest(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEmptyComponents(t *testing.T) {
	entries := []*Entry{{FileName: "", TypeName: "", CRC32: 1, ArchiveIndex: EmbeddedArchive}}
	parsed, err := parseTree(encodeTree(entries))
	require.NoError(t, err)
	require.Len(t, parsed[""], 1)
	assert.Equal(t, uint32(1), parsed[""][0].CRC32)

	parsed, err = parseTree(encodeTree(nil))
	require.NoError(t, err)
	assert.Empty(t, parsed)
}
