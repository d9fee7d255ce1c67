package vpk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

const (
	// Magic starts every package directory.
	Magic uint32 = 0x55AA1234

	// EmbeddedArchive is the archive index of data stored in the data section
	// of the directory file. Every other index n names the chunk file
	// base_%03d.vpk, so index 0 is base_000.vpk and never the directory.
	EmbeddedArchive uint16 = 0x7FFF

	entryTerminator = 0xFFFF

	headerSizeV1    = 12
	headerSizeV2    = 28
	entryRecordSize = 18
	chunkHashSize   = 28
	otherMD5Size    = 48
)

// Header is the fixed directory header. The section sizes are zero for version 1.
type Header struct {
	Version        uint32
	TreeSize       uint32
	FileDataSize   uint32
	ArchiveMD5Size uint32
	OtherMD5Size   uint32
	SignatureSize  uint32
}

// Size is the encoded header size.
func (h Header) Size() int64 {
	if h.Version == 1 {
		return headerSizeV1
	}
	return headerSizeV2
}

func (h Header) treeEnd() int64 {
	return h.Size() + int64(h.TreeSize)
}

func (h Header) archiveMD5Offset() int64 {
	return h.treeEnd() + int64(h.FileDataSize)
}

func (h Header) otherMD5Offset() int64 {
	return h.archiveMD5Offset() + int64(h.ArchiveMD5Size)
}

func (h Header) signatureOffset() int64 {
	return h.otherMD5Offset() + int64(h.OtherMD5Size)
}

// ChunkHash is the MD5 of one range of an archive file.
type ChunkHash struct {
	ArchiveIndex uint32
	Offset       uint32
	Length       uint32
	Checksum     [16]byte
}

// Package is a parsed package directory. Chunk files are opened per read and
// never buffered whole. The entry table is guarded by an RWMutex: reads share
// it and Writer.Commit replaces it exclusively.
type Package struct {
	Header   Header
	FileName string

	ArchiveMD5                []ChunkHash
	TreeChecksum              [16]byte
	ArchiveMD5EntriesChecksum [16]byte
	WholeFileChecksum         [16]byte

	PublicKey []byte
	Signature []byte

	mu      sync.RWMutex
	r       io.ReaderAt
	size    int64
	closer  io.Closer
	entries map[string][]*Entry
	byPath  map[string]*Entry
}

// Open parses the directory file at path. Chunk files are resolved next to it.
func Open(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening package: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat package: %w", err)
	}

	p, err := Read(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	p.FileName = path
	p.closer = f

	slog.Debug("Opened package",
		"path", path,
		"version", p.Header.Version,
		"entries", p.Len(),
		"chunk_hashes", len(p.ArchiveMD5),
		"signed", p.Signed())

	return p, nil
}

// Read parses a directory from r. Entries in numbered archives cannot be
// read unless FileName is set.
func Read(r io.ReaderAt, size int64) (*Package, error) {
	p := &Package{r: r, size: size}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the directory file opened by Open.
func (p *Package) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDirectoryCorrupt, fmt.Sprintf(format, args...))
}

func (p *Package) readSection(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > p.size {
		return nil, corrupt("section %d+%d exceeds file size %d", off, n, p.size)
	}
	buf := make([]byte, n)
	if read, err := p.r.ReadAt(buf, off); read < len(buf) {
		return nil, fmt.Errorf("reading section at %d: %w", off, err)
	}
	return buf, nil
}

func (p *Package) parse() error {
	if p.size < headerSizeV1 {
		return corrupt("file of %d bytes is smaller than the header", p.size)
	}

	head, err := p.readSection(0, headerSizeV1)
	if err != nil {
		return err
	}
	if magic := binary.LittleEndian.Uint32(head[0:]); magic != Magic {
		return corrupt("bad magic %#08x", magic)
	}

	h := Header{
		Version:  binary.LittleEndian.Uint32(head[4:]),
		TreeSize: binary.LittleEndian.Uint32(head[8:]),
	}
	switch h.Version {
	case 1:
	case 2:
		ext, err := p.readSection(headerSizeV1, headerSizeV2-headerSizeV1)
		if err != nil {
			return fmt.Errorf("reading v2 header: %w", err)
		}
		h.FileDataSize = binary.LittleEndian.Uint32(ext[0:])
		h.ArchiveMD5Size = binary.LittleEndian.Uint32(ext[4:])
		h.OtherMD5Size = binary.LittleEndian.Uint32(ext[8:])
		h.SignatureSize = binary.LittleEndian.Uint32(ext[12:])
	default:
		return corrupt("unknown version %d", h.Version)
	}

	tree, err := p.readSection(h.Size(), int64(h.TreeSize))
	if err != nil {
		return fmt.Errorf("reading tree: %w", err)
	}
	entries, err := parseTree(tree)
	if err != nil {
		return err
	}

	if h.Version == 2 {
		if h.signatureOffset()+int64(h.SignatureSize) > p.size {
			return corrupt("sections end past file size %d", p.size)
		}
		if err := p.parseSections(h); err != nil {
			return err
		}
	}

	p.Header = h
	p.setEntries(entries)
	return nil
}

func (p *Package) parseSections(h Header) error {
	if h.ArchiveMD5Size%chunkHashSize != 0 {
		return corrupt("archive md5 section size %d", h.ArchiveMD5Size)
	}
	section, err := p.readSection(h.archiveMD5Offset(), int64(h.ArchiveMD5Size))
	if err != nil {
		return err
	}
	p.ArchiveMD5 = make([]ChunkHash, 0, len(section)/chunkHashSize)
	for pos := 0; pos < len(section); pos += chunkHashSize {
		c := ChunkHash{
			ArchiveIndex: binary.LittleEndian.Uint32(section[pos:]),
			Offset:       binary.LittleEndian.Uint32(section[pos+4:]),
			Length:       binary.LittleEndian.Uint32(section[pos+8:]),
		}
		copy(c.Checksum[:], section[pos+12:pos+28])
		p.ArchiveMD5 = append(p.ArchiveMD5, c)
	}

	if h.OtherMD5Size == otherMD5Size {
		other, err := p.readSection(h.otherMD5Offset(), otherMD5Size)
		if err != nil {
			return err
		}
		copy(p.TreeChecksum[:], other[0:16])
		copy(p.ArchiveMD5EntriesChecksum[:], other[16:32])
		copy(p.WholeFileChecksum[:], other[32:48])
	}

	if h.SignatureSize == 0 {
		return nil
	}
	sig, err := p.readSection(h.signatureOffset(), int64(h.SignatureSize))
	if err != nil {
		return err
	}
	c := &cursor{buf: sig}
	keyLen, err := c.u32()
	if err != nil {
		return err
	}
	if p.PublicKey, err = c.take(int(keyLen)); err != nil {
		return err
	}
	sigLen, err := c.u32()
	if err != nil {
		return err
	}
	if p.Signature, err = c.take(int(sigLen)); err != nil {
		return err
	}
	return nil
}

// cursor walks the tree. Every read is bounds checked.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, corrupt("tree truncated at %d", c.pos)
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// str reads a NUL-terminated string. " " stands for an empty component.
func (c *cursor) str() (string, bool, error) {
	end := bytes.IndexByte(c.buf[c.pos:], 0)
	if end < 0 {
		return "", false, corrupt("unterminated string at %d", c.pos)
	}
	s := string(c.buf[c.pos : c.pos+end])
	c.pos += end + 1
	if s == "" {
		return "", false, nil
	}
	if s == " " {
		s = ""
	}
	return s, true, nil
}

func parseTree(tree []byte) (map[string][]*Entry, error) {
	entries := make(map[string][]*Entry)
	c := &cursor{buf: tree}

	for {
		ext, ok, err := c.str()
		if err != nil || !ok {
			return entries, err
		}
		for {
			dir, ok, err := c.str()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			for {
				name, ok, err := c.str()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}

				e, err := parseEntry(c)
				if err != nil {
					return nil, fmt.Errorf("entry %s/%s.%s: %w", dir, name, ext, err)
				}
				e.DirectoryName, e.FileName, e.TypeName = dir, name, ext
				entries[ext] = append(entries[ext], e)
			}
		}
	}
}

func parseEntry(c *cursor) (*Entry, error) {
	rec, err := c.take(entryRecordSize)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	if term := le.Uint16(rec[16:]); term != entryTerminator {
		return nil, corrupt("bad entry terminator %#04x", term)
	}

	e := &Entry{
		CRC32:        le.Uint32(rec[0:]),
		ArchiveIndex: le.Uint16(rec[6:]),
		Offset:       le.Uint32(rec[8:]),
		Length:       le.Uint32(rec[12:]),
	}
	if preload := int(le.Uint16(rec[4:])); preload > 0 {
		small, err := c.take(preload)
		if err != nil {
			return nil, err
		}
		e.SmallData = bytes.Clone(small)
	}
	return e, nil
}

// setEntries sorts each extension group by full path and rebuilds the index.
func (p *Package) setEntries(entries map[string][]*Entry) {
	p.byPath = make(map[string]*Entry)
	for _, list := range entries {
		slices.SortFunc(list, func(a, b *Entry) int {
			return strings.Compare(a.FullPath(), b.FullPath())
		})
		for _, e := range list {
			p.byPath[e.FullPath()] = e
		}
	}
	p.entries = entries
}

// Len is the number of entries.
func (p *Package) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byPath)
}

// Signed reports whether the directory carries a signature.
func (p *Package) Signed() bool {
	return len(p.Signature) > 0
}

// Extensions returns the entry extensions in sorted order.
func (p *Package) Extensions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	exts := make([]string, 0, len(p.entries))
	for ext := range p.entries {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

func (p *Package) snapshot() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	exts := make([]string, 0, len(p.entries))
	for ext := range p.entries {
		exts = append(exts, ext)
	}
	slices.Sort(exts)

	all := make([]*Entry, 0, len(p.byPath))
	for _, ext := range exts {
		all = append(all, p.entries[ext]...)
	}
	return all
}

// Entries yields every entry ordered by extension, then full path.
func (p *Package) Entries() iter.Seq[*Entry] {
	return slices.Values(p.snapshot())
}

// EntriesByExtension returns a copy of the entry table.
func (p *Package) EntriesByExtension() map[string][]*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]*Entry, len(p.entries))
	for ext, list := range p.entries {
		out[ext] = slices.Clone(list)
	}
	return out
}

// FindEntry looks up an entry by path. Backslashes are accepted.
func (p *Package) FindEntry(path string) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byPath[normalizePath(path)]
	return e, ok
}

// ChunkPath returns the numbered archive path for index:
// "pak01_dir.vpk" becomes "pak01_003.vpk".
func (p *Package) ChunkPath(index uint16) string {
	base := strings.TrimSuffix(p.FileName, ".vpk")
	base = strings.TrimSuffix(base, "_dir")
	return fmt.Sprintf("%s_%03d.vpk", base, index)
}

// archive returns a reader for the archive holding index and the offset of
// entry data within it. The closer is nil for the embedded archive.
func (p *Package) archive(index uint16) (io.ReaderAt, int64, io.Closer, error) {
	if index == EmbeddedArchive {
		return p.r, p.Header.treeEnd(), nil, nil
	}
	if p.FileName == "" {
		return nil, 0, nil, corrupt("archive %d needs a package file name", index)
	}

	path := p.ChunkPath(index)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil, corrupt("missing chunk file %s", path)
	}
	if err != nil {
		return nil, 0, nil, fmt.Errorf("opening chunk: %w", err)
	}
	return f, 0, f, nil
}

// ReadEntry returns the preload followed by the archive bytes. Each call
// opens its own chunk file so concurrent reads share no cursor.
func (p *Package) ReadEntry(e *Entry) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readEntry(e)
}

func (p *Package) readEntry(e *Entry) ([]byte, error) {
	out := make([]byte, e.TotalLength())
	n := copy(out, e.SmallData)
	if e.Length == 0 {
		return out, nil
	}

	r, base, closer, err := p.archive(e.ArchiveIndex)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.FullPath(), err)
	}
	if closer != nil {
		defer closer.Close()
	}

	read, err := r.ReadAt(out[n:], base+int64(e.Offset))
	if read < len(out)-n {
		if err == nil || errors.Is(err, io.EOF) {
			err = corrupt("entry data truncated")
		}
		return nil, fmt.Errorf("reading %s: %w", e.FullPath(), err)
	}
	return out, nil
}

type entryReader struct {
	io.Reader
	closer io.Closer
}

func (r *entryReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// OpenEntry streams an entry without buffering it. The reader must be
// closed before the package is committed or closed.
func (p *Package) OpenEntry(e *Entry) (io.ReadCloser, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	small := bytes.NewReader(e.SmallData)
	if e.Length == 0 {
		return &entryReader{Reader: small}, nil
	}

	r, base, closer, err := p.archive(e.ArchiveIndex)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", e.FullPath(), err)
	}
	section := io.NewSectionReader(r, base+int64(e.Offset), int64(e.Length))
	return &entryReader{Reader: io.MultiReader(small, section), closer: closer}, nil
}
