package vpk

import (
	"bytes"
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// chunkHashSpan is the range covered by each archive MD5 entry the writer emits.
const chunkHashSpan = 1 << 20

// Writer builds a single-file version 2 package from an existing package
// plus updates. All entry data is stored in the directory's data section.
type Writer struct {
	pkg     *Package
	puts    map[string][]byte
	removes map[string]bool
	key     *rsa.PrivateKey
}

// NewWriter starts a write-back of p. A nil p starts an empty package.
func NewWriter(p *Package) *Writer {
	if p == nil {
		p = &Package{Header: Header{Version: 2}}
		p.setEntries(map[string][]*Entry{})
	}
	return &Writer{
		pkg:     p,
		puts:    make(map[string][]byte),
		removes: make(map[string]bool),
	}
}

// Put adds or replaces the entry at path.
func (w *Writer) Put(path string, data []byte) {
	path = normalizePath(path)
	delete(w.removes, path)
	w.puts[path] = data
}

// Remove drops the entry at path.
func (w *Writer) Remove(path string) {
	path = normalizePath(path)
	delete(w.puts, path)
	w.removes[path] = true
}

// Sign makes the writer append an RSA PKCS#1 v1.5 SHA-256 signature.
func (w *Writer) Sign(key *rsa.PrivateKey) {
	w.key = key
}

// Bytes encodes the package with the pending updates applied.
func (w *Writer) Bytes() ([]byte, error) {
	w.pkg.mu.RLock()
	defer w.pkg.mu.RUnlock()
	d, err := w.build()
	if err != nil {
		return nil, err
	}
	return d.encode()
}

// Commit writes the package to path and rebinds the Package to it. It holds
// the package's write lock for the whole exclusive phase, so readers wait.
func (w *Writer) Commit(path string) error {
	p := w.pkg
	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := w.build()
	if err != nil {
		return err
	}
	data, err := d.encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary package: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing package: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing package: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening package: %w", err)
	}
	fresh, err := Read(f, int64(len(data)))
	if err != nil {
		f.Close()
		return fmt.Errorf("reopening package: %w", err)
	}

	if p.closer != nil {
		p.closer.Close()
	}
	p.Header = fresh.Header
	p.FileName = path
	p.ArchiveMD5 = fresh.ArchiveMD5
	p.TreeChecksum = fresh.TreeChecksum
	p.ArchiveMD5EntriesChecksum = fresh.ArchiveMD5EntriesChecksum
	p.WholeFileChecksum = fresh.WholeFileChecksum
	p.PublicKey = fresh.PublicKey
	p.Signature = fresh.Signature
	p.r, p.size, p.closer = f, fresh.size, f
	p.entries, p.byPath = fresh.entries, fresh.byPath

	clear(w.puts)
	clear(w.removes)

	slog.Debug("Committed package", "path", path, "entries", len(p.byPath), "size", len(data))
	return nil
}

// build gathers the final file set. The caller holds the package lock.
func (w *Writer) build() (*directory, error) {
	paths := make([]string, 0, len(w.pkg.byPath)+len(w.puts))
	contents := make(map[string][]byte)

	for path, e := range w.pkg.byPath {
		if w.removes[path] {
			continue
		}
		if _, ok := w.puts[path]; ok {
			continue
		}
		data, err := w.pkg.readEntry(e)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		contents[path] = data
	}
	for path, data := range w.puts {
		paths = append(paths, path)
		contents[path] = data
	}
	slices.Sort(paths)

	d := &directory{key: w.key}
	for _, path := range paths {
		data := contents[path]
		if uint64(len(d.fileData)+len(data)) > math.MaxUint32 {
			return nil, fmt.Errorf("package data exceeds 4 GiB")
		}
		dir, name, ext := splitPath(path)
		d.entries = append(d.entries, &Entry{
			DirectoryName: dir,
			FileName:      name,
			TypeName:      ext,
			CRC32:         crc32.ChecksumIEEE(data),
			ArchiveIndex:  EmbeddedArchive,
			Offset:        uint32(len(d.fileData)),
			Length:        uint32(len(data)),
		})
		d.fileData = append(d.fileData, data...)
	}

	for off := 0; off < len(d.fileData); off += chunkHashSpan {
		end := min(off+chunkHashSpan, len(d.fileData))
		d.chunkHashes = append(d.chunkHashes, ChunkHash{
			ArchiveIndex: uint32(EmbeddedArchive),
			Offset:       uint32(off),
			Length:       uint32(end - off),
			Checksum:     md5.Sum(d.fileData[off:end]),
		})
	}
	return d, nil
}

// directory is everything needed to encode a version 2 directory file.
type directory struct {
	entries     []*Entry
	fileData    []byte
	chunkHashes []ChunkHash
	key         *rsa.PrivateKey
}

func (d *directory) encode() ([]byte, error) {
	tree := encodeTree(d.entries)

	var archiveMD5 bytes.Buffer
	for _, c := range d.chunkHashes {
		binary.Write(&archiveMD5, binary.LittleEndian, c)
	}

	var pubKey []byte
	sigSize := 0
	if d.key != nil {
		var err error
		pubKey, err = x509.MarshalPKIXPublicKey(&d.key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("encoding public key: %w", err)
		}
		sigSize = 8 + len(pubKey) + d.key.Size()
	}

	h := Header{
		Version:        2,
		TreeSize:       uint32(len(tree)),
		FileDataSize:   uint32(len(d.fileData)),
		ArchiveMD5Size: uint32(archiveMD5.Len()),
		OtherMD5Size:   otherMD5Size,
		SignatureSize:  uint32(sigSize),
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, Magic)
	binary.Write(&out, binary.LittleEndian, h)
	out.Write(tree)
	out.Write(d.fileData)
	out.Write(archiveMD5.Bytes())

	treeSum := md5.Sum(tree)
	sectionSum := md5.Sum(archiveMD5.Bytes())
	out.Write(treeSum[:])
	out.Write(sectionSum[:])
	wholeSum := md5.Sum(out.Bytes())
	out.Write(wholeSum[:])

	if d.key != nil {
		digest := sha256.Sum256(out.Bytes())
		sig, err := rsa.SignPKCS1v15(rand.Reader, d.key, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("signing package: %w", err)
		}
		binary.Write(&out, binary.LittleEndian, uint32(len(pubKey)))
		out.Write(pubKey)
		binary.Write(&out, binary.LittleEndian, uint32(len(sig)))
		out.Write(sig)
	}

	return out.Bytes(), nil
}

// emptyComponent stands for an empty extension, directory or name in the tree.
const emptyComponent = " "

func component(s string) string {
	if s == "" {
		return emptyComponent
	}
	return s
}

// encodeTree writes entries grouped by extension, then directory.
func encodeTree(entries []*Entry) []byte {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b *Entry) int {
		if c := strings.Compare(a.TypeName, b.TypeName); c != 0 {
			return c
		}
		if c := strings.Compare(a.DirectoryName, b.DirectoryName); c != 0 {
			return c
		}
		return strings.Compare(a.FileName, b.FileName)
	})

	var buf bytes.Buffer
	writeString := func(s string) {
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	for i, e := range sorted {
		newExt := i == 0 || sorted[i-1].TypeName != e.TypeName
		newDir := newExt || sorted[i-1].DirectoryName != e.DirectoryName

		if i > 0 && newDir {
			buf.WriteByte(0) // end of directory
		}
		if i > 0 && newExt {
			buf.WriteByte(0) // end of extension
		}
		if newExt {
			writeString(component(e.TypeName))
		}
		if newDir {
			writeString(component(e.DirectoryName))
		}

		writeString(component(e.FileName))
		binary.Write(&buf, binary.LittleEndian, e.CRC32)
		binary.Write(&buf, binary.LittleEndian, uint16(len(e.SmallData)))
		binary.Write(&buf, binary.LittleEndian, e.ArchiveIndex)
		binary.Write(&buf, binary.LittleEndian, e.Offset)
		binary.Write(&buf, binary.LittleEndian, e.Length)
		binary.Write(&buf, binary.LittleEndian, uint16(entryTerminator))
		buf.Write(e.SmallData)
	}

	if len(sorted) > 0 {
		buf.WriteByte(0) // directory
		buf.WriteByte(0) // extension
	}
	buf.WriteByte(0)
	return buf.Bytes()
}
