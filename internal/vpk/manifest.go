package vpk

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Manifest records the CRC32 of every entry written by a previous extract,
// so unchanged entries can be skipped.
type Manifest map[string]uint32

// NewManifest snapshots the CRCs of p.
func NewManifest(p *Package) Manifest {
	m := make(Manifest, p.Len())
	for e := range p.Entries() {
		m[e.FullPath()] = e.CRC32
	}
	return m
}

// LoadManifest reads a manifest file. A missing file is an empty manifest.
func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	m := Manifest{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		crc, path, ok := strings.Cut(text, " ")
		if !ok {
			return nil, fmt.Errorf("manifest line %d: missing path", line)
		}
		v, err := strconv.ParseUint(crc, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		m[path] = uint32(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return m, nil
}

// Save writes the manifest sorted by path.
func (m Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}

	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%08x %s\n", m[p], p)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Unchanged reports whether e has the same CRC as when the manifest was taken.
func (m Manifest) Unchanged(e *Entry) bool {
	crc, ok := m[e.FullPath()]
	return ok && crc == e.CRC32
}
