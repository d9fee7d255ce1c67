package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/resource"
	"github.com/jchantrell/valveres/internal/vpk"
)

// EntryReader loads entries from a package.
type EntryReader interface {
	ReadEntry(e *vpk.Entry) ([]byte, error)
}

// Exporter writes package entries under an output directory.
type Exporter struct {
	reader    EntryReader
	outputDir string
	decompile bool
	manifest  vpk.Manifest
	log       *batch.Log
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithDecompile writes compiled resources ("*_c") as KV3 text instead of
// their raw bytes.
func WithDecompile(enabled bool) Option {
	return func(e *Exporter) {
		e.decompile = enabled
	}
}

// WithManifest skips entries whose CRC matches the previous extract.
func WithManifest(m vpk.Manifest) Option {
	return func(e *Exporter) {
		e.manifest = m
	}
}

// WithLog counts written and skipped entries in log.
func WithLog(log *batch.Log) Option {
	return func(e *Exporter) {
		e.log = log
	}
}

// NewExporter creates a new file exporter
func NewExporter(reader EntryReader, outputDir string, opts ...Option) *Exporter {
	e := &Exporter{
		reader:    reader,
		outputDir: outputDir,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exporter) count(kind string) {
	if e.log != nil {
		e.log.Count(kind, 1)
	}
}

// OutputPath returns where an entry is written. Entry paths that would
// escape the output directory are rejected.
func (e *Exporter) OutputPath(entry *vpk.Entry) (string, error) {
	rel := filepath.FromSlash(entry.FullPath())
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("entry path %q escapes the output directory", entry.FullPath())
	}
	if e.decompile && isCompiled(entry) {
		rel = strings.TrimSuffix(rel, "_c")
	}
	return filepath.Join(e.outputDir, rel), nil
}

func isCompiled(entry *vpk.Entry) bool {
	return strings.HasSuffix(entry.TypeName, "_c")
}

// ExportEntry writes one entry. It has the batch.Func signature so a
// batch.Runner can drive it.
func (e *Exporter) ExportEntry(ctx context.Context, item batch.Item) error {
	entry := item.Entry
	if entry == nil {
		return fmt.Errorf("%s is not a package entry", item.Path)
	}

	if e.manifest != nil && e.manifest.Unchanged(entry) {
		e.count("skipped")
		return nil
	}

	outputPath, err := e.OutputPath(entry)
	if err != nil {
		return err
	}

	data, err := e.reader.ReadEntry(entry)
	if err != nil {
		return err
	}
	if sum := crc32.ChecksumIEEE(data); sum != entry.CRC32 {
		return fmt.Errorf("%w: crc %08x, expected %08x", vpk.ErrChecksumMismatch, sum, entry.CRC32)
	}

	if e.decompile && isCompiled(entry) {
		var buf bytes.Buffer
		if err := Decompile(&buf, data, entry.FullPath()); err != nil {
			return fmt.Errorf("decompiling: %w", err)
		}
		data = buf.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("writing file %s: %w", outputPath, err)
	}

	e.count("written")
	slog.Debug("Exported entry", "path", entry.FullPath(), "output", outputPath)
	return nil
}

// Decompile writes the DATA block of a compiled resource as KV3 text. Struct
// data is converted through its introspection manifest first.
func Decompile(w io.Writer, data []byte, name string) error {
	res, err := resource.ReadBytes(data, resource.WithFileName(name))
	if err != nil {
		return err
	}

	if f, err := res.KeyValues(resource.BlockDATA); err == nil {
		return f.WriteText(w)
	}

	root, err := res.DataAsTree()
	if errors.Is(err, resource.ErrBlockNotFound) {
		return fmt.Errorf("%s resource has no DATA block", res.Type)
	}
	if err != nil {
		return err
	}
	return (&kv3.File{Root: root}).WriteText(w)
}
