package resource

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/ntro"
)

const (
	// HeaderVersion is the only container header version in use.
	HeaderVersion = 12

	headerSize     = 16
	blockEntrySize = 12

	// defaultBlockOffset places a new directory right after the header. It is
	// relative to the field at 8.
	defaultBlockOffset = 8

	// maxResourceSize bounds the buffer Read allocates.
	maxResourceSize = 1 << 31

	packageMagic = 0x55AA1234
)

type fileHeader struct {
	FileSize      uint32
	HeaderVersion uint16
	Version       uint16
	BlockOffset   uint32
	BlockCount    uint32
}

type blockEntry struct {
	Type   [4]byte
	Offset uint32
	Size   uint32
}

// Options configures Read.
type Options struct {
	// FileName is used only as the last fallback for type inference.
	FileName string
	// Decoder configures NTRO struct decoding.
	Decoder *ntro.DecoderOptions
}

// Option configures Read.
type Option func(*Options)

// WithFileName records the source file name, e.g. "materials/dev.vmat_c".
func WithFileName(name string) Option {
	return func(o *Options) {
		o.FileName = name
	}
}

// WithDecoderOptions sets the NTRO decoder options used for struct blocks.
func WithDecoderOptions(options *ntro.DecoderOptions) Option {
	return func(o *Options) {
		o.Decoder = options
	}
}

// Resource is a parsed compiled resource. It is immutable once returned and
// safe for concurrent use; typed block payloads are decoded on first access.
type Resource struct {
	FileSize      uint32
	HeaderVersion uint16
	Version       uint16
	Type          ResourceType
	Blocks        []*Block
	FileName      string

	data        []byte
	blockOffset uint32
	options     Options
}

// Read parses a resource of size bytes from r.
func Read(r io.ReaderAt, size int64, opts ...Option) (*Resource, error) {
	if size < 0 || size > maxResourceSize {
		return nil, fmt.Errorf("%w: size %d out of range", ErrContainerCorrupt, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, size), data); err != nil {
		return nil, fmt.Errorf("reading resource: %w", err)
	}
	return ReadBytes(data, opts...)
}

// ReadBytes parses a resource held in memory. The returned Resource keeps
// data as its backing buffer; callers must not modify it afterwards.
func ReadBytes(data []byte, opts ...Option) (*Resource, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	if len(data) >= 4 {
		switch {
		case binary.LittleEndian.Uint32(data) == packageMagic:
			return nil, fmt.Errorf("%w: this is a package directory, not a compiled resource", ErrContainerCorrupt)
		case kv3.IsKV3(data):
			return nil, fmt.Errorf("%w: this is a bare KV3 file, not a compiled resource", ErrContainerCorrupt)
		}
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrContainerCorrupt, len(data))
	}

	var h fileHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("reading resource header: %w", err)
	}

	if uint64(h.FileSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d available bytes", ErrContainerCorrupt, h.FileSize, len(data))
	}
	if h.HeaderVersion != HeaderVersion {
		return nil, fmt.Errorf("%w: unknown header version %d", ErrContainerCorrupt, h.HeaderVersion)
	}

	dirStart := uint64(8) + uint64(h.BlockOffset)
	dirEnd := dirStart + uint64(h.BlockCount)*blockEntrySize
	if dirEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: block directory of %d entries overruns buffer", ErrContainerCorrupt, h.BlockCount)
	}

	entries := make([]blockEntry, h.BlockCount)
	if err := binary.Read(bytes.NewReader(data[dirStart:dirEnd]), binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("reading block directory: %w", err)
	}

	blocks := make([]*Block, 0, len(entries))
	for i, e := range entries {
		// Block offsets are relative to the offset field itself.
		start := dirStart + uint64(i)*blockEntrySize + 4 + uint64(e.Offset)
		end := start + uint64(e.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: block %d (%s) range %d-%d overruns buffer",
				ErrContainerCorrupt, i, blockTypeFromTag(e.Type), start, end)
		}
		blocks = append(blocks, &Block{
			Type:   blockTypeFromTag(e.Type),
			Offset: uint32(start),
			Size:   e.Size,
			data:   data[start:end:end],
		})
	}

	res := &Resource{
		FileSize:      h.FileSize,
		HeaderVersion: h.HeaderVersion,
		Version:       h.Version,
		Blocks:        blocks,
		FileName:      options.FileName,
		data:          data,
		blockOffset:   h.BlockOffset,
		options:       options,
	}
	for _, b := range blocks {
		b.owner = res
	}
	res.Type = res.inferType()

	slog.Debug("Parsed resource",
		"file", options.FileName,
		"type", res.Type,
		"blocks", len(blocks),
		"size", h.FileSize)

	return res, nil
}

// Block returns the first block of type t.
func (r *Resource) Block(t BlockType) (*Block, bool) {
	for _, b := range r.Blocks {
		if b.Type == t {
			return b, true
		}
	}
	return nil, false
}

// ContainsBlock reports whether a block of type t is present.
func (r *Resource) ContainsBlock(t BlockType) bool {
	_, ok := r.Block(t)
	return ok
}

// inferType tries the block layout, then the NTRO root struct name, then
// the KV3 root _class, then the file extension.
func (r *Resource) inferType() ResourceType {
	if len(r.Blocks) == 0 {
		return TypeUnknown
	}
	if t := typeFromLayout(r.ContainsBlock); t != TypeUnknown {
		return t
	}

	if r.ContainsBlock(BlockNTRO) {
		m, err := r.Introspection()
		if err != nil {
			slog.Debug("Skipping introspection for type inference", "file", r.FileName, "error", err)
		} else if len(m.Structs) > 0 {
			if t, ok := classTypes[m.Structs[0].Name]; ok {
				return t
			}
		}
	}

	if b, ok := r.Block(BlockDATA); ok && kv3.IsKV3(b.data) {
		f, err := r.KeyValues(BlockDATA)
		if err != nil {
			slog.Debug("Skipping KV3 data for type inference", "file", r.FileName, "error", err)
		} else if t, ok := classTypes[f.Root.GetString("_class")]; ok {
			return t
		}
	}

	return typeFromFileName(r.FileName)
}
