package texture

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Format identifies a block-compressed pixel format.
type Format int

const (
	FormatBC1 Format = iota + 1
	FormatBC4
	FormatBC6H
)

func (f Format) String() string {
	switch f {
	case FormatBC1:
		return "bc1"
	case FormatBC4:
		return "bc4"
	case FormatBC6H:
		return "bc6h"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat accepts the lower- or upper-case format name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "bc1", "dxt1":
		return FormatBC1, nil
	case "bc4", "ati1":
		return FormatBC4, nil
	case "bc6h":
		return FormatBC6H, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// BlockSize is the byte size of one 4x4 block.
func (f Format) BlockSize() int {
	switch f {
	case FormatBC1, FormatBC4:
		return 8
	case FormatBC6H:
		return 16
	}
	return 0
}

// Decoder writes decoded texels of blocks into dst.
type Decoder interface {
	Decode(dst *Bitmap, blocks []byte) error
}

// NewDecoder returns the decoder for format at the given mip dimensions.
func NewDecoder(format Format, width, height int) (Decoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBitmapMismatch, width, height)
	}

	g := grid{format: format, width: width, height: height}
	switch format {
	case FormatBC1:
		return &bc1Decoder{grid: g}, nil
	case FormatBC4:
		return &bc4Decoder{grid: g}, nil
	case FormatBC6H:
		return &bc6hDecoder{grid: g}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// grid is the block layout shared by all 4x4 block formats.
type grid struct {
	format Format
	width  int
	height int
}

func (g grid) blocksX() int { return (g.width + 3) / 4 }
func (g grid) blocksY() int { return (g.height + 3) / 4 }

// DataSize is the number of block bytes a width x height image of format
// occupies.
func DataSize(format Format, width, height int) int {
	return grid{format: format, width: width, height: height}.DataSize()
}

// DataSize is the number of input bytes the image requires.
func (g grid) DataSize() int {
	return g.blocksX() * g.blocksY() * g.format.BlockSize()
}

func (g grid) check(dst *Bitmap, blocks []byte, hdr bool) error {
	if dst == nil || dst.Width != g.width || dst.Height != g.height {
		return fmt.Errorf("%w: decoder is %dx%d", ErrBitmapMismatch, g.width, g.height)
	}
	switch dst.BytesPerPixel {
	case LDRBytesPerPixel:
	case HDRBytesPerPixel:
		if !hdr {
			return fmt.Errorf("%w: %s has no HDR sink", ErrUnsupportedFormat, g.format)
		}
	default:
		return fmt.Errorf("%w: %d bytes per pixel", ErrBitmapMismatch, dst.BytesPerPixel)
	}
	if dst.Stride < dst.Width*dst.BytesPerPixel || len(dst.Pix) < dst.Stride*(dst.Height-1)+dst.Width*dst.BytesPerPixel {
		return fmt.Errorf("%w: pixel buffer too small", ErrBitmapMismatch)
	}
	if len(blocks) < g.DataSize() {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortInput, len(blocks), g.DataSize())
	}
	return nil
}

// blockFunc decodes one block whose top-left texel is at x, y.
type blockFunc func(dst *Bitmap, x, y int, block []byte) error

// decodeRows runs fn over every block, one goroutine per block row. Each
// block is decoded from its own bytes only, so rows are independent. Errors
// do not stop the decode; the first one is returned after all rows finish.
func (g grid) decodeRows(dst *Bitmap, blocks []byte, fn blockFunc) error {
	size := g.format.BlockSize()
	bx, by := g.blocksX(), g.blocksY()

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for row := range by {
		eg.Go(func() error {
			var first error
			base := row * bx * size
			for col := range bx {
				block := blocks[base+col*size : base+(col+1)*size]
				if err := fn(dst, col*4, row*4, block); err != nil && first == nil {
					first = err
				}
			}
			return first
		})
	}

	err := eg.Wait()
	if err != nil && !errors.Is(err, ErrReservedMode) {
		return fmt.Errorf("decoding %s: %w", g.format, err)
	}
	return err
}
