package texture

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"

	"github.com/x448/float16"
)

const (
	// LDRBytesPerPixel is the BGRA8 sink.
	LDRBytesPerPixel = 4
	// HDRBytesPerPixel is the RGBA half-float sink.
	HDRBytesPerPixel = 8
)

// Bitmap is a caller-owned pixel buffer the decoders write into.
type Bitmap struct {
	Width         int
	Height        int
	Stride        int
	BytesPerPixel int
	Pix           []byte
}

// NewBitmap allocates a tightly packed bitmap.
func NewBitmap(width, height, bytesPerPixel int) *Bitmap {
	stride := width * bytesPerPixel
	return &Bitmap{
		Width:         width,
		Height:        height,
		Stride:        stride,
		BytesPerPixel: bytesPerPixel,
		Pix:           make([]byte, stride*height),
	}
}

// HDR reports whether b is a half-float sink.
func (b *Bitmap) HDR() bool {
	return b.BytesPerPixel == HDRBytesPerPixel
}

func (b *Bitmap) offset(x, y int) int {
	return y*b.Stride + x*b.BytesPerPixel
}

// BGRA returns the LDR pixel at x, y.
func (b *Bitmap) BGRA(x, y int) [4]byte {
	var px [4]byte
	copy(px[:], b.Pix[b.offset(x, y):])
	return px
}

// Half returns the raw half-float channels (RGBA) of the HDR pixel at x, y.
func (b *Bitmap) Half(x, y int) [4]uint16 {
	o := b.offset(x, y)
	var px [4]uint16
	for i := range px {
		px[i] = binary.LittleEndian.Uint16(b.Pix[o+i*2:])
	}
	return px
}

// setBGRA writes an LDR texel, dropping texels outside the bitmap.
func (b *Bitmap) setBGRA(x, y int, px [4]byte) {
	if x >= b.Width || y >= b.Height {
		return
	}
	copy(b.Pix[b.offset(x, y):], px[:])
}

// setHalf writes an HDR texel, dropping texels outside the bitmap.
func (b *Bitmap) setHalf(x, y int, px [4]uint16) {
	if x >= b.Width || y >= b.Height {
		return
	}
	o := b.offset(x, y)
	for i, c := range px {
		binary.LittleEndian.PutUint16(b.Pix[o+i*2:], c)
	}
}

// ToImage converts the bitmap to a standard image. HDR bitmaps are clamped
// to [0, 1].
func (b *Bitmap) ToImage() image.Image {
	rect := image.Rect(0, 0, b.Width, b.Height)
	if b.HDR() {
		img := image.NewNRGBA64(rect)
		for y := range b.Height {
			for x := range b.Width {
				h := b.Half(x, y)
				img.SetNRGBA64(x, y, color.NRGBA64{
					R: halfToUnorm(h[0]),
					G: halfToUnorm(h[1]),
					B: halfToUnorm(h[2]),
					A: halfToUnorm(h[3]),
				})
			}
		}
		return img
	}

	img := image.NewNRGBA(rect)
	for y := range b.Height {
		for x := range b.Width {
			px := b.BGRA(x, y)
			o := img.PixOffset(x, y)
			img.Pix[o+0] = px[2]
			img.Pix[o+1] = px[1]
			img.Pix[o+2] = px[0]
			img.Pix[o+3] = px[3]
		}
	}
	return img
}

func halfToUnorm(bits uint16) uint16 {
	f := float16.Frombits(bits).Float32()
	switch {
	case math.IsNaN(float64(f)) || f <= 0:
		return 0
	case f >= 1:
		return 0xFFFF
	}
	return uint16(f*0xFFFF + 0.5)
}
