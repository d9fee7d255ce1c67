package texture

import (
	"encoding/binary"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bc6hBlock(lo, hi uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], lo)
	binary.LittleEndian.PutUint64(b[8:], hi)
	return b
}

// mode3Block is a single-subset block whose texels are all R=max, G=0,
// B=32800 after unquantization.
func mode3Block() []byte {
	lo := uint64(3) | 0x3FF<<5 | 0x200<<25 | 0x3FF<<35
	return bc6hBlock(lo, 1)
}

func reservedBlock() []byte {
	return bc6hBlock(19, 0)
}

func decode(t *testing.T, format Format, w, h, bpp int, data []byte) (*Bitmap, error) {
	t.Helper()
	d, err := NewDecoder(format, w, h)
	require.NoError(t, err)
	dst := NewBitmap(w, h, bpp)
	return dst, d.Decode(dst, data)
}

func TestBC6HKnownColor(t *testing.T) {
	ldr, err := decode(t, FormatBC6H, 4, 4, LDRBytesPerPixel, mode3Block())
	require.NoError(t, err)
	for y := range 4 {
		for x := range 4 {
			assert.Equal(t, [4]byte{223, 0, 255, 255}, ldr.BGRA(x, y), "texel %d,%d", x, y)
		}
	}

	hdr, err := decode(t, FormatBC6H, 4, 4, HDRBytesPerPixel, mode3Block())
	require.NoError(t, err)
	assert.Equal(t, [4]uint16{0x7BFF, 0, 15887, 0x3C00}, hdr.Half(3, 3))
}

func TestBC6HIndexBits(t *testing.T) {
	for p := range uint8(32) {
		_, n := bc6hTexelIndices(true, p, ^uint64(0))
		assert.Equal(t, 46, n, "partition %d", p)
	}
	_, n := bc6hTexelIndices(false, 0, ^uint64(0))
	assert.Equal(t, 63, n)

	idx, _ := bc6hTexelIndices(false, 0, 1<<62)
	assert.Equal(t, uint8(8), idx[15])
	for i := range 15 {
		assert.Zero(t, idx[i])
	}

	// partition 0 anchors texel 15, which loses its top bit too
	idx, _ = bc6hTexelIndices(true, 0, 1<<45)
	assert.Equal(t, uint8(2), idx[15])

	// partition 17 anchors texel 2
	idx, _ = bc6hTexelIndices(true, 17, 0b11<<2)
	assert.Equal(t, uint8(3), idx[2])
	assert.Zero(t, idx[1])
	assert.Zero(t, idx[3])
}

func TestBC6HMode15DeltaWidth(t *testing.T) {
	// bit 39 is the top endpoint bit, not part of the red delta
	lo := uint64(15) | 0x155<<5 | 1<<39
	hi := ^uint64(0) &^ 1

	dst, err := decode(t, FormatBC6H, 4, 4, HDRBytesPerPixel, bc6hBlock(lo, hi))
	require.NoError(t, err)
	assert.Equal(t, [4]uint16{16037, 0, 0, 0x3C00}, dst.Half(3, 3))
	assert.Equal(t, [4]uint16{16037, 0, 0, 0x3C00}, dst.Half(0, 0))
}

func TestBC6HMode10BlueDelta(t *testing.T) {
	// bit 75 is the sign bit of the 5-bit blue delta of the last endpoint
	lo := uint64(10)
	hi := uint64(1)<<11 | uint64(3)<<62

	var out [16][3]uint16
	require.True(t, decodeBC6HBlock(bc6hBlock(lo, hi), &out))
	assert.Equal(t, [3]uint16{0, 0, 0}, out[0])
	assert.Equal(t, [3]uint16{0, 0, 27439}, out[15])
}

func TestBC6HMode30BlueEndpoint(t *testing.T) {
	// bits 61-63 are the low three bits of the third endpoint's blue
	lo := uint64(30) | 1<<63

	var out [16][3]uint16
	require.True(t, decodeBC6HBlock(bc6hBlock(lo, 0), &out))
	for i := range 16 {
		want := [3]uint16{}
		if i%4 >= 2 {
			want[2] = 4608
		}
		assert.Equal(t, want, out[i], "texel %d", i)
	}
}

func TestBC6HPartitionSubsets(t *testing.T) {
	// first subset red 4 at both ends, second subset blue 4 at both ends
	lo := uint64(30) | 4<<5 | 4<<35 | 1<<63 | 1<<23
	red := [3]uint16{4608, 0, 0}
	blue := [3]uint16{0, 0, 4608}

	for _, p := range []uint64{1, 13, 31} {
		var out [16][3]uint16
		require.True(t, decodeBC6HBlock(bc6hBlock(lo, p<<13), &out))

		var seen [2]int
		for i := range 16 {
			s := bptcPartition2[p][i]
			seen[s]++
			want := red
			if s == 1 {
				want = blue
			}
			assert.Equal(t, want, out[i], "partition %d texel %d", p, i)
		}
		assert.NotZero(t, seen[0], "partition %d", p)
		assert.NotZero(t, seen[1], "partition %d", p)
	}
}

func TestBC6HReservedMode(t *testing.T) {
	data := append(reservedBlock(), mode3Block()...)

	dst, err := decode(t, FormatBC6H, 8, 4, LDRBytesPerPixel, data)
	require.ErrorIs(t, err, ErrReservedMode)

	assert.Equal(t, [4]byte{0, 0, 0, 255}, dst.BGRA(1, 1))
	assert.Equal(t, [4]byte{223, 0, 255, 255}, dst.BGRA(5, 1))
}

func TestBC6HPositionInvariant(t *testing.T) {
	alone, err := decode(t, FormatBC6H, 4, 4, LDRBytesPerPixel, mode3Block())
	require.NoError(t, err)

	data := make([]byte, 4*16)
	copy(data[3*16:], mode3Block())
	grid, err := decode(t, FormatBC6H, 8, 8, LDRBytesPerPixel, data)
	require.NoError(t, err)

	for y := range 4 {
		for x := range 4 {
			assert.Equal(t, alone.BGRA(x, y), grid.BGRA(x+4, y+4))
			assert.Equal(t, [4]byte{0, 0, 0, 255}, grid.BGRA(x, y))
		}
	}
}

func TestClipping(t *testing.T) {
	block := []byte{0x00, 0xF8, 0x00, 0xF8, 0, 0, 0, 0}
	data := make([]byte, 0, DataSize(FormatBC1, 6, 5))
	for range 4 {
		data = append(data, block...)
	}
	require.Len(t, data, 32)

	d, err := NewDecoder(FormatBC1, 6, 5)
	require.NoError(t, err)

	// padded stride; the padding must stay untouched
	dst := &Bitmap{Width: 6, Height: 5, Stride: 32, BytesPerPixel: 4, Pix: make([]byte, 32*5)}
	for i := range dst.Pix {
		dst.Pix[i] = 0xAA
	}
	require.NoError(t, d.Decode(dst, data))

	for y := range 5 {
		for x := range 6 {
			assert.Equal(t, [4]byte{0, 0, 255, 255}, dst.BGRA(x, y))
		}
		for _, b := range dst.Pix[y*32+24 : y*32+32] {
			assert.Equal(t, byte(0xAA), b)
		}
	}
}

func TestDecoderChecks(t *testing.T) {
	_, err := decode(t, FormatBC6H, 8, 8, LDRBytesPerPixel, mode3Block())
	assert.ErrorIs(t, err, ErrShortInput)

	_, err = decode(t, FormatBC1, 4, 4, HDRBytesPerPixel, make([]byte, 8))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	d, err := NewDecoder(FormatBC4, 4, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Decode(NewBitmap(8, 4, 4), make([]byte, 8)), ErrBitmapMismatch)
	assert.ErrorIs(t, d.Decode(NewBitmap(4, 4, 3), make([]byte, 8)), ErrBitmapMismatch)

	_, err = NewDecoder(FormatBC1, 0, 4)
	assert.ErrorIs(t, err, ErrBitmapMismatch)
	_, err = NewDecoder(Format(99), 4, 4)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("BC6H")
	require.NoError(t, err)
	assert.Equal(t, FormatBC6H, f)

	f, err = ParseFormat("dxt1")
	require.NoError(t, err)
	assert.Equal(t, FormatBC1, f)

	_, err = ParseFormat("bc7")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	assert.Equal(t, 16, DataSize(FormatBC6H, 1, 1))
	assert.Equal(t, 4*3*8, DataSize(FormatBC4, 16, 9))
}

func TestBC1(t *testing.T) {
	t.Run("four colour", func(t *testing.T) {
		block := []byte{0x00, 0xF8, 0x1F, 0x00, 0xE4, 0, 0, 0}
		dst, err := decode(t, FormatBC1, 4, 4, LDRBytesPerPixel, block)
		require.NoError(t, err)
		assert.Equal(t, [4]byte{0, 0, 255, 255}, dst.BGRA(0, 0))
		assert.Equal(t, [4]byte{255, 0, 0, 255}, dst.BGRA(1, 0))
		assert.Equal(t, [4]byte{85, 0, 170, 255}, dst.BGRA(2, 0))
		assert.Equal(t, [4]byte{170, 0, 85, 255}, dst.BGRA(3, 0))
	})

	t.Run("three colour", func(t *testing.T) {
		block := []byte{0x1F, 0x00, 0x00, 0xF8, 0xE4, 0, 0, 0}
		dst, err := decode(t, FormatBC1, 4, 4, LDRBytesPerPixel, block)
		require.NoError(t, err)
		assert.Equal(t, [4]byte{127, 0, 127, 255}, dst.BGRA(2, 0))
		assert.Equal(t, [4]byte{0, 0, 0, 0}, dst.BGRA(3, 0))
	})
}

func TestBC4(t *testing.T) {
	t.Run("eight values", func(t *testing.T) {
		block := []byte{255, 0, 136, 0, 0, 0, 0, 0}
		dst, err := decode(t, FormatBC4, 4, 4, LDRBytesPerPixel, block)
		require.NoError(t, err)
		assert.Equal(t, [4]byte{255, 255, 255, 255}, dst.BGRA(0, 0))
		assert.Equal(t, [4]byte{0, 0, 0, 255}, dst.BGRA(1, 0))
		assert.Equal(t, [4]byte{218, 218, 218, 255}, dst.BGRA(2, 0))
		assert.Equal(t, [4]byte{255, 255, 255, 255}, dst.BGRA(3, 3))
	})

	t.Run("six values", func(t *testing.T) {
		// texel 0 index 7, texel 1 index 6, texel 2 index 2
		block := []byte{0, 255, 0b10_110_111, 0, 0, 0, 0, 0}
		dst, err := decode(t, FormatBC4, 4, 4, LDRBytesPerPixel, block)
		require.NoError(t, err)
		assert.Equal(t, byte(255), dst.BGRA(0, 0)[0])
		assert.Equal(t, byte(0), dst.BGRA(1, 0)[0])
		assert.Equal(t, byte(51), dst.BGRA(2, 0)[0])
	})
}

func TestToImage(t *testing.T) {
	ldr, err := decode(t, FormatBC6H, 4, 4, LDRBytesPerPixel, mode3Block())
	require.NoError(t, err)
	img, ok := ldr.ToImage().(*image.NRGBA)
	require.True(t, ok)
	c := img.NRGBAAt(2, 2)
	assert.Equal(t, [4]uint8{255, 0, 223, 255}, [4]uint8{c.R, c.G, c.B, c.A})

	hdr, err := decode(t, FormatBC6H, 4, 4, HDRBytesPerPixel, mode3Block())
	require.NoError(t, err)
	img64, ok := hdr.ToImage().(*image.NRGBA64)
	require.True(t, ok)
	c64 := img64.NRGBA64At(0, 0)
	assert.Equal(t, uint16(0xFFFF), c64.R)
	assert.Equal(t, uint16(0), c64.G)
	assert.Equal(t, uint16(0xFFFF), c64.A)
}
