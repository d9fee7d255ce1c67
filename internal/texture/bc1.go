package texture

import "encoding/binary"

type bc1Decoder struct {
	grid
}

// Decode writes BC1 blocks into a BGRA8 bitmap.
func (d *bc1Decoder) Decode(dst *Bitmap, blocks []byte) error {
	if err := d.check(dst, blocks, false); err != nil {
		return err
	}
	return d.decodeRows(dst, blocks, decodeBC1Into)
}

func expand565(c uint16) [4]byte {
	r := byte(c >> 11 & 0x1F)
	g := byte(c >> 5 & 0x3F)
	b := byte(c & 0x1F)
	return [4]byte{b<<3 | b>>2, g<<2 | g>>4, r<<3 | r>>2, 0xFF}
}

func mix(a, b [4]byte, wa, wb, div int) [4]byte {
	var out [4]byte
	for i := range 3 {
		out[i] = byte((int(a[i])*wa + int(b[i])*wb) / div)
	}
	out[3] = 0xFF
	return out
}

func decodeBC1Into(dst *Bitmap, x, y int, block []byte) error {
	c0 := binary.LittleEndian.Uint16(block[0:])
	c1 := binary.LittleEndian.Uint16(block[2:])
	indices := binary.LittleEndian.Uint32(block[4:])

	var palette [4][4]byte
	palette[0] = expand565(c0)
	palette[1] = expand565(c1)
	if c0 > c1 {
		palette[2] = mix(palette[0], palette[1], 2, 1, 3)
		palette[3] = mix(palette[0], palette[1], 1, 2, 3)
	} else {
		palette[2] = mix(palette[0], palette[1], 1, 1, 2)
		// palette[3] stays transparent black
	}

	for i := range 16 {
		dst.setBGRA(x+i%4, y+i/4, palette[indices>>(2*i)&0x3])
	}
	return nil
}
