package texture

import "encoding/binary"

type bc4Decoder struct {
	grid
}

// Decode writes BC4 (unsigned, single channel) blocks as opaque grey.
func (d *bc4Decoder) Decode(dst *Bitmap, blocks []byte) error {
	if err := d.check(dst, blocks, false); err != nil {
		return err
	}
	return d.decodeRows(dst, blocks, decodeBC4Into)
}

// bc4Palette expands the two endpoints into the 8-entry value table.
func bc4Palette(r0, r1 byte) [8]byte {
	var p [8]byte
	p[0], p[1] = r0, r1
	a, b := int(r0), int(r1)
	if r0 > r1 {
		for i := 1; i <= 6; i++ {
			p[i+1] = byte(((7-i)*a + i*b) / 7)
		}
		return p
	}
	for i := 1; i <= 4; i++ {
		p[i+1] = byte(((5-i)*a + i*b) / 5)
	}
	p[6], p[7] = 0, 0xFF
	return p
}

func decodeBC4Into(dst *Bitmap, x, y int, block []byte) error {
	p := bc4Palette(block[0], block[1])

	// 48 bits of 3-bit indices
	var raw [8]byte
	copy(raw[:6], block[2:8])
	indices := binary.LittleEndian.Uint64(raw[:])

	for i := range 16 {
		v := p[indices>>(3*i)&0x7]
		dst.setBGRA(x+i%4, y+i/4, [4]byte{v, v, v, 0xFF})
	}
	return nil
}
