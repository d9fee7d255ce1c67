package texture

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// halfOne is 1.0 as half-float bits.
var halfOne = float16.Fromfloat32(1).Bits()

type bc6hDecoder struct {
	grid
}

// Decode writes BC6H (unsigned) blocks into dst. A 4 byte-per-pixel bitmap
// receives gamma-corrected BGRA8, an 8 byte-per-pixel bitmap receives RGBA
// half floats. Reserved-mode blocks are written black and reported as
// ErrReservedMode once the whole image is done.
func (d *bc6hDecoder) Decode(dst *Bitmap, blocks []byte) error {
	if err := d.check(dst, blocks, true); err != nil {
		return err
	}
	return d.decodeRows(dst, blocks, decodeBC6HInto)
}

func decodeBC6HInto(dst *Bitmap, x, y int, block []byte) error {
	var texels [16][3]uint16
	ok := decodeBC6HBlock(block, &texels)

	for i, t := range texels {
		tx, ty := x+i%4, y+i/4
		if dst.HDR() {
			var px [4]uint16
			for c := range 3 {
				px[c] = uint16((uint32(t[c]) * 31) >> 6)
			}
			px[3] = halfOne
			dst.setHalf(tx, ty, px)
			continue
		}

		var px [4]byte
		for c := range 3 {
			px[2-c] = toneMapLDR(t[c])
		}
		px[3] = 0xFF
		dst.setBGRA(tx, ty, px)
	}

	if !ok {
		return ErrReservedMode
	}
	return nil
}

// toneMapLDR applies gamma 2.2 and a 4x exposure to an unquantized channel.
func toneMapLDR(v uint16) byte {
	f := math.Pow(float64(v)/0xFFFF, 2.2) * 0xFFFF * 4
	if f > 0xFFFF {
		f = 0xFFFF
	}
	return byte(uint16(f) >> 8)
}

func signExtend(v uint64, bits uint) int32 {
	if v>>(bits-1)&1 == 1 {
		v |= ^uint64(0) << bits
	}
	return int32(v)
}

// bc6hEndpointBits is the endpoint precision of each mode; zero marks the
// reserved selectors.
var bc6hEndpointBits = [32]uint{
	0: 10, 1: 7, 2: 11, 6: 11, 10: 11, 14: 9, 18: 8, 22: 8, 26: 8, 30: 6,
	3: 10, 7: 11, 11: 12, 15: 16,
}

// bc6hMode returns the mode selector: two bits, or five when the low two
// bits are 0b10 or 0b11.
func bc6hMode(lo uint64) uint8 {
	m := uint8(lo & 0x3)
	if m >= 2 {
		m = uint8(lo & 0x1F)
	}
	return m
}

// decodeBC6HBlock decodes one 16-byte block into interpolated, unquantized
// texels. It returns false, leaving out zeroed, for reserved modes.
func decodeBC6HBlock(block []byte, out *[16][3]uint16) bool {
	*out = [16][3]uint16{}

	lo := binary.LittleEndian.Uint64(block[0:8])
	hi := binary.LittleEndian.Uint64(block[8:16])
	bit := func(p uint) uint64 {
		if p < 64 {
			return lo >> p & 1
		}
		return hi >> (p - 64) & 1
	}

	m := bc6hMode(lo)
	epb := bc6hEndpointBits[m]
	if epb == 0 {
		return false
	}

	var e [4][3]uint64
	var d [3][3]int32

	switch m {
	case 0:
		e[0] = [3]uint64{lo >> 5 & 0x3FF, lo >> 15 & 0x3FF, lo >> 25 & 0x3FF}
		d[0] = [3]int32{signExtend(lo>>35&0x1F, 5), signExtend(lo>>45&0x1F, 5), signExtend(lo>>55&0x1F, 5)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x1F, 5),
			signExtend(lo>>41&0xF|bit(2)<<4, 5),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(3)<<4, 5),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x1F, 5),
			signExtend(lo>>51&0xF|bit(40)<<4, 5),
			signExtend(bit(50)|bit(60)<<1|bit(70)<<2|bit(76)<<3|bit(4)<<4, 5),
		}
	case 1:
		e[0] = [3]uint64{lo >> 5 & 0x7F, lo >> 15 & 0x7F, lo >> 25 & 0x7F}
		d[0] = [3]int32{signExtend(lo>>35&0x3F, 6), signExtend(lo>>45&0x3F, 6), signExtend(lo>>55&0x3F, 6)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x3F, 6),
			signExtend(lo>>41&0xF|bit(24)<<4|bit(2)<<5, 6),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(14)<<4|bit(22)<<5, 6),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x3F, 6),
			signExtend(lo>>51&0xF|(lo>>3&0x3)<<4, 6),
			signExtend(lo>>12&0x3|bit(23)<<2|bit(32)<<3|bit(34)<<4|bit(33)<<5, 6),
		}
	case 2:
		e[0] = [3]uint64{lo>>5&0x3FF | bit(40)<<10, lo>>15&0x3FF | bit(49)<<10, lo>>25&0x3FF | bit(59)<<10}
		d[0] = [3]int32{signExtend(lo>>35&0x1F, 5), signExtend(lo>>45&0xF, 4), signExtend(lo>>55&0xF, 4)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x1F, 5),
			signExtend(lo>>41&0xF, 4),
			signExtend(lo>>61&0x7|bit(64)<<3, 4),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x1F, 5),
			signExtend(lo>>51&0xF, 4),
			signExtend(bit(50)|bit(60)<<1|bit(70)<<2|bit(76)<<3, 4),
		}
	case 6:
		e[0] = [3]uint64{lo>>5&0x3FF | bit(39)<<10, lo>>15&0x3FF | bit(50)<<10, lo>>25&0x3FF | bit(59)<<10}
		d[0] = [3]int32{signExtend(lo>>35&0xF, 4), signExtend(lo>>45&0x1F, 5), signExtend(lo>>55&0xF, 4)}
		d[1] = [3]int32{
			signExtend(hi>>1&0xF, 4),
			signExtend(lo>>41&0xF|bit(75)<<4, 5),
			signExtend(lo>>61&0x7|bit(64)<<3, 4),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0xF, 4),
			signExtend(lo>>51&0xF|bit(40)<<4, 5),
			signExtend(bit(69)|bit(60)<<1|bit(70)<<2|bit(76)<<3, 4),
		}
	case 10:
		e[0] = [3]uint64{lo>>5&0x3FF | bit(39)<<10, lo>>15&0x3FF | bit(49)<<10, lo>>25&0x3FF | bit(60)<<10}
		d[0] = [3]int32{signExtend(lo>>35&0xF, 4), signExtend(lo>>45&0xF, 4), signExtend(lo>>55&0x1F, 5)}
		d[1] = [3]int32{
			signExtend(hi>>1&0xF, 4),
			signExtend(lo>>41&0xF, 4),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(40)<<4, 5),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0xF, 4),
			signExtend(lo>>51&0xF, 4),
			signExtend(bit(50)|bit(69)<<1|bit(70)<<2|bit(76)<<3|bit(75)<<4, 5),
		}
	case 14:
		e[0] = [3]uint64{lo >> 5 & 0x1FF, lo >> 15 & 0x1FF, lo >> 25 & 0x1FF}
		d[0] = [3]int32{signExtend(lo>>35&0x1F, 5), signExtend(lo>>45&0x1F, 5), signExtend(lo>>55&0x1F, 5)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x1F, 5),
			signExtend(lo>>41&0xF|bit(24)<<4, 5),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(14)<<4, 5),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x1F, 5),
			signExtend(lo>>51&0xF|bit(40)<<4, 5),
			signExtend(bit(50)|bit(60)<<1|bit(70)<<2|bit(76)<<3|bit(34)<<4, 5),
		}
	case 18:
		e[0] = [3]uint64{lo >> 5 & 0xFF, lo >> 15 & 0xFF, lo >> 25 & 0xFF}
		d[0] = [3]int32{signExtend(lo>>35&0x3F, 6), signExtend(lo>>45&0x1F, 5), signExtend(lo>>55&0x1F, 5)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x3F, 6),
			signExtend(lo>>41&0xF|bit(24)<<4, 5),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(14)<<4, 5),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x3F, 6),
			signExtend(lo>>51&0xF|bit(13)<<4, 5),
			signExtend(bit(50)|bit(60)<<1|bit(23)<<2|bit(33)<<3|bit(34)<<4, 5),
		}
	case 22:
		e[0] = [3]uint64{lo >> 5 & 0xFF, lo >> 15 & 0xFF, lo >> 25 & 0xFF}
		d[0] = [3]int32{signExtend(lo>>35&0x1F, 5), signExtend(lo>>45&0x3F, 6), signExtend(lo>>55&0x1F, 5)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x1F, 5),
			signExtend(lo>>41&0xF|bit(24)<<4|bit(23)<<5, 6),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(14)<<4, 5),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x1F, 5),
			signExtend(lo>>51&0xF|bit(40)<<4|bit(33)<<5, 6),
			signExtend(bit(13)|bit(60)<<1|bit(70)<<2|bit(76)<<3|bit(34)<<4, 5),
		}
	case 26:
		e[0] = [3]uint64{lo >> 5 & 0xFF, lo >> 15 & 0xFF, lo >> 25 & 0xFF}
		d[0] = [3]int32{signExtend(lo>>35&0x1F, 5), signExtend(lo>>45&0x1F, 5), signExtend(lo>>55&0x3F, 6)}
		d[1] = [3]int32{
			signExtend(hi>>1&0x1F, 5),
			signExtend(lo>>41&0xF|bit(24)<<4, 5),
			signExtend(lo>>61&0x7|bit(64)<<3|bit(14)<<4|bit(23)<<5, 6),
		}
		d[2] = [3]int32{
			signExtend(hi>>7&0x1F, 5),
			signExtend(lo>>51&0xF|bit(40)<<4, 5),
			signExtend(bit(50)|bit(13)<<1|bit(70)<<2|bit(76)<<3|bit(34)<<4|bit(33)<<5, 6),
		}
	case 30:
		e[0] = [3]uint64{lo >> 5 & 0x3F, lo >> 15 & 0x3F, lo >> 25 & 0x3F}
		e[1] = [3]uint64{lo >> 35 & 0x3F, lo >> 45 & 0x3F, lo >> 55 & 0x3F}
		e[2] = [3]uint64{
			hi >> 1 & 0x3F,
			lo>>41&0xF | bit(24)<<4 | bit(21)<<5,
			lo>>61&0x7 | bit(64)<<3 | bit(14)<<4 | bit(22)<<5,
		}
		e[3] = [3]uint64{
			hi >> 7 & 0x3F,
			lo>>51&0xF | bit(11)<<4 | bit(31)<<5,
			lo>>12&0x3 | bit(23)<<2 | bit(32)<<3 | bit(34)<<4 | bit(33)<<5,
		}
	case 3:
		e[0] = [3]uint64{lo >> 5 & 0x3FF, lo >> 15 & 0x3FF, lo >> 25 & 0x3FF}
		e[1] = [3]uint64{lo >> 35 & 0x3FF, lo >> 45 & 0x3FF, lo>>55&0x1FF | (hi&0x1)<<9}
	case 7:
		e[0] = [3]uint64{lo>>5&0x3FF | bit(44)<<10, lo>>15&0x3FF | bit(54)<<10, lo>>25&0x3FF | bit(64)<<10}
		d[0] = [3]int32{signExtend(lo>>35&0x1FF, 9), signExtend(lo>>45&0x1FF, 9), signExtend(lo>>55&0x1FF, 9)}
	case 11:
		e[0] = [3]uint64{
			lo>>5&0x3FF | bit(44)<<10 | bit(43)<<11,
			lo>>15&0x3FF | bit(54)<<10 | bit(53)<<11,
			lo>>25&0x3FF | bit(64)<<10 | bit(63)<<11,
		}
		d[0] = [3]int32{signExtend(lo>>35&0xFF, 8), signExtend(lo>>45&0xFF, 8), signExtend(lo>>55&0xFF, 8)}
	case 15:
		e[0] = [3]uint64{
			lo>>5&0x3FF | bit(44)<<10 | bit(43)<<11 | bit(42)<<12 | bit(41)<<13 | bit(40)<<14 | bit(39)<<15,
			lo>>15&0x3FF | bit(54)<<10 | bit(53)<<11 | bit(52)<<12 | bit(51)<<13 | bit(50)<<14 | bit(49)<<15,
			lo>>25&0x3FF | bit(64)<<10 | bit(63)<<11 | bit(62)<<12 | bit(61)<<13 | bit(60)<<14 | bit(59)<<15,
		}
		d[0] = [3]int32{signExtend(lo>>35&0xF, 4), signExtend(lo>>45&0xF, 4), signExtend(lo>>55&0xF, 4)}
	}

	epm := uint64(1)<<epb - 1

	// Modes 3 and 30 store every endpoint directly.
	if m != 3 && m != 30 {
		for s := range 3 {
			for c := range 3 {
				e[s+1][c] = uint64(int64(e[0][c])+int64(d[s][c])) & epm
			}
		}
	}

	var endpoints [4][3]uint16
	for s := range 4 {
		for c := range 3 {
			endpoints[s][c] = bc6hUnquantize(e[s][c], epb, epm)
		}
	}

	twoSubset := m&3 != 3
	var partition uint8
	var indexBits uint64
	if twoSubset {
		partition = uint8(hi >> 13 & 0x1F)
		indexBits = hi >> 18
	} else {
		indexBits = hi >> 1
	}

	idx, _ := bc6hTexelIndices(twoSubset, partition, indexBits)
	for i := range 16 {
		var subset int
		var w uint32
		if twoSubset {
			subset = int(bptcPartition2[partition][i]) * 2
			w = bptcWeights3[idx[i]]
		} else {
			w = bptcWeights4[idx[i]]
		}
		for c := range 3 {
			out[i][c] = bptcInterpolate(w, endpoints[subset][c], endpoints[subset+1][c])
		}
	}
	return true
}

// bc6hTexelIndices splits the index bits into per-texel indices. Anchor
// texels store one bit less. It also returns the number of bits consumed.
func bc6hTexelIndices(twoSubset bool, partition uint8, ib uint64) ([16]uint8, int) {
	var idx [16]uint8
	consumed := 0
	for i := range 16 {
		n := 4
		anchor := i == 0
		if twoSubset {
			n = 3
			anchor = anchor || i == int(bptcAnchor2[partition])
		}
		if anchor {
			n--
		}
		idx[i] = uint8(ib & (1<<n - 1))
		ib >>= n
		consumed += n
	}
	return idx, consumed
}

func bc6hUnquantize(e uint64, epb uint, epm uint64) uint16 {
	switch {
	case epb >= 15:
		return uint16(e)
	case e == 0:
		return 0
	case e == epm:
		return 0xFFFF
	}
	return uint16(((e << 15) + 0x4000) >> (epb - 1))
}
