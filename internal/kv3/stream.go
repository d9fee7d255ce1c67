package kv3

import (
	"encoding/binary"
	"fmt"
	"math"
)

// cursor walks one lane of the payload. Every read is bounds checked
// against the lane, never against the whole buffer.
type cursor struct {
	name string
	buf  []byte
	pos  int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("%w: %s lane overrun at %d reading %d of %d bytes", ErrStreamDesync, c.name, c.pos, n, len(c.buf))
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) f32() (float32, error) {
	v, err := c.u32()
	return math.Float32frombits(v), err
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) f64() (float64, error) {
	v, err := c.u64()
	return math.Float64frombits(v), err
}

// remaining is the unread byte count.
func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

// done asserts the lane was consumed exactly.
func (c *cursor) done() error {
	if c.pos != len(c.buf) {
		return fmt.Errorf("%w: %s lane has %d unread bytes", ErrStreamDesync, c.name, len(c.buf)-c.pos)
	}
	return nil
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
