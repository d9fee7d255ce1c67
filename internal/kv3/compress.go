package kv3

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Shared zstd codecs; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("kv3: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		panic("kv3: zstd decoder initialization failed: " + err.Error())
	}
}

func checkPayloadSize(size uint32) error {
	if size > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrDecompression, size, maxPayloadSize)
	}
	return nil
}

func decompressLZ4(src []byte, size uint32) ([]byte, error) {
	if err := checkPayloadSize(size); err != nil {
		return nil, err
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrDecompression, n, size)
	}
	return dst, nil
}

func decompressZstd(src []byte, size uint32) ([]byte, error) {
	if err := checkPayloadSize(size); err != nil {
		return nil, err
	}
	out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
	}
	if len(out) != int(size) {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", ErrDecompression, len(out), size)
	}
	return out, nil
}

// compressLZ4 always returns a valid LZ4 block, falling back to a
// literal-only block when the input does not compress.
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return storeLZ4(data), nil
	}
	return dst[:n], nil
}

// storeLZ4 encodes data as a single LZ4 sequence of literals.
func storeLZ4(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/255+2)
	n := len(data)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, data...)
}

func compressZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}
