package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame markers prefixed to every stored body.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// compressThreshold is the body size below which compression is not worth the CPU.
const compressThreshold = 256

// EncodeAll and DecodeAll are safe for concurrent use on shared instances.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Pack frames data, compressing it with zstd when it is large enough.
func Pack(data []byte) []byte {
	if len(data) < compressThreshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...)
	}
	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(data, out)
}

// Unpack reverses Pack.
func Unpack(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		out, err := zstdDecoder.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame marker 0x%02x", framed[0])
	}
}
