package migration

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// frame flags for the wire format written by Compress / read by Decompress:
// a 1-byte flag, a 4-byte little-endian uncompressed length, then payload.
const (
	flagRaw  byte = 0
	flagLZ4  byte = 1
	frameHdr      = 1 + 4
)

// Compress LZ4-block-compresses data and frames it for the wire. If the
// compressed form isn't smaller than the original (small or incompressible
// pages, e.g. the tail page of a mostly-zero memory), the frame carries the
// raw bytes instead — compression is a size optimization, never mandatory.
func Compress(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, bound)

	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, compressed, ht[:])
	if err != nil {
		return nil, fmt.Errorf("migration: lz4 compress: %w", err)
	}

	if n == 0 || n >= len(data) {
		return frame(flagRaw, data, data), nil
	}
	return frame(flagLZ4, data, compressed[:n]), nil
}

func frame(flag byte, original, payload []byte) []byte {
	out := make([]byte, frameHdr+len(payload))
	out[0] = flag
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(original)))
	copy(out[frameHdr:], payload)
	return out
}

// Decompress reverses Compress, restoring the exact original byte slice.
func Decompress(framed []byte) ([]byte, error) {
	if len(framed) < frameHdr {
		return nil, fmt.Errorf("migration: frame too short: %d bytes", len(framed))
	}

	flag := framed[0]
	originalLen := binary.LittleEndian.Uint32(framed[1:5])
	payload := framed[frameHdr:]

	switch flag {
	case flagRaw:
		if uint32(len(payload)) != originalLen {
			return nil, fmt.Errorf("migration: raw frame length mismatch: got %d want %d", len(payload), originalLen)
		}
		return append([]byte(nil), payload...), nil
	case flagLZ4:
		out := make([]byte, originalLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("migration: lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("migration: unknown frame flag %d", flag)
	}
}
