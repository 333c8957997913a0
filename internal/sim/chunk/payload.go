package chunk

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	simenc "voxelrelay.ai/internal/sim/encoding"
)

const payloadVersion = 1

var ErrBadPayload = errors.New("chunk: bad payload")

// Encoders are safe for concurrent EncodeAll/DecodeAll use.
var (
	payloadEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	payloadDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodePayload serializes the chunk's blocks as a version byte followed by
// zstd(RLE(blocks)).
func EncodePayload(c *Chunk) []byte {
	return EncodeBlocks(c.Blocks())
}

func EncodeBlocks(blocks []uint16) []byte {
	raw := simenc.AppendRLE(make([]byte, 0, 256), blocks)
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = payloadVersion
	return payloadEnc.EncodeAll(raw, out)
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(c Coord, payload []byte) (*Chunk, error) {
	blocks, err := DecodeBlocks(payload)
	if err != nil {
		return nil, err
	}
	return NewWithBlocks(c, blocks), nil
}

func DecodeBlocks(payload []byte) ([]uint16, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if payload[0] != payloadVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadPayload, payload[0])
	}
	raw, err := payloadDec.DecodeAll(payload[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrBadPayload, err)
	}
	blocks, err := simenc.DecodeRLE(raw, Volume)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(blocks) != Volume {
		return nil, fmt.Errorf("%w: %d blocks", ErrBadPayload, len(blocks))
	}
	return blocks, nil
}
