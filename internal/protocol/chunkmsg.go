package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"voxelrelay.ai/internal/sim/chunk"
)

// ChunkMsgKind tags a frame on the chunk-data channel.
type ChunkMsgKind uint8

const (
	ChunkData  ChunkMsgKind = 1
	ChunkEvict ChunkMsgKind = 2
)

func (k ChunkMsgKind) String() string {
	switch k {
	case ChunkData:
		return "data"
	case ChunkEvict:
		return "evict"
	default:
		return fmt.Sprintf("ChunkMsgKind(%d)", uint8(k))
	}
}

var ErrBadChunkMsg = errors.New("bad chunk message")

// ChunkMsg is a chunk-data channel frame:
//
//	kind(1) | varint x | varint y | varint z | payload
//
// Payload is the chunk payload encoding (ChunkData only).
type ChunkMsg struct {
	Kind    ChunkMsgKind
	Coord   chunk.Coord
	Payload []byte
}

func AppendChunkMsg(dst []byte, m ChunkMsg) []byte {
	dst = append(dst, byte(m.Kind))
	dst = binary.AppendVarint(dst, m.Coord.X)
	dst = binary.AppendVarint(dst, m.Coord.Y)
	dst = binary.AppendVarint(dst, m.Coord.Z)
	if m.Kind == ChunkData {
		dst = append(dst, m.Payload...)
	}
	return dst
}

// EncodeChunkMsg validates and encodes m.
func EncodeChunkMsg(m ChunkMsg) ([]byte, error) {
	switch m.Kind {
	case ChunkData:
		if len(m.Payload) == 0 {
			return nil, fmt.Errorf("%w: data for %s without payload", ErrSerialization, m.Coord)
		}
	case ChunkEvict:
	default:
		return nil, fmt.Errorf("%w: chunk message kind %d", ErrSerialization, m.Kind)
	}
	return AppendChunkMsg(make([]byte, 0, 16+len(m.Payload)), m), nil
}

// DecodeChunkMsg parses a frame. The payload aliases b.
func DecodeChunkMsg(b []byte) (ChunkMsg, error) {
	if len(b) == 0 {
		return ChunkMsg{}, ErrBadChunkMsg
	}
	m := ChunkMsg{Kind: ChunkMsgKind(b[0])}
	if m.Kind != ChunkData && m.Kind != ChunkEvict {
		return ChunkMsg{}, fmt.Errorf("%w: kind %d", ErrBadChunkMsg, b[0])
	}
	rest := b[1:]
	var xyz [3]int64
	for i := range xyz {
		v, n := binary.Varint(rest)
		if n <= 0 {
			return ChunkMsg{}, fmt.Errorf("%w: coord", ErrBadChunkMsg)
		}
		xyz[i] = v
		rest = rest[n:]
	}
	m.Coord = chunk.Coord{X: xyz[0], Y: xyz[1], Z: xyz[2]}
	if m.Kind == ChunkData {
		if len(rest) == 0 {
			return ChunkMsg{}, fmt.Errorf("%w: empty payload", ErrBadChunkMsg)
		}
		m.Payload = rest
	} else if len(rest) != 0 {
		return ChunkMsg{}, fmt.Errorf("%w: trailing bytes", ErrBadChunkMsg)
	}
	return m, nil
}
