package relevancy

import (
	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/chunkcache"
)

// Chunks resolves resident chunks. *chunkcache.Cache implements it.
type Chunks interface {
	Get(c chunk.Coord) (*chunkcache.Strong, bool)
}

// chunkState tracks what a viewer was sent for one chunk.
type chunkState struct {
	sent   bool
	digest [32]byte
}

type payloadKey struct {
	coord  chunk.Coord
	digest [32]byte
}

// stepChunks returns the chunk-data messages for v after its set became
// next: evictions for chunks that left and had been sent, then full data
// for chunks that are new or changed, nearest first, at most budget of them.
// Chunks that are not resident yet are picked up on a later tick.
func (e *Engine) stepChunks(v *Viewer, next Set, chunks Chunks) []protocol.ChunkMsg {
	var msgs []protocol.ChunkMsg

	var left []chunk.Coord
	for c, st := range v.chunks {
		if next.HasChunk(c) {
			continue
		}
		if st.sent {
			left = append(left, c)
		}
		delete(v.chunks, c)
	}
	sortCoords(left)
	for _, c := range left {
		msgs = append(msgs, protocol.ChunkMsg{Kind: protocol.ChunkEvict, Coord: c})
	}

	if chunks == nil {
		return msgs
	}
	budget := e.cfg.MaxFullChunksPerTick
	for _, c := range next.chunks {
		if budget <= 0 {
			break
		}
		st := v.chunks[c]
		if st == nil {
			st = &chunkState{}
			v.chunks[c] = st
		}
		ref, ok := chunks.Get(c)
		if !ok {
			continue
		}
		ch := ref.Chunk()
		d := ch.Digest()
		if st.sent && st.digest == d {
			ref.Release()
			continue
		}
		payload := e.payload(c, ch, d)
		ref.Release()
		msgs = append(msgs, protocol.ChunkMsg{Kind: protocol.ChunkData, Coord: c, Payload: payload})
		st.sent = true
		st.digest = d
		budget--
	}
	return msgs
}

func (e *Engine) payload(c chunk.Coord, ch *chunk.Chunk, d [32]byte) []byte {
	k := payloadKey{coord: c, digest: d}
	if p, ok := e.payloads.Get(k); ok {
		return p
	}
	p := chunk.EncodePayload(ch)
	e.payloads.Add(k, p)
	return p
}
