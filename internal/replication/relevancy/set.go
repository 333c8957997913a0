package relevancy

import (
	"sort"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
)

// Set is what one viewer currently knows about: the relevant chunks and, per
// relevant entity, the last version replicated to it.
type Set struct {
	chunks   []chunk.Coord
	chunkIdx map[chunk.Coord]struct{}
	entities map[entity.ID]uint64
}

func newSet(chunks []chunk.Coord) Set {
	s := Set{
		chunks:   chunks,
		chunkIdx: make(map[chunk.Coord]struct{}, len(chunks)),
		entities: map[entity.ID]uint64{},
	}
	for _, c := range chunks {
		s.chunkIdx[c] = struct{}{}
	}
	return s
}

// Chunks returns the relevant chunks, nearest first.
func (s Set) Chunks() []chunk.Coord {
	out := make([]chunk.Coord, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s Set) HasChunk(c chunk.Coord) bool {
	_, ok := s.chunkIdx[c]
	return ok
}

func (s Set) HasEntity(id entity.ID) bool {
	_, ok := s.entities[id]
	return ok
}

// Version returns the last replicated version of id.
func (s Set) Version(id entity.ID) (uint64, bool) {
	v, ok := s.entities[id]
	return v, ok
}

// Entities returns the relevant entity ids in ascending order.
func (s Set) Entities() []entity.ID {
	out := make([]entity.ID, 0, len(s.entities))
	for id := range s.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set) Len() (chunks, entities int) { return len(s.chunks), len(s.entities) }
