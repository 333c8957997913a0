package entity

import (
	"math"

	"voxelrelay.ai/internal/sim/chunk"
)

// ID is a stable numeric entity identifier.
type ID uint64

// Vec3 is a world-space position in blocks.
type Vec3 struct {
	X, Y, Z float64
}

// Position is an entity's chunk-relative location.
//
// Previous is the chunk that was current when the last tick finished. Only
// Store.Tick advances it, after the ticket and relevancy passes ran.
type Position struct {
	Chunk    chunk.Coord
	Offset   Vec3
	Previous chunk.Coord
}

// PositionAt resolves a world position to chunk + offset. The previous chunk
// is set to the same chunk.
func PositionAt(v Vec3) Position {
	c, _ := chunk.FromBlock(int64(math.Floor(v.X)), int64(math.Floor(v.Y)), int64(math.Floor(v.Z)))
	p := Position{Chunk: c, Previous: c}
	p.Offset = Vec3{
		X: v.X - float64(c.X*chunk.Size),
		Y: v.Y - float64(c.Y*chunk.Size),
		Z: v.Z - float64(c.Z*chunk.Size),
	}
	return p
}

// World returns the world-space position.
func (p Position) World() Vec3 {
	return Vec3{
		X: float64(p.Chunk.X*chunk.Size) + p.Offset.X,
		Y: float64(p.Chunk.Y*chunk.Size) + p.Offset.Y,
		Z: float64(p.Chunk.Z*chunk.Size) + p.Offset.Z,
	}
}

// Snapshot is the replicated view of one entity at one version.
type Snapshot struct {
	ID         ID
	Version    uint64
	Position   Vec3
	Components map[string]any
}

// TicketHolder is an entity that keeps chunks loaded around itself.
type TicketHolder struct {
	ID       ID
	Position Position
	Radius   int
}

// Spec describes an entity to spawn.
type Spec struct {
	Position   Vec3
	Replicated bool
	// TicketRadius < 0 means the entity holds no chunk ticket.
	TicketRadius int
	Components   map[string]any
}
