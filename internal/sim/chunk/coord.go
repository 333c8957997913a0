package chunk

import (
	"fmt"

	"voxelrelay.ai/internal/sim/mathx"
)

// Size is the edge length of a chunk in blocks, on every axis.
const Size = 16

// Volume is the number of blocks held by one chunk.
const Volume = Size * Size * Size

// Coord addresses a chunk in chunk-grid units.
type Coord struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int64 `json:"z"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

func (c Coord) Add(dx, dy, dz int64) Coord {
	return Coord{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// Chebyshev returns the largest per-axis distance between a and b.
func Chebyshev(a, b Coord) int64 {
	d := mathx.AbsInt64(a.X - b.X)
	d = mathx.MaxInt64(d, mathx.AbsInt64(a.Y-b.Y))
	return mathx.MaxInt64(d, mathx.AbsInt64(a.Z-b.Z))
}

// Manhattan returns the sum of per-axis distances between a and b.
func Manhattan(a, b Coord) int64 {
	return mathx.AbsInt64(a.X-b.X) + mathx.AbsInt64(a.Y-b.Y) + mathx.AbsInt64(a.Z-b.Z)
}

// FromBlock maps a world block position to the chunk containing it and the
// offset inside that chunk.
func FromBlock(x, y, z int64) (Coord, [3]uint8) {
	c := Coord{
		X: mathx.FloorDiv(x, Size),
		Y: mathx.FloorDiv(y, Size),
		Z: mathx.FloorDiv(z, Size),
	}
	off := [3]uint8{
		uint8(mathx.Mod(x, Size)),
		uint8(mathx.Mod(y, Size)),
		uint8(mathx.Mod(z, Size)),
	}
	return c, off
}

// Cube lists every coord within Chebyshev distance radius of center, x
// fastest then z then y. radius < 0 yields nothing.
func Cube(center Coord, radius int) []Coord {
	if radius < 0 {
		return nil
	}
	r := int64(radius)
	side := 2*r + 1
	out := make([]Coord, 0, side*side*side)
	for dy := -r; dy <= r; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				out = append(out, center.Add(dx, dy, dz))
			}
		}
	}
	return out
}

// Less orders coords by x, then y, then z.
func Less(a, b Coord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
