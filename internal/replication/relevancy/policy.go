package relevancy

import (
	"sort"

	"voxelrelay.ai/internal/sim/chunk"
)

// WantedChunks returns the chunks within Chebyshev distance radius of
// center, nearest first by Manhattan distance with ties broken by x, y, z,
// clipped to maxChunks.
func WantedChunks(center chunk.Coord, radius int, maxChunks int) []chunk.Coord {
	if radius < 0 {
		radius = 0
	}
	cube := chunk.Cube(center, radius)
	sort.Slice(cube, func(i, j int) bool {
		di := chunk.Manhattan(center, cube[i])
		dj := chunk.Manhattan(center, cube[j])
		if di != dj {
			return di < dj
		}
		return chunk.Less(cube[i], cube[j])
	})
	if maxChunks > 0 && len(cube) > maxChunks {
		cube = cube[:maxChunks]
	}
	return cube
}

func sortCoords(cs []chunk.Coord) {
	sort.Slice(cs, func(i, j int) bool { return chunk.Less(cs[i], cs[j]) })
}
