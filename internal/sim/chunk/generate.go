package chunk

import (
	"context"

	"voxelrelay.ai/internal/sim/mathx"
)

// Default palette ids used by the built-in generator.
const (
	Air uint16 = iota
	Stone
	Dirt
	Grass
	Sand
	Gravel
	CoalOre
	IronOre
)

// WorldGen is a deterministic heightmap generator. The same seed always
// yields the same chunk for the same coord.
type WorldGen struct {
	Seed int64

	// Block height of the terrain floor; columns vary up to +Relief above it.
	BaseHeight int64
	Relief     int64
	// Columns share a height within RegionSize x RegionSize blocks.
	RegionSize int64
}

func (g WorldGen) withDefaults() WorldGen {
	if g.Relief <= 0 {
		g.Relief = 8
	}
	if g.RegionSize <= 0 {
		g.RegionSize = 8
	}
	return g
}

// Generate implements loader.Generator.
func (g WorldGen) Generate(_ context.Context, c Coord) (*Chunk, error) {
	g = g.withDefaults()
	ch := New(c)
	for lz := int64(0); lz < Size; lz++ {
		for lx := int64(0); lx < Size; lx++ {
			wx := c.X*Size + lx
			wz := c.Z*Size + lz
			h := g.heightAt(wx, wz)
			for ly := int64(0); ly < Size; ly++ {
				wy := c.Y*Size + ly
				ch.blocks[index(uint8(lx), uint8(ly), uint8(lz))] = g.blockAt(wx, wy, wz, h)
			}
		}
	}
	return ch, nil
}

func (g WorldGen) heightAt(wx, wz int64) int64 {
	rx := mathx.FloorDiv(wx, g.RegionSize)
	rz := mathx.FloorDiv(wz, g.RegionSize)
	return g.BaseHeight + int64(mathx.Hash2(g.Seed, rx, rz)%uint64(g.Relief))
}

func (g WorldGen) blockAt(wx, wy, wz, height int64) uint16 {
	switch {
	case wy > height:
		return Air
	case wy == height:
		if mathx.Hash2(g.Seed+17, mathx.FloorDiv(wx, 64), mathx.FloorDiv(wz, 64))%3 == 0 {
			return Sand
		}
		return Grass
	case wy > height-3:
		return Dirt
	}
	// Ore precedence: iron is rarer than coal.
	roll := mathx.Hash3(g.Seed, wx, wy, wz) % 1000
	switch {
	case roll < 4:
		return IronOre
	case roll < 14:
		return CoalOre
	case roll < 30:
		return Gravel
	default:
		return Stone
	}
}
