package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// LoadState tracks a chunk through the loader pipeline.
type LoadState int32

const (
	Pending LoadState = iota
	Loading
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is one Size^3 voxel region. Block access is safe for concurrent use.
type Chunk struct {
	coord Coord
	state atomic.Int32

	mu     sync.RWMutex
	blocks []uint16 // len = Volume; x fastest, then z, then y
	dirty  bool     // modified since last load/save
	stale  bool     // digest needs recomputation
	hash   [32]byte
}

func New(c Coord) *Chunk {
	ch := &Chunk{
		coord:  c,
		blocks: make([]uint16, Volume),
		stale:  true,
	}
	return ch
}

// NewWithBlocks adopts blocks, which must have length Volume.
func NewWithBlocks(c Coord, blocks []uint16) *Chunk {
	if len(blocks) != Volume {
		panic("chunk: block slice has wrong length")
	}
	return &Chunk{coord: c, blocks: blocks, stale: true}
}

func (c *Chunk) Coord() Coord { return c.coord }

func (c *Chunk) State() LoadState { return LoadState(c.state.Load()) }

func (c *Chunk) SetState(s LoadState) { c.state.Store(int32(s)) }

func index(x, y, z uint8) int {
	return int(x) + int(z)*Size + int(y)*Size*Size
}

func (c *Chunk) Get(x, y, z uint8) uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[index(x, y, z)]
}

func (c *Chunk) Set(x, y, z uint8, b uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := index(x, y, z)
	if c.blocks[i] == b {
		return
	}
	c.blocks[i] = b
	c.dirty = true
	c.stale = true
}

// Dirty reports whether the chunk was modified since it was loaded or saved.
func (c *Chunk) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// MarkDirty flags the chunk for write-back without changing any block.
func (c *Chunk) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *Chunk) MarkClean() {
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
}

// Blocks returns a copy of the block array.
func (c *Chunk) Blocks() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint16, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Chunk) Digest() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.stale = false
	}
	return c.hash
}
