package chunkcache

import (
	"sort"
	"sync"

	"voxelrelay.ai/internal/sim/chunk"
)

// Cache maps chunk coords to weak handles. It never keeps a chunk alive.
type Cache struct {
	mu      sync.Mutex
	entries map[chunk.Coord]Weak
}

func New() *Cache {
	return &Cache{entries: map[chunk.Coord]Weak{}}
}

// Insert registers w for c, overwriting any previous (dead or stale) entry.
func (c *Cache) Insert(coord chunk.Coord, w Weak) {
	c.mu.Lock()
	c.entries[coord] = w
	c.mu.Unlock()
}

// Find returns the registered handle for coord. The caller must Upgrade it;
// a failed upgrade means the chunk was evicted and counts as a miss.
func (c *Cache) Find(coord chunk.Coord) (Weak, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.entries[coord]
	return w, ok
}

func (c *Cache) Remove(coord chunk.Coord) {
	c.mu.Lock()
	delete(c.entries, coord)
	c.mu.Unlock()
}

// Get looks coord up and upgrades it in one step. Stale entries are dropped
// on the way so the map reconciles lazily.
func (c *Cache) Get(coord chunk.Coord) (*Strong, bool) {
	w, ok := c.Find(coord)
	if !ok {
		return nil, false
	}
	if ref, ok := w.Upgrade(); ok {
		return ref, true
	}
	c.mu.Lock()
	if cur, ok := c.entries[coord]; ok && cur.h == w.h && cur.arena == w.arena {
		delete(c.entries, coord)
	}
	c.mu.Unlock()
	return nil, false
}

// Sweep removes every entry whose chunk is no longer resident and returns
// how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, w := range c.entries {
		if !w.Alive() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Coords returns the registered coords in x,y,z order, including entries that
// may be stale.
func (c *Cache) Coords() []chunk.Coord {
	c.mu.Lock()
	out := make([]chunk.Coord, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return chunk.Less(out[i], out[j]) })
	return out
}
