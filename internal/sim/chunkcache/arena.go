// Package chunkcache tracks loaded chunks without owning them.
//
// Ownership lives in Strong references handed out by an Arena. The Cache only
// stores Weak handles (slot index + generation); once the last Strong for a
// slot is released the slot generation advances and every Weak pointing at it
// fails to upgrade.
package chunkcache

import (
	"sync"

	"voxelrelay.ai/internal/sim/chunk"
)

// Handle identifies one occupancy of an arena slot.
type Handle struct {
	Index uint32
	Gen   uint32
}

type slot struct {
	gen   uint32
	refs  int32
	chunk *chunk.Chunk
}

// Arena is a generation-checked slot allocator for chunks.
type Arena struct {
	mu      sync.Mutex
	slots   []slot
	free    []uint32
	live    int
	onEvict func(c *chunk.Chunk, live int)
}

// NewArena returns an empty arena. onEvict, if set, is called with every
// chunk whose last strong reference was released and the number of chunks
// still live. It runs under the arena lock, in the same critical section that
// makes the slot's handles stale, so it must not call back into the arena and
// may only take leaf locks.
func NewArena(onEvict func(c *chunk.Chunk, live int)) *Arena {
	return &Arena{onEvict: onEvict}
}

// Alloc stores c in a fresh slot and returns the first strong reference to it.
func (a *Arena) Alloc(c *chunk.Chunk) *Strong {
	a.mu.Lock()
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.refs = 1
	s.chunk = c
	a.live++
	h := Handle{Index: idx, Gen: s.gen}
	a.mu.Unlock()
	return &Strong{arena: a, h: h, chunk: c}
}

// Live returns the number of occupied slots.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *Arena) upgrade(h Handle) (*Strong, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.Index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.Index]
	if s.gen != h.Gen || s.refs <= 0 {
		return nil, false
	}
	s.refs++
	return &Strong{arena: a, h: h, chunk: s.chunk}, true
}

func (a *Arena) alive(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.Index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.Index]
	return s.gen == h.Gen && s.refs > 0
}

func (a *Arena) release(h Handle) {
	a.mu.Lock()
	s := &a.slots[h.Index]
	if s.gen != h.Gen || s.refs <= 0 {
		a.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		a.mu.Unlock()
		return
	}
	evicted := s.chunk
	s.chunk = nil
	s.gen++
	a.free = append(a.free, h.Index)
	a.live--
	if a.onEvict != nil && evicted != nil {
		a.onEvict(evicted, a.live)
	}
	a.mu.Unlock()
}

// Strong keeps its chunk resident until Release is called.
type Strong struct {
	arena *Arena
	h     Handle
	chunk *chunk.Chunk
	once  sync.Once
}

func (s *Strong) Chunk() *chunk.Chunk { return s.chunk }

func (s *Strong) Handle() Handle { return s.h }

// Weak returns a non-owning handle to the same slot.
func (s *Strong) Weak() Weak { return Weak{arena: s.arena, h: s.h} }

// Clone takes an additional strong reference to the same chunk.
func (s *Strong) Clone() *Strong {
	ref, ok := s.arena.upgrade(s.h)
	if !ok {
		// s itself is live, so the slot cannot have been recycled.
		panic("chunkcache: clone of released strong reference")
	}
	return ref
}

// Release drops this reference. Calling it more than once is a no-op.
func (s *Strong) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.arena.release(s.h) })
}

// Weak observes a slot without keeping it alive.
type Weak struct {
	arena *Arena
	h     Handle
}

func (w Weak) Handle() Handle { return w.h }

// Upgrade returns a new strong reference if the chunk is still resident.
func (w Weak) Upgrade() (*Strong, bool) {
	if w.arena == nil {
		return nil, false
	}
	return w.arena.upgrade(w.h)
}

// Alive reports whether Upgrade would currently succeed.
func (w Weak) Alive() bool {
	return w.arena != nil && w.arena.alive(w.h)
}
