package chunkcache

import (
	"testing"

	"voxelrelay.ai/internal/sim/chunk"
)

func TestFindMissingReturnsFalse(t *testing.T) {
	c := New()
	if _, ok := c.Find(chunk.Coord{X: 1}); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestReleaseMakesWeakStale(t *testing.T) {
	var evicted []chunk.Coord
	a := NewArena(func(ch *chunk.Chunk, _ int) { evicted = append(evicted, ch.Coord()) })
	c := New()

	coord := chunk.Coord{X: 5, Y: 5, Z: 5}
	ref := a.Alloc(chunk.New(coord))
	c.Insert(coord, ref.Weak())

	got, ok := c.Get(coord)
	if !ok || got.Chunk().Coord() != coord {
		t.Fatalf("expected live hit for %v", coord)
	}
	got.Release()
	if _, ok := c.Get(coord); !ok {
		t.Fatalf("chunk should survive while the first ref is held")
	}

	ref.Release()
	ref.Release() // idempotent
	if len(evicted) != 1 || evicted[0] != coord {
		t.Fatalf("evicted=%v want [%v]", evicted, coord)
	}

	w, ok := c.Find(coord)
	if !ok {
		t.Fatalf("stale entry should still be findable before reconciliation")
	}
	if _, ok := w.Upgrade(); ok {
		t.Fatalf("upgrade of evicted chunk must fail")
	}
	if _, ok := c.Get(coord); ok {
		t.Fatalf("Get must treat stale entry as miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Get should drop the stale entry, len=%d", c.Len())
	}
}

func TestSlotReuseDoesNotResurrectOldHandle(t *testing.T) {
	a := NewArena(nil)
	old := a.Alloc(chunk.New(chunk.Coord{X: 1}))
	w := old.Weak()
	old.Release()

	fresh := a.Alloc(chunk.New(chunk.Coord{X: 2}))
	defer fresh.Release()
	if fresh.Handle().Index != w.Handle().Index {
		t.Fatalf("expected slot reuse")
	}
	if _, ok := w.Upgrade(); ok {
		t.Fatalf("old generation must not upgrade onto the reused slot")
	}
	if a.Live() != 1 {
		t.Fatalf("live=%d want 1", a.Live())
	}
}

func TestSweepRemovesOnlyDeadEntries(t *testing.T) {
	a := NewArena(nil)
	c := New()
	keep := a.Alloc(chunk.New(chunk.Coord{X: 1}))
	drop := a.Alloc(chunk.New(chunk.Coord{X: 2}))
	c.Insert(chunk.Coord{X: 1}, keep.Weak())
	c.Insert(chunk.Coord{X: 2}, drop.Weak())
	drop.Release()

	if n := c.Sweep(); n != 1 {
		t.Fatalf("swept=%d want 1", n)
	}
	coords := c.Coords()
	if len(coords) != 1 || coords[0] != (chunk.Coord{X: 1}) {
		t.Fatalf("coords=%v", coords)
	}
	keep.Release()
}

func TestCloneKeepsChunkAlive(t *testing.T) {
	a := NewArena(nil)
	ref := a.Alloc(chunk.New(chunk.Coord{}))
	clone := ref.Clone()
	w := ref.Weak()
	ref.Release()
	if !w.Alive() {
		t.Fatalf("clone should keep the slot alive")
	}
	clone.Release()
	if w.Alive() {
		t.Fatalf("slot should be dead after last release")
	}
}

func TestRemoveForgetsEntry(t *testing.T) {
	a := NewArena(nil)
	c := New()
	ref := a.Alloc(chunk.New(chunk.Coord{}))
	defer ref.Release()
	c.Insert(chunk.Coord{}, ref.Weak())
	c.Remove(chunk.Coord{})
	if _, ok := c.Find(chunk.Coord{}); ok {
		t.Fatalf("expected entry removed")
	}
}
