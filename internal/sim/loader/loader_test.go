package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/chunkcache"
)

type result struct {
	ref *chunkcache.Strong
	err error
}

type chanSink struct{ ch chan result }

func newSink() *chanSink { return &chanSink{ch: make(chan result, 4)} }

func (s *chanSink) Deliver(_ chunk.Coord, ref *chunkcache.Strong) { s.ch <- result{ref: ref} }
func (s *chanSink) Fail(_ chunk.Coord, err error)                 { s.ch <- result{err: err} }

func (s *chanSink) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for load result")
		return result{}
	}
}

type gatedGen struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedGen) Generate(ctx context.Context, c chunk.Coord) (*chunk.Chunk, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return chunk.New(c), nil
}

type memStorage struct {
	mu      sync.Mutex
	data    map[chunk.Coord][]byte
	failFor int
	loads   int
	saved   chan chunk.Coord
	// gate, if set, holds every Save until closed.
	gate      chan struct{}
	failSaves bool
}

func (m *memStorage) Load(_ context.Context, c chunk.Coord) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loads <= m.failFor {
		return nil, errors.New("disk on fire")
	}
	p, ok := m.data[c]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *memStorage) Save(_ context.Context, c chunk.Coord, payload []byte) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	if m.failSaves {
		m.mu.Unlock()
		return errors.New("disk full")
	}
	if m.data == nil {
		m.data = map[chunk.Coord][]byte{}
	}
	m.data[c] = payload
	m.mu.Unlock()
	if m.saved != nil {
		m.saved <- c
	}
	return nil
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	gen := &gatedGen{gate: make(chan struct{})}
	l := New(Config{}, Deps{Generator: gen})
	defer l.Close()

	target := chunk.Coord{X: 5, Y: 5, Z: 5}
	a, b := newSink(), newSink()
	l.Acquire(target, a)
	l.Acquire(target, b)
	if st := l.State(target); st != chunk.Loading {
		t.Fatalf("state=%s want LOADING", st)
	}
	close(gen.gate)

	ra, rb := a.wait(t), b.wait(t)
	if ra.err != nil || rb.err != nil {
		t.Fatalf("unexpected errors: %v %v", ra.err, rb.err)
	}
	if ra.ref.Chunk() != rb.ref.Chunk() {
		t.Fatalf("requesters observed different chunks")
	}
	if n := l.LoadsStarted(); n != 1 {
		t.Fatalf("loads started=%d want 1", n)
	}
	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("generator calls=%d want 1", n)
	}
	if st := l.State(target); st != chunk.Loaded {
		t.Fatalf("state=%s want LOADED", st)
	}
	ra.ref.Release()
	rb.ref.Release()
}

func TestCacheHitDoesNotReload(t *testing.T) {
	gen := &gatedGen{gate: make(chan struct{})}
	close(gen.gate)
	l := New(Config{}, Deps{Generator: gen})
	defer l.Close()

	s := newSink()
	l.Acquire(chunk.Coord{}, s)
	first := s.wait(t)
	l.Acquire(chunk.Coord{}, s)
	second := s.wait(t)
	if first.ref.Chunk() != second.ref.Chunk() {
		t.Fatalf("expected the cached chunk")
	}
	if n := l.LoadsStarted(); n != 1 {
		t.Fatalf("loads started=%d want 1", n)
	}
	first.ref.Release()
	second.ref.Release()
}

func TestReleasedChunkIsNotUpgradable(t *testing.T) {
	gen := &gatedGen{gate: make(chan struct{})}
	close(gen.gate)
	l := New(Config{}, Deps{Generator: gen})
	defer l.Close()

	c := chunk.Coord{X: -3}
	s := newSink()
	l.Acquire(c, s)
	r := s.wait(t)
	r.ref.Release()

	if w, ok := l.Cache().Find(c); ok {
		if _, ok := w.Upgrade(); ok {
			t.Fatalf("chunk with no holders must not upgrade")
		}
	}
	if st := l.State(c); st != chunk.Pending {
		t.Fatalf("state=%s want PENDING", st)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	st := &memStorage{failFor: 2}
	gen := &gatedGen{gate: make(chan struct{})}
	close(gen.gate)
	l := New(Config{MaxRetries: 3, RetryBackoff: time.Millisecond}, Deps{Storage: st, Generator: gen})
	defer l.Close()

	s := newSink()
	l.Acquire(chunk.Coord{Y: 1}, s)
	r := s.wait(t)
	if r.err != nil {
		t.Fatalf("expected success after retries, got %v", r.err)
	}
	r.ref.Release()
}

func TestRetriesExhaustedReportsUnavailable(t *testing.T) {
	st := &memStorage{failFor: 100}
	l := New(Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, Deps{Storage: st, Generator: chunk.WorldGen{}})
	defer l.Close()

	c := chunk.Coord{Z: 9}
	s := newSink()
	l.Acquire(c, s)
	r := s.wait(t)
	if !errors.Is(r.err, ErrChunkUnavailable) {
		t.Fatalf("err=%v want ErrChunkUnavailable", r.err)
	}
	if got := l.State(c); got != chunk.Failed {
		t.Fatalf("state=%s want FAILED", got)
	}
	st.mu.Lock()
	loads := st.loads
	st.mu.Unlock()
	if loads != 3 {
		t.Fatalf("storage loads=%d want 3", loads)
	}
}

func TestDirtyChunkSavedOnEviction(t *testing.T) {
	st := &memStorage{saved: make(chan chunk.Coord, 1)}
	l := New(Config{}, Deps{Storage: st, Generator: chunk.WorldGen{Seed: 3}})
	defer l.Close()

	c := chunk.Coord{X: 2}
	s := newSink()
	l.Acquire(c, s)
	r := s.wait(t)
	r.ref.Chunk().Set(0, 0, 0, chunk.IronOre)
	r.ref.Release()

	select {
	case got := <-st.saved:
		if got != c {
			t.Fatalf("saved %v want %v", got, c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dirty chunk was not saved")
	}

	// A fresh request reads the stored payload back.
	l.Acquire(c, s)
	again := s.wait(t)
	if again.err != nil {
		t.Fatalf("reload: %v", again.err)
	}
	if b := again.ref.Chunk().Get(0, 0, 0); b != chunk.IronOre {
		t.Fatalf("block=%d want %d", b, chunk.IronOre)
	}
	again.ref.Release()
}

func (m *memStorage) stored(t *testing.T, c chunk.Coord) *chunk.Chunk {
	t.Helper()
	m.mu.Lock()
	p, ok := m.data[c]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ch, err := chunk.DecodePayload(c, p)
	if err != nil {
		t.Fatalf("decode stored %v: %v", c, err)
	}
	return ch
}

func TestReloadDuringSlowSaveKeepsEdit(t *testing.T) {
	st := &memStorage{gate: make(chan struct{})}
	l := New(Config{}, Deps{Storage: st, Generator: chunk.WorldGen{Seed: 3}})
	defer l.Close()

	c := chunk.Coord{X: 4}
	s := newSink()
	l.Acquire(c, s)
	r := s.wait(t)
	r.ref.Chunk().Set(0, 0, 0, chunk.IronOre)
	r.ref.Release()
	if n := l.PendingSaves(); n != 1 {
		t.Fatalf("pending saves=%d want 1", n)
	}

	// The save is still blocked; the reload must see the edit anyway.
	l.Acquire(c, s)
	again := s.wait(t)
	if again.err != nil {
		t.Fatalf("reload: %v", again.err)
	}
	if b := again.ref.Chunk().Get(0, 0, 0); b != chunk.IronOre {
		t.Fatalf("block after reload=%d want %d", b, chunk.IronOre)
	}
	if !again.ref.Chunk().Dirty() {
		t.Fatalf("chunk rebuilt from a pending save should be dirty")
	}

	close(st.gate)
	again.ref.Release()
	deadline := time.Now().Add(2 * time.Second)
	for l.PendingSaves() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending saves=%d never drained", l.PendingSaves())
		}
		time.Sleep(time.Millisecond)
	}
	if ch := st.stored(t, c); ch == nil || ch.Get(0, 0, 0) != chunk.IronOre {
		t.Fatalf("stored chunk lost the edit")
	}
}

func TestFailedSaveStaysPending(t *testing.T) {
	st := &memStorage{failSaves: true}
	l := New(Config{}, Deps{Storage: st, Generator: chunk.WorldGen{Seed: 3}})

	c := chunk.Coord{Z: -1}
	s := newSink()
	l.Acquire(c, s)
	r := s.wait(t)
	r.ref.Chunk().Set(1, 2, 3, chunk.IronOre)
	r.ref.Release()

	if n := l.PendingSaves(); n != 1 {
		t.Fatalf("pending saves=%d want 1", n)
	}
	l.Acquire(c, s)
	again := s.wait(t)
	if b := again.ref.Chunk().Get(1, 2, 3); b != chunk.IronOre {
		t.Fatalf("block=%d want %d", b, chunk.IronOre)
	}
	again.ref.Release()

	st.mu.Lock()
	st.failSaves = false
	st.mu.Unlock()
	l.Close()
	if ch := st.stored(t, c); ch == nil || ch.Get(1, 2, 3) != chunk.IronOre {
		t.Fatalf("Close did not write back the pending edit")
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	l := New(Config{}, Deps{Generator: chunk.WorldGen{}})
	l.Close()
	s := newSink()
	l.Acquire(chunk.Coord{}, s)
	if r := s.wait(t); !errors.Is(r.err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", r.err)
	}
}
