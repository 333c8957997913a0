package relevancy

import (
	"context"
	"math"
	"testing"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/replication/queue"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/chunkcache"
	"voxelrelay.ai/internal/sim/entity"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func drain[T any](t *testing.T, ch *queue.Channel[T]) []T {
	t.Helper()
	var out []T
	for ch.Len() > 0 {
		v, err := ch.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, v)
	}
	return out
}

type wantEvent struct {
	kind protocol.UpdateKind
	id   entity.ID
}

func expectEvents(t *testing.T, got []protocol.Update, want ...wantEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events=%d want %d: %v", len(got), len(want), describe(got))
	}
	for i := range want {
		if got[i].Kind() != want[i].kind || got[i].ID() != want[i].id {
			t.Fatalf("event[%d]=%s/%d want %s/%d (all: %v)", i, got[i].Kind(), got[i].ID(), want[i].kind, want[i].id, describe(got))
		}
	}
}

func describe(us []protocol.Update) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, u.Kind().String())
	}
	return out
}

func step(s *entity.Store, e *Engine, chunks Chunks) Stats {
	var st Stats
	s.Tick(func(tx *entity.Tx) { st = e.Step(tx, chunks) })
	return st
}

func at(x, y, z float64) entity.Vec3 { return entity.Vec3{X: x, Y: y, Z: z} }

func TestWantedChunksOrderAndCap(t *testing.T) {
	got := WantedChunks(chunk.Coord{}, 1, 0)
	if len(got) != 27 {
		t.Fatalf("len=%d want 27", len(got))
	}
	if got[0] != (chunk.Coord{}) {
		t.Fatalf("first=%v want center", got[0])
	}
	if got[1] != (chunk.Coord{X: -1}) || got[6] != (chunk.Coord{X: 1}) {
		t.Fatalf("faces out of order: %v", got[1:7])
	}
	if last := got[26]; chunk.Manhattan(chunk.Coord{}, last) != 3 {
		t.Fatalf("last=%v should be a corner", last)
	}
	if got := WantedChunks(chunk.Coord{X: 5}, 2, 4); len(got) != 4 || got[0] != (chunk.Coord{X: 5}) {
		t.Fatalf("capped=%v", got)
	}
}

// Owner at (0,0,0) radius 1 moves to (1,0,0): the x=2 plane enters and the
// x=-1 plane leaves.
func TestChunkPlaneShiftOnCrossing(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 1})
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 1})
	if _, err := e.AddViewer("x", owner, -1, Outputs{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	step(s, e, nil)
	before, _ := e.Set("x")

	_ = s.Move(owner, at(24, 8, 8))
	step(s, e, nil)
	after, _ := e.Set("x")

	entered, left := ChunkChanges(before, after)
	if len(entered) != 9 || len(left) != 9 {
		t.Fatalf("entered=%d left=%d want 9/9", len(entered), len(left))
	}
	for _, c := range entered {
		if c.X != 2 {
			t.Fatalf("entered %v not on x=2", c)
		}
	}
	for _, c := range left {
		if c.X != -1 {
			t.Fatalf("left %v not on x=-1", c)
		}
	}
}

// An entity relevant to a viewer destroyed within a tick produces exactly
// one Destroyed and no Irrelevant.
func TestDestroyedOnly(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 1})
	out := Outputs{Entities: queue.New[protocol.Update](0)}
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 1})
	b := s.Spawn(entity.Spec{Position: at(9, 8, 8), Replicated: true, TicketRadius: -1})
	_, _ = e.AddViewer("x", owner, -1, out)

	step(s, e, nil)
	expectEvents(t, drain(t, out.Entities), wantEvent{protocol.KindRelevant, b})

	_ = s.Destroy(b)
	step(s, e, nil)
	expectEvents(t, drain(t, out.Entities), wantEvent{protocol.KindDestroyed, b})

	step(s, e, nil)
	if n := out.Entities.Len(); n != 0 {
		t.Fatalf("unexpected events after destroy: %d", n)
	}
}

func TestEventOrderAndNoRelevantUpdateOverlap(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 1})
	out := Outputs{Entities: queue.New[protocol.Update](0)}
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 1})
	b := s.Spawn(entity.Spec{Position: at(20, 8, 8), Replicated: true, TicketRadius: -1})
	c := s.Spawn(entity.Spec{Position: at(-8, 8, 8), Replicated: true, TicketRadius: -1})
	d := s.Spawn(entity.Spec{Position: at(8, 8, 24), Replicated: true, TicketRadius: -1})
	_, _ = e.AddViewer("x", owner, -1, out)

	step(s, e, nil)
	expectEvents(t, drain(t, out.Entities),
		wantEvent{protocol.KindRelevant, b},
		wantEvent{protocol.KindRelevant, c},
		wantEvent{protocol.KindRelevant, d},
	)

	_ = s.SetComponent(b, "hp", 3)
	_ = s.Move(c, at(-40, 8, 8))
	f := s.Spawn(entity.Spec{Position: at(8, 24, 8), Replicated: true, TicketRadius: -1})
	_ = s.SetComponent(f, "hp", 9)
	_ = s.Destroy(d)

	step(s, e, nil)
	got := drain(t, out.Entities)
	expectEvents(t, got,
		wantEvent{protocol.KindDestroyed, d},
		wantEvent{protocol.KindIrrelevant, c},
		wantEvent{protocol.KindRelevant, f},
		wantEvent{protocol.KindUpdate, b},
	)
	snap, ok := got[2].Snapshot()
	if !ok || snap.Components["hp"] != 9.0 {
		t.Fatalf("relevant snapshot not current: %+v", snap)
	}
	set, _ := e.Set("x")
	if set.HasEntity(c) || set.HasEntity(d) || !set.HasEntity(f) {
		t.Fatalf("stored set=%v", set.Entities())
	}
}

func TestSerializationFailureIsRetriedAndIsolated(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 0})
	out1 := Outputs{Entities: queue.New[protocol.Update](0)}
	out2 := Outputs{Entities: queue.New[protocol.Update](0)}

	o1 := s.Spawn(entity.Spec{Position: at(1, 1, 1), TicketRadius: 0})
	bad := s.Spawn(entity.Spec{Position: at(2, 2, 2), Replicated: true, TicketRadius: -1, Components: map[string]any{"v": math.NaN()}})
	good := s.Spawn(entity.Spec{Position: at(3, 3, 3), Replicated: true, TicketRadius: -1})
	o2 := s.Spawn(entity.Spec{Position: at(100, 1, 1), TicketRadius: 0})
	other := s.Spawn(entity.Spec{Position: at(101, 1, 1), Replicated: true, TicketRadius: -1})
	_, _ = e.AddViewer("a", o1, -1, out1)
	_, _ = e.AddViewer("b", o2, -1, out2)

	st := step(s, e, nil)
	if st.Failures != 1 {
		t.Fatalf("failures=%d want 1", st.Failures)
	}
	expectEvents(t, drain(t, out1.Entities), wantEvent{protocol.KindRelevant, good})
	expectEvents(t, drain(t, out2.Entities), wantEvent{protocol.KindRelevant, other})
	if set, _ := e.Set("a"); set.HasEntity(bad) {
		t.Fatalf("failed relevant must stay out of the set")
	}

	// Fixed: offered again as Relevant.
	_ = s.SetComponent(bad, "v", 1)
	step(s, e, nil)
	expectEvents(t, drain(t, out1.Entities), wantEvent{protocol.KindRelevant, bad})

	// Broken again: the update is dropped and the old version kept.
	set, _ := e.Set("a")
	v0, _ := set.Version(bad)
	_ = s.SetComponent(bad, "v", math.Inf(1))
	step(s, e, nil)
	if n := out1.Entities.Len(); n != 0 {
		t.Fatalf("events=%d want 0", n)
	}
	set, _ = e.Set("a")
	if v, _ := set.Version(bad); v != v0 {
		t.Fatalf("version=%d want %d", v, v0)
	}
	_ = s.SetComponent(bad, "v", 2)
	step(s, e, nil)
	expectEvents(t, drain(t, out1.Entities), wantEvent{protocol.KindUpdate, bad})
}

func TestOverflowFaultsOnlyThatViewer(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 0})
	small := Outputs{Entities: queue.New[protocol.Update](1)}
	big := Outputs{Entities: queue.New[protocol.Update](0)}
	o1 := s.Spawn(entity.Spec{Position: at(1, 1, 1), TicketRadius: 0})
	o2 := s.Spawn(entity.Spec{Position: at(2, 2, 2), TicketRadius: 0})
	for i := 0; i < 3; i++ {
		s.Spawn(entity.Spec{Position: at(3, 3, 3), Replicated: true, TicketRadius: -1})
	}
	_, _ = e.AddViewer("small", o1, -1, small)
	_, _ = e.AddViewer("big", o2, -1, big)

	st := step(s, e, nil)
	if st.Faulted != 1 {
		t.Fatalf("faulted=%d want 1", st.Faulted)
	}
	if big.Entities.Len() != 3 {
		t.Fatalf("big len=%d want 3", big.Entities.Len())
	}
	if small.Entities.Err() != queue.ErrOverflow {
		t.Fatalf("small err=%v", small.Entities.Err())
	}
}

func residentCube(t *testing.T, center chunk.Coord, skip chunk.Coord) (*chunkcache.Cache, *chunkcache.Arena, []*chunkcache.Strong) {
	t.Helper()
	cache := chunkcache.New()
	arena := chunkcache.NewArena(nil)
	var refs []*chunkcache.Strong
	for _, c := range chunk.Cube(center, 1) {
		if c == skip {
			continue
		}
		ref := arena.Alloc(chunk.New(c))
		cache.Insert(c, ref.Weak())
		refs = append(refs, ref)
	}
	return cache, arena, refs
}

func countKinds(msgs []protocol.ChunkMsg) (data, evict int) {
	for _, m := range msgs {
		switch m.Kind {
		case protocol.ChunkData:
			data++
		case protocol.ChunkEvict:
			evict++
		}
	}
	return data, evict
}

func TestChunkStreaming(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 1, MaxFullChunksPerTick: 100})
	out := Outputs{Chunks: queue.New[protocol.ChunkMsg](0)}
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 1})
	_, _ = e.AddViewer("x", owner, -1, out)

	missing := chunk.Coord{X: 1, Y: 1, Z: 1}
	cache, arena, refs := residentCube(t, chunk.Coord{}, missing)

	step(s, e, cache)
	if d, ev := countKinds(drain(t, out.Chunks)); d != 26 || ev != 0 {
		t.Fatalf("data=%d evict=%d want 26/0", d, ev)
	}

	late := arena.Alloc(chunk.New(missing))
	cache.Insert(missing, late.Weak())
	refs = append(refs, late)
	step(s, e, cache)
	msgs := drain(t, out.Chunks)
	if len(msgs) != 1 || msgs[0].Coord != missing {
		t.Fatalf("late chunk msgs=%+v", msgs)
	}

	step(s, e, cache)
	if n := out.Chunks.Len(); n != 0 {
		t.Fatalf("unchanged chunks resent: %d", n)
	}

	refs[0].Chunk().Set(0, 0, 0, chunk.Stone)
	step(s, e, cache)
	msgs = drain(t, out.Chunks)
	if len(msgs) != 1 || msgs[0].Coord != refs[0].Chunk().Coord() {
		t.Fatalf("changed chunk msgs=%+v", msgs)
	}
	back, err := chunk.DecodePayload(msgs[0].Coord, msgs[0].Payload)
	if err != nil || back.Get(0, 0, 0) != chunk.Stone {
		t.Fatalf("payload decode err=%v", err)
	}

	_ = s.Move(owner, at(8+16*10, 8, 8))
	step(s, e, cache)
	if d, ev := countKinds(drain(t, out.Chunks)); d != 0 || ev != 27 {
		t.Fatalf("data=%d evict=%d want 0/27", d, ev)
	}
	for _, r := range refs {
		r.Release()
	}
}

func TestChunkBudgetNearestFirst(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 1, MaxFullChunksPerTick: 4})
	out := Outputs{Chunks: queue.New[protocol.ChunkMsg](0)}
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 1})
	_, _ = e.AddViewer("x", owner, -1, out)
	cache, _, _ := residentCube(t, chunk.Coord{}, chunk.Coord{X: 99})

	step(s, e, cache)
	msgs := drain(t, out.Chunks)
	if len(msgs) != 4 || msgs[0].Coord != (chunk.Coord{}) {
		t.Fatalf("msgs=%d first=%v", len(msgs), msgs[0].Coord)
	}
	total := 4
	for i := 0; i < 10 && total < 27; i++ {
		step(s, e, cache)
		total += len(drain(t, out.Chunks))
	}
	if total != 27 {
		t.Fatalf("total=%d want 27", total)
	}
}

func TestSetRadiusRediffs(t *testing.T) {
	s := entity.NewStore()
	e := newEngine(t, Config{Radius: 0})
	out := Outputs{Entities: queue.New[protocol.Update](0)}
	owner := s.Spawn(entity.Spec{Position: at(8, 8, 8), TicketRadius: 0})
	far := s.Spawn(entity.Spec{Position: at(24, 8, 8), Replicated: true, TicketRadius: -1})
	_, _ = e.AddViewer("x", owner, -1, out)

	step(s, e, nil)
	if n := out.Entities.Len(); n != 0 {
		t.Fatalf("events=%d want 0", n)
	}
	if !e.SetRadius("x", 1) {
		t.Fatalf("set radius failed")
	}
	step(s, e, nil)
	expectEvents(t, drain(t, out.Entities), wantEvent{protocol.KindRelevant, far})
	if _, err := e.AddViewer("x", owner, 1, out); err == nil {
		t.Fatalf("duplicate viewer accepted")
	}
}
