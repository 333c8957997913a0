package relevancy

import (
	"sort"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
)

// World is the entity query surface the engine reads during a tick.
type World interface {
	Position(id entity.ID) (entity.Position, bool)
	EntitiesIn(chunks []chunk.Coord) []entity.ID
	Version(id entity.ID) (uint64, bool)
	Snapshot(id entity.ID) (entity.Snapshot, bool)
	Destroyed() []entity.ID
}

// Failure is one event that could not be serialized.
type Failure struct {
	ID   entity.ID
	Kind protocol.UpdateKind
	Err  error
}

// Result is the outcome of one diff.
type Result struct {
	Events   []protocol.Update
	Next     Set
	Failures []Failure
}

// ChunkChanges lists chunks that entered and left the set, each nearest
// first / in coord order respectively.
func ChunkChanges(prev, next Set) (entered, left []chunk.Coord) {
	for _, c := range next.chunks {
		if !prev.HasChunk(c) {
			entered = append(entered, c)
		}
	}
	for _, c := range prev.chunks {
		if !next.HasChunk(c) {
			left = append(left, c)
		}
	}
	sortCoords(left)
	return entered, left
}

// Diff computes the set for wanted and the events that move a viewer from
// prev to it. Events come out grouped Destroyed, Irrelevant, Relevant,
// Update, each group by ascending id.
//
// An entity whose Relevant event fails to serialize is left out of Next so
// it is offered again next tick; a failed Update keeps the previous version
// for the same reason.
func Diff(prev Set, wanted []chunk.Coord, w World) Result {
	next := newSet(wanted)
	ids := w.EntitiesIn(wanted)
	sortIDs(ids)
	present := make(map[entity.ID]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	var destroyed, irrelevant, relevant, updated []protocol.Update
	var failures []Failure

	gone := map[entity.ID]struct{}{}
	dead := w.Destroyed()
	sortIDs(dead)
	for _, id := range dead {
		if !prev.HasEntity(id) {
			continue
		}
		if _, dup := gone[id]; dup {
			continue
		}
		gone[id] = struct{}{}
		destroyed = append(destroyed, protocol.Destroyed(id))
	}
	for _, id := range prev.Entities() {
		if _, ok := gone[id]; ok {
			continue
		}
		if _, ok := present[id]; !ok {
			irrelevant = append(irrelevant, protocol.Irrelevant(id))
		}
	}

	for _, id := range ids {
		if _, ok := gone[id]; ok {
			continue
		}
		old, known := prev.Version(id)
		if !known {
			snap, ok := w.Snapshot(id)
			if !ok {
				continue
			}
			u, err := protocol.Relevant(snap)
			if err != nil {
				failures = append(failures, Failure{ID: id, Kind: protocol.KindRelevant, Err: err})
				continue
			}
			relevant = append(relevant, u)
			next.entities[id] = snap.Version
			continue
		}
		ver, _ := w.Version(id)
		if ver == old {
			next.entities[id] = old
			continue
		}
		snap, ok := w.Snapshot(id)
		if !ok {
			next.entities[id] = old
			continue
		}
		u, err := protocol.Changed(snap)
		if err != nil {
			failures = append(failures, Failure{ID: id, Kind: protocol.KindUpdate, Err: err})
			next.entities[id] = old
			continue
		}
		updated = append(updated, u)
		next.entities[id] = snap.Version
	}

	events := make([]protocol.Update, 0, len(destroyed)+len(irrelevant)+len(relevant)+len(updated))
	events = append(events, destroyed...)
	events = append(events, irrelevant...)
	events = append(events, relevant...)
	events = append(events, updated...)
	return Result{Events: events, Next: next, Failures: failures}
}

func sortIDs(ids []entity.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
