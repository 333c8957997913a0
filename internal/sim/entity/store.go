// Package entity is the in-memory entity store the tick systems query.
//
// The whole store is guarded by one reader/writer lock. Mutations from
// gameplay take the write lock per call; tick systems run inside Tick, which
// holds the write lock for the whole synchronous pass.
package entity

import (
	"errors"
	"sort"
	"sync"

	"voxelrelay.ai/internal/sim/chunk"
)

var ErrNotFound = errors.New("entity not found")

type record struct {
	id           ID
	pos          Position
	replicated   bool
	ticketRadius int
	components   map[string]any
	version      uint64
}

type Store struct {
	mu       sync.RWMutex
	nextID   ID
	entities map[ID]*record
	byChunk  map[chunk.Coord]map[ID]struct{}

	// Entities destroyed since the last tick pass finished.
	destroyed []ID
}

func NewStore() *Store {
	return &Store{
		entities: map[ID]*record{},
		byChunk:  map[chunk.Coord]map[ID]struct{}{},
	}
}

func (s *Store) Spawn(spec Spec) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	comps := make(map[string]any, len(spec.Components))
	for k, v := range spec.Components {
		comps[k] = v
	}
	r := &record{
		id:           s.nextID,
		pos:          PositionAt(spec.Position),
		replicated:   spec.Replicated,
		ticketRadius: spec.TicketRadius,
		components:   comps,
		version:      1,
	}
	s.entities[r.id] = r
	s.index(r.id, r.pos.Chunk)
	return r.id
}

// Move sets the entity's world position. Chunk crossings are recorded in
// Position.Chunk; Position.Previous is left for Tick.
func (s *Store) Move(id ID, to Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	next := PositionAt(to)
	next.Previous = r.pos.Previous
	if next.Chunk != r.pos.Chunk {
		s.unindex(id, r.pos.Chunk)
		s.index(id, next.Chunk)
	}
	r.pos = next
	r.version++
	return nil
}

func (s *Store) SetComponent(id ID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	r.components[name] = value
	r.version++
	return nil
}

func (s *Store) SetTicketRadius(id ID, radius int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	r.ticketRadius = radius
	return nil
}

func (s *Store) Destroy(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	s.unindex(id, r.pos.Chunk)
	delete(s.entities, id)
	s.destroyed = append(s.destroyed, id)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Get returns a copy of the entity's position.
func (s *Store) Get(id ID) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entities[id]
	if !ok {
		return Position{}, false
	}
	return r.pos, true
}

// Tick runs fn with the write lock held and then closes the tick: every
// position is acknowledged and the destroyed list is cleared. fn must not
// block or spawn work that needs the store.
func (s *Store) Tick(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
	for _, r := range s.entities {
		r.pos.Previous = r.pos.Chunk
	}
	s.destroyed = s.destroyed[:0]
}

// Read runs fn with the read lock held.
func (s *Store) Read(fn func(tx *Tx)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&Tx{s: s})
}

func (s *Store) index(id ID, c chunk.Coord) {
	m := s.byChunk[c]
	if m == nil {
		m = map[ID]struct{}{}
		s.byChunk[c] = m
	}
	m[id] = struct{}{}
}

func (s *Store) unindex(id ID, c chunk.Coord) {
	m := s.byChunk[c]
	if m == nil {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(s.byChunk, c)
	}
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
