// Package ticket keeps chunk neighbourhoods resident on behalf of entities.
//
// A Ticket owns one strong reference per chunk of its cube. The chunks stay
// loaded exactly as long as some ticket holds them; the cache only keeps weak
// handles.
package ticket

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/chunkcache"
	"voxelrelay.ai/internal/sim/entity"
)

type Ticket struct {
	id     uuid.UUID
	owner  entity.ID
	target chunk.Coord
	radius int

	mu       sync.Mutex
	refs     map[chunk.Coord]*chunkcache.Strong
	failed   map[chunk.Coord]error
	pending  int
	released bool
	done     chan struct{}
}

func newTicket(owner entity.ID, target chunk.Coord, radius int) *Ticket {
	if radius < 0 {
		radius = 0
	}
	side := 2*radius + 1
	t := &Ticket{
		id:      uuid.New(),
		owner:   owner,
		target:  target,
		radius:  radius,
		refs:    make(map[chunk.Coord]*chunkcache.Strong, side*side*side),
		pending: side * side * side,
		done:    make(chan struct{}),
	}
	return t
}

func (t *Ticket) ID() uuid.UUID       { return t.id }
func (t *Ticket) Owner() entity.ID    { return t.owner }
func (t *Ticket) Target() chunk.Coord { return t.target }
func (t *Ticket) Radius() int         { return t.radius }

// Coords lists the chunks the ticket covers.
func (t *Ticket) Coords() []chunk.Coord { return chunk.Cube(t.target, t.radius) }

// Deliver implements loader.Sink. Deliveries after Release are dropped
// immediately so a late load cannot pin a chunk.
func (t *Ticket) Deliver(c chunk.Coord, ref *chunkcache.Strong) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		ref.Release()
		return
	}
	if _, dup := t.refs[c]; dup {
		t.mu.Unlock()
		ref.Release()
		return
	}
	t.refs[c] = ref
	t.settleLocked()
	t.mu.Unlock()
}

// Fail implements loader.Sink.
func (t *Ticket) Fail(c chunk.Coord, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	if t.failed == nil {
		t.failed = map[chunk.Coord]error{}
	}
	if _, dup := t.failed[c]; dup {
		return
	}
	t.failed[c] = err
	t.settleLocked()
}

func (t *Ticket) settleLocked() {
	t.pending--
	if t.pending == 0 {
		close(t.done)
	}
}

// Resident reports whether the ticket holds chunk c.
func (t *Ticket) Resident(c chunk.Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.refs[c]
	return ok
}

// Edit runs fn on chunk c while the ticket keeps it resident. It reports
// false, without calling fn, when c is not held.
func (t *Ticket) Edit(c chunk.Coord, fn func(*chunk.Chunk)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.refs[c]
	if !ok {
		return false
	}
	fn(ref.Chunk())
	return true
}

// Held returns the number of chunks currently pinned.
func (t *Ticket) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// Done is closed once every chunk of the cube was delivered or failed.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until every chunk has settled and returns the joined load
// failures, if any.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the load failures recorded so far.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(t.failed))
	for _, c := range chunk.Cube(t.target, t.radius) {
		if err, ok := t.failed[c]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release drops every strong reference. Safe to call more than once.
func (t *Ticket) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	refs := t.refs
	t.refs = nil
	t.mu.Unlock()

	for _, r := range refs {
		r.Release()
	}
}

func (t *Ticket) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}
