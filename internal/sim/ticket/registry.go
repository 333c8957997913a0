package ticket

import (
	"io"
	"log"
	"sort"
	"sync"

	"voxelrelay.ai/internal/metrics"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
	"voxelrelay.ai/internal/sim/loader"
)

// Acquirer is the part of the loader the registry needs.
type Acquirer interface {
	Acquire(c chunk.Coord, sink loader.Sink)
}

// Registry tracks the live ticket of every owner.
type Registry struct {
	loader  Acquirer
	log     *log.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	tickets map[entity.ID]*Ticket
}

func NewRegistry(l Acquirer, logger *log.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		loader:  l,
		log:     logger,
		metrics: m,
		tickets: map[entity.ID]*Ticket{},
	}
}

// Submit makes owner hold a ticket for target/radius. When the owner already
// holds exactly that ticket it is returned unchanged and nothing is
// requested. Otherwise the new ticket's chunks are requested before the
// previous ticket is released, so chunks shared by both stay resident.
func (r *Registry) Submit(owner entity.ID, target chunk.Coord, radius int) (*Ticket, bool) {
	if radius < 0 {
		radius = 0
	}
	r.mu.Lock()
	old := r.tickets[owner]
	if old != nil && old.target == target && old.radius == radius {
		r.mu.Unlock()
		return old, false
	}
	t := newTicket(owner, target, radius)
	r.tickets[owner] = t
	live := len(r.tickets)
	r.mu.Unlock()

	for _, c := range t.Coords() {
		r.loader.Acquire(c, t)
	}
	if old != nil {
		old.Release()
		r.metrics.IncTicketChurn()
	}
	r.metrics.SetTicketsLive(live)
	return t, true
}

// Drop releases the owner's ticket, if any.
func (r *Registry) Drop(owner entity.ID) bool {
	r.mu.Lock()
	t := r.tickets[owner]
	delete(r.tickets, owner)
	live := len(r.tickets)
	r.mu.Unlock()
	if t == nil {
		return false
	}
	t.Release()
	r.metrics.SetTicketsLive(live)
	return true
}

func (r *Registry) Get(owner entity.ID) (*Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[owner]
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tickets)
}

// Owners lists the owners holding a ticket, by id.
func (r *Registry) Owners() []entity.ID {
	r.mu.Lock()
	out := make([]entity.ID, 0, len(r.tickets))
	for id := range r.tickets {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases every ticket.
func (r *Registry) Close() {
	r.mu.Lock()
	ts := r.tickets
	r.tickets = map[entity.ID]*Ticket{}
	r.mu.Unlock()
	for _, t := range ts {
		t.Release()
	}
	r.metrics.SetTicketsLive(0)
}
