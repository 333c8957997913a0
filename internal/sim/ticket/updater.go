package ticket

import (
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/entity"
)

// View is what the updater reads from the entity store during a tick.
type View interface {
	TicketHolders() []entity.TicketHolder
}

// Change is one planned ticket operation.
type Change struct {
	Owner  entity.ID
	Target chunk.Coord
	Radius int
	Drop   bool
}

// Updater reconciles entity positions with the registry once per tick.
type Updater struct {
	reg *Registry
}

func NewUpdater(reg *Registry) *Updater {
	return &Updater{reg: reg}
}

// Plan compares every ticket holder's tick-sampled chunk with its ticket and
// returns at most one change per owner. It does no loading and is meant to
// run under the store's write lock.
func (u *Updater) Plan(view View) []Change {
	holders := view.TicketHolders()
	seen := make(map[entity.ID]struct{}, len(holders))
	var out []Change
	for _, h := range holders {
		seen[h.ID] = struct{}{}
		radius := h.Radius
		if radius < 0 {
			radius = 0
		}
		// Only the chunk sampled at tick time counts, so moving out and back
		// within one tick is not churn.
		if t, ok := u.reg.Get(h.ID); ok && t.Target() == h.Position.Chunk && t.Radius() == radius {
			continue
		}
		out = append(out, Change{Owner: h.ID, Target: h.Position.Chunk, Radius: radius})
	}
	for _, owner := range u.reg.Owners() {
		if _, ok := seen[owner]; !ok {
			out = append(out, Change{Owner: owner, Drop: true})
		}
	}
	return out
}

// Apply performs the planned changes and returns how many tickets were
// replaced or created. It must run outside the store lock.
func (u *Updater) Apply(changes []Change) int {
	n := 0
	for _, c := range changes {
		if c.Drop {
			u.reg.Drop(c.Owner)
			continue
		}
		if _, created := u.reg.Submit(c.Owner, c.Target, c.Radius); created {
			n++
		}
	}
	return n
}
