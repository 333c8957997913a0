package entity

import (
	"sort"

	"voxelrelay.ai/internal/sim/chunk"
)

// Tx is a view of the store valid only inside Store.Tick or Store.Read.
type Tx struct {
	s *Store
}

func (tx *Tx) Position(id ID) (Position, bool) {
	r, ok := tx.s.entities[id]
	if !ok {
		return Position{}, false
	}
	return r.pos, true
}

// TicketHolders lists entities that own a chunk ticket, by id.
func (tx *Tx) TicketHolders() []TicketHolder {
	out := make([]TicketHolder, 0, 16)
	for _, r := range tx.s.entities {
		if r.ticketRadius < 0 {
			continue
		}
		out = append(out, TicketHolder{ID: r.id, Position: r.pos, Radius: r.ticketRadius})
	}
	sortHolders(out)
	return out
}

// EntitiesIn returns the replicated entities located in any of chunks, by id.
func (tx *Tx) EntitiesIn(chunks []chunk.Coord) []ID {
	var out []ID
	for _, c := range chunks {
		for id := range tx.s.byChunk[c] {
			if r := tx.s.entities[id]; r != nil && r.replicated {
				out = append(out, id)
			}
		}
	}
	sortIDs(out)
	return out
}

func (tx *Tx) Version(id ID) (uint64, bool) {
	r, ok := tx.s.entities[id]
	if !ok {
		return 0, false
	}
	return r.version, true
}

func (tx *Tx) Snapshot(id ID) (Snapshot, bool) {
	r, ok := tx.s.entities[id]
	if !ok {
		return Snapshot{}, false
	}
	comps := make(map[string]any, len(r.components))
	for k, v := range r.components {
		comps[k] = v
	}
	return Snapshot{ID: r.id, Version: r.version, Position: r.pos.World(), Components: comps}, true
}

// Destroyed lists entities destroyed since the previous tick closed.
func (tx *Tx) Destroyed() []ID {
	out := make([]ID, len(tx.s.destroyed))
	copy(out, tx.s.destroyed)
	sortIDs(out)
	return out
}

func sortHolders(hs []TicketHolder) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
}
