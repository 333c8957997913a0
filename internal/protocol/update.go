package protocol

import (
	"encoding/json"
	"fmt"

	"voxelrelay.ai/internal/sim/entity"
)

// UpdateKind is the kind of an entity replication event.
type UpdateKind uint8

const (
	KindRelevant UpdateKind = iota + 1
	KindUpdate
	KindIrrelevant
	KindDestroyed
)

func (k UpdateKind) String() string {
	switch k {
	case KindRelevant:
		return "RELEVANT"
	case KindUpdate:
		return "UPDATE"
	case KindIrrelevant:
		return "IRRELEVANT"
	case KindDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

func parseKind(s string) (UpdateKind, bool) {
	switch s {
	case "RELEVANT":
		return KindRelevant, true
	case "UPDATE":
		return KindUpdate, true
	case "IRRELEVANT":
		return KindIrrelevant, true
	case "DESTROYED":
		return KindDestroyed, true
	}
	return 0, false
}

// Update is one immutable replication event. Relevant and Update carry the
// encoded snapshot; Irrelevant and Destroyed carry only the id.
type Update struct {
	kind     UpdateKind
	id       entity.ID
	snapshot json.RawMessage
}

// Relevant builds a RELEVANT event. The snapshot is encoded here so an
// unserializable entity is reported before the event is queued.
func Relevant(s entity.Snapshot) (Update, error) {
	raw, err := EncodeSnapshot(s)
	if err != nil {
		return Update{}, err
	}
	return Update{kind: KindRelevant, id: s.ID, snapshot: raw}, nil
}

// Changed builds an UPDATE event.
func Changed(s entity.Snapshot) (Update, error) {
	raw, err := EncodeSnapshot(s)
	if err != nil {
		return Update{}, err
	}
	return Update{kind: KindUpdate, id: s.ID, snapshot: raw}, nil
}

func Irrelevant(id entity.ID) Update { return Update{kind: KindIrrelevant, id: id} }

func Destroyed(id entity.ID) Update { return Update{kind: KindDestroyed, id: id} }

func (u Update) Kind() UpdateKind { return u.kind }
func (u Update) ID() entity.ID    { return u.id }

// Snapshot decodes the carried snapshot.
func (u Update) Snapshot() (entity.Snapshot, bool) {
	if len(u.snapshot) == 0 {
		return entity.Snapshot{}, false
	}
	s, err := DecodeSnapshot(u.snapshot)
	if err != nil {
		return entity.Snapshot{}, false
	}
	return s, true
}

type updateWire struct {
	Kind     string          `json:"kind"`
	ID       uint64          `json:"id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// EncodeUpdate renders u as one JSON object.
func EncodeUpdate(u Update) ([]byte, error) {
	switch u.kind {
	case KindRelevant, KindUpdate:
		if len(u.snapshot) == 0 {
			return nil, fmt.Errorf("%w: %s %d without snapshot", ErrSerialization, u.kind, u.id)
		}
	case KindIrrelevant, KindDestroyed:
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrSerialization, u.kind)
	}
	b, err := json.Marshal(updateWire{Kind: u.kind.String(), ID: uint64(u.id), Snapshot: u.snapshot})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return b, nil
}

func DecodeUpdate(b []byte) (Update, error) {
	var w updateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Update{}, err
	}
	k, ok := parseKind(w.Kind)
	if !ok {
		return Update{}, fmt.Errorf("unknown update kind %q", w.Kind)
	}
	u := Update{kind: k, id: entity.ID(w.ID)}
	if k == KindRelevant || k == KindUpdate {
		if len(w.Snapshot) == 0 {
			return Update{}, fmt.Errorf("%s %d without snapshot", k, w.ID)
		}
		u.snapshot = append(json.RawMessage(nil), w.Snapshot...)
	}
	return u, nil
}

type snapshotWire struct {
	ID         uint64         `json:"id"`
	Version    uint64         `json:"version"`
	Position   [3]float64     `json:"position"`
	Components map[string]any `json:"components,omitempty"`
}

// EncodeSnapshot serializes s. Values that JSON cannot represent (NaN,
// channels, funcs) yield ErrSerialization.
func EncodeSnapshot(s entity.Snapshot) (json.RawMessage, error) {
	b, err := json.Marshal(snapshotWire{
		ID:         uint64(s.ID),
		Version:    s.Version,
		Position:   [3]float64{s.Position.X, s.Position.Y, s.Position.Z},
		Components: s.Components,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: entity %d: %w", ErrSerialization, s.ID, err)
	}
	return b, nil
}

func DecodeSnapshot(b []byte) (entity.Snapshot, error) {
	var w snapshotWire
	if err := json.Unmarshal(b, &w); err != nil {
		return entity.Snapshot{}, err
	}
	return entity.Snapshot{
		ID:         entity.ID(w.ID),
		Version:    w.Version,
		Position:   entity.Vec3{X: w.Position[0], Y: w.Position[1], Z: w.Position[2]},
		Components: w.Components,
	}, nil
}
