// Package lifecycle is a small table-driven state machine for replication
// sessions. Transitions and the actions they run are declared up front and
// evaluated synchronously.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type State uint8

const (
	Connecting State = iota
	Bootstrapping
	Replicating
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Bootstrapping:
		return "BOOTSTRAPPING"
	case Replicating:
		return "REPLICATING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var ErrInvalidTransition = errors.New("invalid transition")

// Action is one named step run on a transition.
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

type edge struct{ from, to State }

// Table declares the allowed transitions and the actions attached to
// entering and leaving each state.
type Table struct {
	allowed map[edge][]Action
	enter   map[State][]Action
	exit    map[State][]Action
}

func NewTable() *Table {
	return &Table{
		allowed: map[edge][]Action{},
		enter:   map[State][]Action{},
		exit:    map[State][]Action{},
	}
}

// SessionTable is the replication session lifecycle:
//
//	CONNECTING -> BOOTSTRAPPING -> REPLICATING
//	any non-closed state -> CLOSED
func SessionTable() *Table {
	t := NewTable()
	t.Allow(Connecting, Bootstrapping)
	t.Allow(Bootstrapping, Replicating)
	for _, s := range []State{Connecting, Bootstrapping, Replicating} {
		t.Allow(s, Closed)
	}
	return t
}

// Allow permits from -> to, with optional actions that run between the exit
// actions of from and the entry actions of to.
func (t *Table) Allow(from, to State, actions ...Action) *Table {
	t.allowed[edge{from, to}] = append(t.allowed[edge{from, to}], actions...)
	return t
}

func (t *Table) OnEnter(s State, name string, fn func(ctx context.Context) error) *Table {
	t.enter[s] = append(t.enter[s], Action{Name: name, Run: fn})
	return t
}

func (t *Table) OnExit(s State, name string, fn func(ctx context.Context) error) *Table {
	t.exit[s] = append(t.exit[s], Action{Name: name, Run: fn})
	return t
}

func (t *Table) Allowed(from, to State) bool {
	_, ok := t.allowed[edge{from, to}]
	return ok
}

// plan returns the ordered actions of from -> to.
func (t *Table) plan(from, to State) ([]Action, bool) {
	mid, ok := t.allowed[edge{from, to}]
	if !ok {
		return nil, false
	}
	out := make([]Action, 0, len(t.exit[from])+len(mid)+len(t.enter[to]))
	out = append(out, t.exit[from]...)
	out = append(out, mid...)
	out = append(out, t.enter[to]...)
	return out, true
}

// Machine is one instance of a table.
type Machine struct {
	table *Table

	mu    sync.Mutex
	state State
}

func (t *Table) New(initial State) *Machine {
	return &Machine{table: t, state: initial}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves the machine to next, running exit, transition and entry actions
// in that order. The first failing action stops the sequence and leaves the
// state unchanged. Transitions are serialized.
func (m *Machine) To(ctx context.Context, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions, ok := m.table.plan(m.state, next)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	for _, a := range actions {
		if err := a.Run(ctx); err != nil {
			return fmt.Errorf("%s -> %s: %s: %w", m.state, next, a.Name, err)
		}
	}
	m.state = next
	return nil
}
