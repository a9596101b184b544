package flow

import (
	"errors"
	"fmt"
	"sort"
)

// State describes one state of a Definition.
type State struct {
	// ID is the state identifier.
	ID StateID `json:"id"`

	// Kind is the role of the state.
	Kind StateKind `json:"kind"`

	// Action runs when the flow is in this state. Terminal states have none.
	Action Action `json:"-"`

	// Emits lists the events the action may produce besides FAILURE and TIMEOUT.
	Emits []EventKind `json:"emits,omitempty"`

	// Message is recorded in history when the state is entered.
	Message string `json:"message,omitempty"`
}

// Definition is the immutable transition table of one flow type.
type Definition struct {
	id          string
	initial     StateID
	failure     StateID
	states      map[StateID]*State
	order       []StateID
	transitions map[StateID]map[EventKind]StateID
}

// ID returns the flow type identifier.
func (d *Definition) ID() string { return d.id }

// Initial returns the entry state.
func (d *Definition) Initial() StateID { return d.initial }

// FailureState returns the designated failure state, reachable from every
// non-terminal state.
func (d *Definition) FailureState() StateID { return d.failure }

// State returns the state with the given id.
func (d *Definition) State(id StateID) (State, bool) {
	s, ok := d.states[id]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// States returns all states in declaration order.
func (d *Definition) States() []State {
	out := make([]State, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.states[id])
	}
	return out
}

// IsTerminal reports whether the state ends the flow.
func (d *Definition) IsTerminal(id StateID) bool {
	s, ok := d.states[id]
	return ok && s.Kind.IsTerminal()
}

// Action returns the action bound to a state.
func (d *Definition) Action(id StateID) (Action, error) {
	s, ok := d.states[id]
	if !ok {
		return nil, NewProgrammingError("unknown state", nil).
			WithCode(ErrCodeUnknownState).WithState(id).WithDetail("definition", d.id)
	}
	if s.Action == nil {
		return nil, NewProgrammingError("no action bound to state", nil).
			WithCode(ErrCodeUnboundAction).WithState(id).WithDetail("definition", d.id)
	}
	return s.Action, nil
}

// NextState looks up the transition for (current, event). A missing entry is a
// definition defect.
func (d *Definition) NextState(current StateID, event EventKind) (StateID, error) {
	if next, ok := d.transitions[current][event]; ok {
		return next, nil
	}
	return "", NewProgrammingError(fmt.Sprintf("no transition for event %s", event), nil).
		WithCode(ErrCodeUnknownTransition).WithState(current).WithDetail("definition", d.id)
}

// Transitions returns a copy of the outgoing transitions of a state.
func (d *Definition) Transitions(id StateID) map[EventKind]StateID {
	out := make(map[EventKind]StateID, len(d.transitions[id]))
	for k, v := range d.transitions[id] {
		out[k] = v
	}
	return out
}

// Events returns the events a state must handle, sorted.
func (d *Definition) Events(id StateID) []EventKind {
	s, ok := d.states[id]
	if !ok || s.Kind.IsTerminal() {
		return nil
	}
	set := map[EventKind]struct{}{EventFailure: {}, EventTimeout: {}}
	for _, e := range s.Emits {
		set[e] = struct{}{}
	}
	out := make([]EventKind, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StateOption configures a state while building a definition.
type StateOption func(*State)

// Emits declares the events an action may produce. Without it an action is
// assumed to produce SUCCESS only.
func Emits(kinds ...EventKind) StateOption {
	return func(s *State) {
		s.Emits = append(s.Emits[:0:0], kinds...)
	}
}

// Describe sets the history message recorded when the state is entered.
func Describe(message string) StateOption {
	return func(s *State) {
		s.Message = message
	}
}

// Builder assembles a Definition. Build validates and freezes it.
type Builder struct {
	def  *Definition
	errs []error
}

// NewBuilder starts a definition for the given flow type.
func NewBuilder(id string) *Builder {
	return &Builder{
		def: &Definition{
			id:          id,
			states:      make(map[StateID]*State),
			transitions: make(map[StateID]map[EventKind]StateID),
		},
	}
}

func (b *Builder) add(id StateID, kind StateKind, action Action, opts []StateOption) *Builder {
	if _, exists := b.def.states[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate state %s", id))
		return b
	}
	s := &State{ID: id, Kind: kind, Action: action}
	if !kind.IsTerminal() {
		s.Emits = []EventKind{EventSuccess}
	}
	for _, opt := range opts {
		opt(s)
	}
	b.def.states[id] = s
	b.def.order = append(b.def.order, id)
	return b
}

// Initial adds the entry state.
func (b *Builder) Initial(id StateID, action Action, opts ...StateOption) *Builder {
	if b.def.initial != "" {
		b.errs = append(b.errs, fmt.Errorf("initial state already set to %s", b.def.initial))
		return b
	}
	b.def.initial = id
	return b.add(id, StateKindInitial, action, opts)
}

// Step adds an intermediate state.
func (b *Builder) Step(id StateID, action Action, opts ...StateOption) *Builder {
	return b.add(id, StateKindIntermediate, action, opts)
}

// Succeed adds a terminal success state.
func (b *Builder) Succeed(id StateID, opts ...StateOption) *Builder {
	return b.add(id, StateKindSuccess, nil, opts)
}

// Fail adds a terminal failure state. The first one added becomes the
// designated failure state.
func (b *Builder) Fail(id StateID, opts ...StateOption) *Builder {
	if b.def.failure == "" {
		b.def.failure = id
	}
	return b.add(id, StateKindFailure, nil, opts)
}

// On adds the transition from --event--> to.
func (b *Builder) On(from StateID, event EventKind, to StateID) *Builder {
	m, ok := b.def.transitions[from]
	if !ok {
		m = make(map[EventKind]StateID)
		b.def.transitions[from] = m
	}
	if prev, exists := m[event]; exists && prev != to {
		b.errs = append(b.errs, fmt.Errorf("conflicting transition %s --%s--> %s and %s", from, event, prev, to))
		return b
	}
	m[event] = to
	return b
}

// Then is shorthand for On(from, SUCCESS, to).
func (b *Builder) Then(from, to StateID) *Builder {
	return b.On(from, EventSuccess, to)
}

// Build applies default failure routing, validates, and returns the definition.
// FAILURE and TIMEOUT of every non-terminal state route to the designated
// failure state unless mapped explicitly.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, NewProgrammingError("invalid definition "+b.def.id, errors.Join(b.errs...)).
			WithCode(ErrCodeInvalidDefinition)
	}
	if b.def.failure != "" {
		for _, id := range b.def.order {
			if b.def.states[id].Kind.IsTerminal() {
				continue
			}
			for _, kind := range []EventKind{EventFailure, EventTimeout} {
				if _, ok := b.def.transitions[id][kind]; !ok {
					b.On(id, kind, b.def.failure)
				}
			}
		}
	}
	if err := Validate(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild is like Build but panics on an invalid definition. It is meant for
// package-level flow definitions that are covered by tests.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
