// Package fsm is a small flat state machine: states with entry and exit
// actions, guarded transitions picked in declaration order, and internal
// transitions that run an action without leaving the state.
package fsm

import (
	"context"
	"errors"
	"sync"
)

type StateID int
type EventID int

type Event struct {
	ID      EventID
	Payload any
}

type Action func(ctx context.Context, evt *Event, from StateID, to StateID) error
type Guard func(ctx context.Context, evt *Event, from StateID, to StateID) (bool, error)

type State struct {
	ID          StateID
	Transitions []*Transition
	EntryAction Action
	ExitAction  Action
	Initial     bool
}

type Transition struct {
	Event  EventID
	Source *State
	Target *State // nil --> internal transition
	Guard  Guard
	Action Action
}

// Machine runs one set of states. Send is not reentrant: actions must not
// call Send on the machine they run in.
type Machine struct {
	mu      sync.RWMutex
	states  map[StateID]*State
	initial *State
	current *State
	started bool
}

var (
	ErrNoStates   = errors.New("no states provided")
	ErrNilState   = errors.New("nil state")
	ErrDuplicate  = errors.New("duplicate state ID")
	ErrTwoInitial = errors.New("more than one initial state")
	ErrNotStarted = errors.New("machine not started")
)

func (s *State) OnEntry(action Action) {
	s.EntryAction = action
}

func (s *State) OnExit(action Action) {
	s.ExitAction = action
}

// On appends a transition for event e. A nil target makes it internal.
func (s *State) On(e EventID, target *State, guard Guard, action Action) *State {
	s.Transitions = append(s.Transitions, &Transition{
		Event:  e,
		Source: s,
		Target: target,
		Guard:  guard,
		Action: action,
	})
	return s
}

func NewMachine(states ...*State) (*Machine, error) {
	if len(states) == 0 {
		return nil, ErrNoStates
	}
	m := &Machine{states: map[StateID]*State{}}

	for _, s := range states {
		if s == nil {
			return nil, ErrNilState
		}
		if _, exists := m.states[s.ID]; exists {
			return nil, ErrDuplicate
		}
		m.states[s.ID] = s
		if s.Initial {
			if m.initial != nil {
				return nil, ErrTwoInitial
			}
			m.initial = s
		}
		for _, t := range s.Transitions {
			if t != nil && t.Source == nil {
				t.Source = s
			}
		}
	}

	if m.initial == nil {
		m.initial = states[0] // First state is assigned as initial.
	}
	m.current = m.initial
	return m, nil
}

// Start enters the initial state.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.current.enterState(ctx, nil, m.current.ID, m.current.ID); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Send delivers evt. Events with no enabled transition are ignored; the
// returned bool reports whether a transition ran.
func (m *Machine) Send(ctx context.Context, evt Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return false, ErrNotStarted
	}

	t, err := m.pickTransition(ctx, m.current, &evt)
	if err != nil || t == nil {
		return false, err
	}

	next, err := t.doTransition(ctx, &evt)
	m.current = next
	return err == nil, err
}

// Current returns the active state ID.
func (m *Machine) Current() StateID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.ID
}

// Is reports whether the machine is in state id.
func (m *Machine) Is(id StateID) bool {
	return m.Current() == id
}

// Reset returns to the initial state without running any action.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
	m.started = false
}

func (s *State) enterState(ctx context.Context, evt *Event, from StateID, to StateID) error {
	if s.EntryAction != nil {
		return s.EntryAction(ctx, evt, from, to)
	}
	return nil
}

func (s *State) exitState(ctx context.Context, evt *Event, from StateID, to StateID) error {
	if s.ExitAction != nil {
		return s.ExitAction(ctx, evt, from, to)
	}
	return nil
}

// pickTransition grabs the first transition for evt whose guard passes.
func (m *Machine) pickTransition(ctx context.Context, s *State, evt *Event) (*Transition, error) {
	for _, t := range s.Transitions {
		if t == nil || t.Event != evt.ID {
			continue
		}
		pass, err := t.evaluateGuard(ctx, evt)
		if err != nil {
			return nil, err
		}
		if pass {
			return t, nil
		}
	}
	return nil, nil
}

func (t *Transition) targetID() StateID {
	if t.Target == nil {
		return t.Source.ID
	}
	return t.Target.ID
}

func (t *Transition) evaluateGuard(ctx context.Context, evt *Event) (bool, error) {
	if t.Guard != nil {
		return t.Guard(ctx, evt, t.Source.ID, t.targetID())
	}
	return true, nil
}

func (t *Transition) evaluateAction(ctx context.Context, evt *Event) error {
	if t.Action != nil {
		return t.Action(ctx, evt, t.Source.ID, t.targetID())
	}
	return nil
}

// doTransition runs exit, action and entry and returns the resulting state.
func (t *Transition) doTransition(ctx context.Context, evt *Event) (*State, error) {
	from, to := t.Source.ID, t.targetID()

	// Internal transition: action only.
	if t.Target == nil {
		return t.Source, t.evaluateAction(ctx, evt)
	}

	if err := t.Source.exitState(ctx, evt, from, to); err != nil {
		return t.Source, err
	}

	if err := t.evaluateAction(ctx, evt); err != nil {
		// Rewind into the source state.
		if rerr := t.Source.enterState(ctx, nil, from, to); rerr != nil {
			return t.Source, rerr
		}
		return t.Source, err
	}

	if err := t.Target.enterState(ctx, evt, from, to); err != nil {
		return t.Source, err
	}

	return t.Target, nil
}
