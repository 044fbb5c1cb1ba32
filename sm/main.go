package sm

import "fmt"

// State is a named state of the machine.
type State string

type stateObj struct {
	name State
	to   map[State]struct{}
	from map[State]struct{}
}

var invalidTransition = func(from, to State) error {
	return fmt.Errorf("invalid transition: %v --> %v", from, to)
}

var stateNotFound = func(name State) error {
	return fmt.Errorf("state not found: %v", name)
}

// Hook is called after every successful transition.
type Hook func(from, to State)

// StateMachine is a finite state machine with a fixed transition table.
// It is not safe for concurrent use; the owner serializes access.
type StateMachine struct {
	current State
	states  map[State]stateObj
	hooks   []Hook
}

// NewStateMachine returns an empty machine without states and transitions.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: "",
		states:  map[State]stateObj{},
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return sm.current
}

// SetState forces the current state without checking the transition table.
// Used to set the initial state.
func (sm *StateMachine) SetState(state State) {
	sm.states[state] = sm.getState(state)
	sm.current = state
}

// OnTransition registers a hook called after every successful GoTo.
func (sm *StateMachine) OnTransition(hook Hook) {
	sm.hooks = append(sm.hooks, hook)
}

func (sm *StateMachine) getState(name State) stateObj {
	state, ok := sm.states[name]
	if !ok {
		state = stateObj{
			name: name,
			to:   map[State]struct{}{},
			from: map[State]struct{}{},
		}
	}
	return state
}

// AddTransitions allows transitions from `from` to each of `to`.
func (sm *StateMachine) AddTransitions(from State, to ...State) error {
	for _, name := range to {
		if err := sm.AddTransition(from, name); err != nil {
			return err
		}
	}
	return nil
}

// AddTransition allows the transition from `from` to `to`.
func (sm *StateMachine) AddTransition(from, to State) error {
	if from == to {
		return invalidTransition(from, to)
	}

	fromState := sm.getState(from)
	fromState.to[to] = struct{}{}
	sm.states[from] = fromState

	toState := sm.getState(to)
	toState.from[from] = struct{}{}
	sm.states[to] = toState

	return nil
}

// CanGoTo reports whether the transition from the current state to `name` is allowed.
func (sm *StateMachine) CanGoTo(name State) bool {
	if _, ok := sm.states[name]; !ok {
		return false
	}
	_, ok := sm.states[sm.current].to[name]
	return ok
}

// GoTo moves the machine into the `name` state.
// Moving into the current state is a no-op.
func (sm *StateMachine) GoTo(name State) error {
	if _, ok := sm.states[name]; !ok {
		return stateNotFound(name)
	}
	if sm.current == name {
		return nil
	}

	if _, ok := sm.states[sm.current].to[name]; !ok {
		return invalidTransition(sm.current, name)
	}

	prev := sm.current
	sm.current = name
	for _, hook := range sm.hooks {
		hook(prev, name)
	}
	return nil
}
