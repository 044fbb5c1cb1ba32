package sm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const nilStep = State("")

func TestNewStateMachine(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, nilStep, sm.current)
	assert.NotNil(t, sm.states)
	assert.Empty(t, sm.hooks)
}

func TestStateMachine_getState(t *testing.T) {
	sm := NewStateMachine()
	name := State("test")

	state := sm.getState(name)
	assert.Equal(t, name, state.name)
	assert.NotNil(t, state.from)
	assert.NotNil(t, state.to)

	_, ok := sm.states[name]
	assert.False(t, ok, "getState must not register the state")
}

func TestStateMachine_SetState(t *testing.T) {
	sm := NewStateMachine()
	name := State("test")

	sm.SetState(name)
	assert.Equal(t, name, sm.State())
	_, ok := sm.states[name]
	assert.True(t, ok)
}

func TestStateMachine_AddTransition(t *testing.T) {
	sm := NewStateMachine()
	from := State("from")
	to := State("to")

	err := sm.AddTransition(from, from)
	assert.Error(t, err)
	assert.Equal(t, invalidTransition(from, from).Error(), err.Error())

	err = sm.AddTransition(from, to)
	assert.NoError(t, err)

	state := sm.getState(from)
	_, ok := state.to[to]
	assert.True(t, ok)

	state = sm.getState(to)
	_, ok = state.from[from]
	assert.True(t, ok)
}

func TestStateMachine_AddTransitions(t *testing.T) {
	sm := NewStateMachine()
	from := State("from")
	tos := []State{"to_1", "to_2", "to_3"}
	assert.NoError(t, sm.AddTransitions(from, tos...))

	state := sm.getState(from)
	for _, to := range tos {
		_, ok := state.to[to]
		assert.True(t, ok)

		_, ok = sm.getState(to).from[from]
		assert.True(t, ok)
	}
}

func TestStateMachine_GoTo(t *testing.T) {
	sm := NewStateMachine()
	from := State("from")
	tos := []State{"to_1", "to_2", "to_3"}
	assert.NoError(t, sm.AddTransitions(from, tos[0], tos[1]))
	assert.NoError(t, sm.AddTransitions(tos[0], tos[2]))
	sm.SetState(from)

	err := sm.GoTo("universe")
	assert.Error(t, err)
	assert.Equal(t, stateNotFound("universe").Error(), err.Error())
	assert.Equal(t, from, sm.State())

	assert.NoError(t, sm.GoTo(from))
	assert.Equal(t, from, sm.State())

	err = sm.GoTo(tos[2])
	assert.Error(t, err)
	assert.Equal(t, invalidTransition(from, tos[2]).Error(), err.Error())

	assert.True(t, sm.CanGoTo(tos[0]))
	assert.False(t, sm.CanGoTo(tos[2]))

	assert.NoError(t, sm.GoTo(tos[0]))
	assert.NoError(t, sm.GoTo(tos[2]))
	assert.Equal(t, tos[2], sm.State())
}

func TestStateMachine_OnTransition(t *testing.T) {
	sm := NewStateMachine()
	assert.NoError(t, sm.AddTransitions("a", "b"))
	assert.NoError(t, sm.AddTransitions("b", "c"))
	sm.SetState("a")

	var seen [][2]State
	sm.OnTransition(func(from, to State) {
		seen = append(seen, [2]State{from, to})
	})

	assert.NoError(t, sm.GoTo("b"))
	assert.NoError(t, sm.GoTo("b"))
	assert.Error(t, sm.GoTo("a"))
	assert.NoError(t, sm.GoTo("c"))

	assert.Equal(t, [][2]State{{"a", "b"}, {"b", "c"}}, seen)
}
