package state

import (
	"fmt"
)

// GlobalState is a game's progress state.
type GlobalState uint8

const (
	Default GlobalState = iota
	Ready
	InProgress
	Paused
	Complete
)

var stateNames = [...]string{
	Default:    "default",
	Ready:      "ready",
	InProgress: "in-progress",
	Paused:     "paused",
	Complete:   "complete",
}

func (s GlobalState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s GlobalState) Valid() bool {
	return int(s) < len(stateNames)
}

func Parse(name string) (GlobalState, error) {
	for i, n := range stateNames {
		if n == name {
			return GlobalState(i), nil
		}
	}
	return Default, fmt.Errorf("unknown game state %q", name)
}

func (s GlobalState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown game state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *GlobalState) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EnterFunc observes a completed transition.
type EnterFunc func(from, to GlobalState)

// Machine holds the current state. Any state may move to any other state; moving to the
// current state is refused so observers never see a duplicate transition.
// It is not safe for concurrent use; the owning room serializes access.
type Machine struct {
	current GlobalState
	onEnter []EnterFunc
}

func NewMachine(initial GlobalState) *Machine {
	return &Machine{current: initial}
}

func (m *Machine) Current() GlobalState {
	return m.current
}

func (m *Machine) Is(s GlobalState) bool {
	return m.current == s
}

// OnEnter registers fn to run after every successful transition.
func (m *Machine) OnEnter(fn EnterFunc) {
	m.onEnter = append(m.onEnter, fn)
}

// Transition moves to next and reports whether anything changed.
func (m *Machine) Transition(next GlobalState) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("unknown game state %d", uint8(next))
	}
	if m.current == next {
		return false, nil
	}

	prev := m.current
	m.current = next
	for _, fn := range m.onEnter {
		fn(prev, next)
	}
	return true, nil
}
