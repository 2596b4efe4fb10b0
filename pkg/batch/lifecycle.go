package batch

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Mode selects how strictly the lifecycle graph is enforced.
type Mode string

const (
	// ModeStrict only allows the adjacency graph in DefaultTransitions.
	ModeStrict Mode = "strict"
	// ModePermissive allows any known state from a non-terminal state.
	ModePermissive Mode = "permissive"
)

// Transition error codes.
const (
	CodeInvalidTransition = "LIFECYCLE_INVALID_TRANSITION"
	CodeTerminalState     = "LIFECYCLE_TERMINAL_STATE"
)

// TransitionRule defines an allowed lifecycle transition.
type TransitionRule struct {
	From State
	To   State
}

// DefaultTransitions is the strict adjacency graph. Rejection is reachable
// from every non-terminal state.
var DefaultTransitions = []TransitionRule{
	{From: StateHarvested, To: StateInTransit},
	{From: StateInTransit, To: StateInColdStorage},
	{From: StateInColdStorage, To: StateDelivered},
	{From: StateHarvested, To: StateRejected},
	{From: StateInTransit, To: StateRejected},
	{From: StateInColdStorage, To: StateRejected},
}

// TerminalStates are sinks: nothing leaves them.
var TerminalStates = mapset.NewSet(StateDelivered, StateRejected)

// IsTerminal reports whether s is a sink state.
func IsTerminal(s State) bool {
	return TerminalStates.Contains(s)
}

// LifecycleMachine validates batch state transitions.
type LifecycleMachine struct {
	mode       Mode
	successors map[State]mapset.Set[State]
}

// NewLifecycleMachine creates a machine with the default graph. An empty or
// unknown mode is treated as strict.
func NewLifecycleMachine(mode Mode) *LifecycleMachine {
	if mode != ModePermissive {
		mode = ModeStrict
	}
	succ := make(map[State]mapset.Set[State], len(AllStates))
	for _, s := range AllStates {
		succ[s] = mapset.NewThreadUnsafeSet[State]()
	}
	for _, t := range DefaultTransitions {
		succ[t.From].Add(t.To)
	}
	return &LifecycleMachine{mode: mode, successors: succ}
}

// Mode returns the enforcement mode.
func (m *LifecycleMachine) Mode() Mode { return m.mode }

// ValidateTransition returns nil if from->to is allowed, otherwise a
// *TransitionError. Staying in the same non-terminal state is a custody
// hand-off and always allowed.
func (m *LifecycleMachine) ValidateTransition(from, to State) error {
	if IsTerminal(from) {
		return &TransitionError{
			Code:    CodeTerminalState,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("batch is in terminal state %s", from),
		}
	}
	if !to.Valid() {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("unknown target state %q", to),
		}
	}
	if from == to {
		return nil
	}
	if m.mode == ModePermissive {
		return nil
	}
	if succ, ok := m.successors[from]; ok && succ.Contains(to) {
		return nil
	}
	return &TransitionError{
		Code:    CodeInvalidTransition,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns the states reachable from the given state,
// excluding the same-state hand-off, in lifecycle order.
func (m *LifecycleMachine) AllowedTransitions(from State) []State {
	if IsTerminal(from) {
		return nil
	}
	var allowed []State
	if m.mode == ModePermissive {
		for _, s := range AllStates {
			if s != from {
				allowed = append(allowed, s)
			}
		}
		return allowed
	}
	succ, ok := m.successors[from]
	if !ok {
		return nil
	}
	allowed = succ.ToSlice()
	sort.Slice(allowed, func(i, j int) bool { return stateOrder(allowed[i]) < stateOrder(allowed[j]) })
	return allowed
}

func stateOrder(s State) int {
	for i, k := range AllStates {
		if k == s {
			return i
		}
	}
	return len(AllStates)
}

// TransitionError is a structured error for invalid transitions.
type TransitionError struct {
	Code    string `json:"code"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
