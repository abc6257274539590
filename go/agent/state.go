package agent

// State is a task lifecycle state.
type State string

const (
	StateSubmitted     State = "submitted"
	StateQueued        State = "queued"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
	StateRejected      State = "rejected"
	StateInputRequired State = "input-required"
	StateAuthRequired  State = "auth-required"
)

// IsTerminal reports whether |s| admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// transitions is the task state machine. States absent from the map are
// terminal. The worker is the canonical writer for running..terminal;
// endpoints only ever write submitted, queued, or canceled.
var transitions = map[State][]State{
	StateSubmitted: {StateQueued, StateCanceled, StateRejected, StateFailed},
	StateQueued:    {StateRunning, StateCanceled, StateRejected, StateFailed},
	StateRunning: {
		StateCompleted, StateFailed, StateCanceled, StateRejected,
		StateInputRequired, StateAuthRequired,
	},
	StateInputRequired: {StateRunning, StateCanceled, StateFailed},
	StateAuthRequired:  {StateRunning, StateCanceled, StateFailed},
}

// CanTransition reports whether |from| -> |to| is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
