// Package lifecycle holds the case state machine: the pure fold that derives
// a case's lifecycle from its ledger trail, and the transition service that
// commits state changes through the ledger.
package lifecycle

// State is a case lifecycle state.
type State string

const (
	StateIntaked   State = "INTAKED"
	StateRouted    State = "ROUTED"
	StateExecuting State = "EXECUTING"
	StateVerified  State = "VERIFIED"
	StateDisbursed State = "DISBURSED"
	StateClosed    State = "CLOSED"
	StateFlagged   State = "FLAGGED"
	StateRejected  State = "REJECTED"
	StateArchived  State = "ARCHIVED"
)

var knownStates = map[State]struct{}{
	StateIntaked: {}, StateRouted: {}, StateExecuting: {}, StateVerified: {},
	StateDisbursed: {}, StateClosed: {}, StateFlagged: {}, StateRejected: {},
	StateArchived: {},
}

// Known reports whether s names a real state.
func Known(s State) bool {
	_, ok := knownStates[s]
	return ok
}

// Terminal states admit no further transitions except repair.
func Terminal(s State) bool {
	return s == StateClosed || s == StateRejected || s == StateArchived
}

// allowedTransitions is the forward state machine. FLAGGED is a hold state
// reachable from any non-terminal state; leaving it resumes at ROUTED or
// resolves the case outright.
var allowedTransitions = map[State]map[State]struct{}{
	StateIntaked: {
		StateRouted: {}, StateFlagged: {}, StateRejected: {}, StateArchived: {},
	},
	StateRouted: {
		StateExecuting: {}, StateFlagged: {}, StateRejected: {}, StateArchived: {},
	},
	StateExecuting: {
		StateVerified: {}, StateRouted: {}, StateFlagged: {}, StateRejected: {},
		StateArchived: {},
	},
	StateVerified: {
		StateDisbursed: {}, StateClosed: {}, StateFlagged: {}, StateArchived: {},
	},
	StateDisbursed: {
		StateClosed: {}, StateArchived: {},
	},
	StateFlagged: {
		StateRouted: {}, StateRejected: {}, StateClosed: {}, StateArchived: {},
	},
	StateClosed:   {},
	StateRejected: {},
	StateArchived: {},
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}
