package lifecycle

import (
	"encoding/json"

	"github.com/ledgerline/casegov/pkg/ledger"
)

// eventStates maps commit causes to the state they move a case into. Events
// absent from the table carry no lifecycle meaning and are skipped by the
// fold, which is what keeps replay forward-compatible with new event types.
var eventStates = map[ledger.EventType]State{
	ledger.EventCaseCreated:       StateIntaked,
	ledger.EventRouted:            StateRouted,
	ledger.EventRoutingSuperseded: StateRouted,
	ledger.EventExecutionStarted:  StateExecuting,
	ledger.EventExecutionAborted:  StateRouted,
	ledger.EventVerified:          StateVerified,
	ledger.EventDisbursementDone:  StateDisbursed,
	ledger.EventCaseAccepted:      StateClosed,
	ledger.EventCaseFlagged:       StateFlagged,
	ledger.EventCaseRejected:      StateRejected,
	ledger.EventCaseArchived:      StateArchived,
}

// TransitionEventTypes returns the causes the fold reacts to, for metrics
// and diagnostics.
func TransitionEventTypes() []ledger.EventType {
	out := make([]ledger.EventType, 0, len(eventStates)+1)
	for t := range eventStates {
		out = append(out, t)
	}
	return append(out, ledger.EventLifecycleRepaired)
}

type repairPayload struct {
	To State `json:"to"`
}

// Derive folds a case's commits, oldest first, into its lifecycle state. The
// fold is pure and total: unknown events and malformed repair payloads are
// ignored rather than failing, so the same trail always derives the same
// state.
func Derive(commits []ledger.Commit) State {
	state := StateIntaked
	for i := range commits {
		c := &commits[i]
		if c.EventType == ledger.EventLifecycleRepaired {
			var p repairPayload
			if err := json.Unmarshal(c.Payload.Data, &p); err == nil && Known(p.To) {
				state = p.To
			}
			continue
		}
		if next, ok := eventStates[c.EventType]; ok {
			state = next
		}
	}
	return state
}
