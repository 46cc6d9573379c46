package ledger

import "github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"

type Decision int

const (
	// DecisionApply moves the row to the target status.
	DecisionApply Decision = iota
	// DecisionNoop means the row is already in the target status.
	DecisionNoop
	// DecisionStale means the target is behind the recorded status, e.g. a pending event after success.
	DecisionStale
	// DecisionConflict means the target contradicts a recorded success. Never applied, flagged for review.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "applied"
	case DecisionNoop:
		return "noop"
	case DecisionStale:
		return "stale"
	case DecisionConflict:
		return "conflict"
	}
	return "unknown"
}

var transitions = map[transaction.Status]map[transaction.Status]Decision{
	transaction.StatusPending: {
		transaction.StatusRequiresAction: DecisionApply,
		transaction.StatusSucceeded:      DecisionApply,
		transaction.StatusFailed:         DecisionApply,
	},
	transaction.StatusRequiresAction: {
		transaction.StatusSucceeded: DecisionApply,
		transaction.StatusFailed:    DecisionApply,
		transaction.StatusPending:   DecisionStale,
	},
	transaction.StatusSucceeded: {
		transaction.StatusFailed:         DecisionConflict,
		transaction.StatusPending:        DecisionStale,
		transaction.StatusRequiresAction: DecisionStale,
	},
	transaction.StatusFailed: {
		// the provider settled after we gave up on it
		transaction.StatusSucceeded:      DecisionApply,
		transaction.StatusPending:        DecisionStale,
		transaction.StatusRequiresAction: DecisionStale,
	},
}

// Decide is the single transition table shared by the orchestrator and the webhook path.
func Decide(from, to transaction.Status) Decision {
	if from == to {
		return DecisionNoop
	}
	if next, ok := transitions[from]; ok {
		if d, ok := next[to]; ok {
			return d
		}
	}
	return DecisionStale
}
