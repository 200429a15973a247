package dose

import (
	"errors"
	"fmt"
)

// transitions is the closed set of legal (from, to) pairs. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:          {StatusDispensedWaiting, StatusError, StatusSkipped},
	StatusDispensedWaiting: {StatusTaken, StatusMissed},
	StatusError:            {StatusPending},
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected state-machine transition. It carries the
// dose id and the offending (from, to) pair so callers can surface the
// current state to the client.
type TransitionError struct {
	DoseID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("dose %s: illegal transition %s -> %s", e.DoseID, e.From, e.To)
}

// AsTransitionError returns the first TransitionError in err's chain, if any.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
