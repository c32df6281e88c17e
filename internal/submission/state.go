package submission

import (
	"errors"
	"fmt"

	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// State is the submission state of one row.
type State string

const (
	StateValid      State = "Valid"
	StateSubmitting State = "Submitting"
	StateSuccess    State = "Success"
	StateError      State = "Error"
)

// ErrInvalidTransition is wrapped by every rejected state transition.
var ErrInvalidTransition = errors.New("invalid submission state transition")

// stateTable holds the current state of every row the reconciler has seen,
// keyed by sequence id.
type stateTable map[string]State

// stateOf maps a row status onto the submission state machine.
func stateOf(status types.Status) (State, bool) {
	switch status {
	case types.StatusValid:
		return StateValid, true
	case types.StatusError:
		return StateError, true
	case types.StatusSuccess:
		return StateSuccess, true
	default:
		return "", false
	}
}

// Transition performs a validated transition for a single row.
//
// The caller supplies the expected prior state (from) so that a double
// submission is observable. The table is changed only when the transition
// is valid.
func Transition(states stateTable, sequenceID string, from, to State) error {
	cur, ok := states[sequenceID]
	if !ok {
		return fmt.Errorf("%w: unknown row %q", ErrInvalidTransition, sequenceID)
	}
	if cur != from {
		return fmt.Errorf("%w: row %q expected %s, got %s", ErrInvalidTransition, sequenceID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: row %q %s -> %s", ErrInvalidTransition, sequenceID, from, to)
	}
	states[sequenceID] = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateValid, StateError:
		return to == StateSubmitting
	case StateSubmitting:
		// Back to Valid/Error when a cancelled batch releases the row.
		return to == StateSuccess || to == StateError || to == StateValid
	default:
		return false
	}
}
