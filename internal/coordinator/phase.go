package coordinator

import "fmt"

// Phase is the coordinator-side state of one transfer.
type Phase string

const (
	PhasePreparing  Phase = "PREPARING"
	PhasePrepared   Phase = "PREPARED"
	PhaseCommitting Phase = "COMMITTING"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseAborting   Phase = "ABORTING"
	PhaseAborted    Phase = "ABORTED"
)

// AllowedTransitions defines valid phase transitions
func AllowedTransitions() map[Phase][]Phase {
	return map[Phase][]Phase{
		PhasePreparing:  {PhasePrepared, PhaseCommitting, PhaseAborting},
		PhasePrepared:   {PhaseCommitting, PhaseAborting},
		PhaseCommitting: {PhaseCommitted},
		PhaseAborting:   {PhaseAborted},
		PhaseCommitted:  {}, // Terminal state
		PhaseAborted:    {}, // Terminal state
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

func (p Phase) Valid() bool {
	_, ok := AllowedTransitions()[p]
	return ok
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, next := range AllowedTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid phase transition
type InvalidTransitionError struct {
	From       Phase
	To         Phase
	TransferID string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %s to %s for transfer %s", e.From, e.To, e.TransferID)
}
