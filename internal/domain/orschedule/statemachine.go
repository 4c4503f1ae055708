package orschedule

// transitions is the complete set of legal status edges. Anything not listed,
// including a repeat of the edge a case already took, is rejected.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return NewValidationError("invalid status %q", to)
	}
	if !CanTransition(from, to) {
		return NewInvalidTransitionError(from, to)
	}
	return nil
}
