package scheduling

// transitions lists, for every non-terminal status, the statuses it may move
// to. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusInProgress, StatusAttended, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusAttended, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusAttended, StatusCancelled, StatusNoShow},
}

var knownStatuses = map[Status]bool{
	StatusScheduled:  true,
	StatusConfirmed:  true,
	StatusInProgress: true,
	StatusAttended:   true,
	StatusCancelled:  true,
	StatusNoShow:     true,
}

func (s Status) Valid() bool { return knownStatuses[s] }

// Terminal reports whether no further transition or reschedule is possible.
func (s Status) Terminal() bool {
	_, open := transitions[s]
	return s.Valid() && !open
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns the typed error describing why from -> to is
// rejected, or nil.
func checkTransition(from, to Status) error {
	switch {
	case from == to && to == StatusCancelled:
		return ErrAlreadyCancelled
	case from.Terminal():
		return newError(KindState, CodeTerminalState, "appointment is %s and can no longer change", from)
	case !CanTransition(from, to):
		return newError(KindState, CodeInvalidTransition, "cannot move appointment from %s to %s", from, to)
	}
	return nil
}
