package ledger

var transitions = map[Status][]Status{
	StatusOpen:   {StatusHeld, StatusBooked},
	StatusHeld:   {StatusHeld, StatusBooked, StatusOpen},
	StatusBooked: {StatusOpen, StatusCancelled, StatusNoShow, StatusCompleted},
}

// CanTransition reports whether a row may move from one status to another.
// CANCELLED, NO_SHOW and COMPLETED are terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func isOutcome(s Status) bool {
	return s == StatusCancelled || s == StatusNoShow || s == StatusCompleted
}
