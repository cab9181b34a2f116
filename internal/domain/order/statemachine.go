package order

import "fmt"

var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusLocked, StatusFailed, StatusCancelled},
	// Back to QUEUED when a claim is abandoned before anything was sent.
	StatusLocked: {StatusSent, StatusFailed, StatusQueued},
	// Back to QUEUED on a retryable failure or when the provider never saw the reference.
	StatusSent: {StatusConfirmed, StatusFailed, StatusQueued},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition fails closed for anything outside the table.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

// Legacy maps canonical states onto the older PENDING/PROCESSING/COMPLETED
// vocabulary still shown by some clients.
func (s Status) Legacy() string {
	switch s {
	case StatusCreated, StatusQueued:
		return "PENDING"
	case StatusLocked, StatusSent:
		return "PROCESSING"
	case StatusConfirmed:
		return "COMPLETED"
	default:
		return string(s)
	}
}

// AggregateStatus derives a group status from its items.
func AggregateStatus(items []*Item) Status {
	if len(items) == 0 {
		return StatusCreated
	}
	counts := make(map[Status]int, len(items))
	for _, it := range items {
		counts[it.Status]++
	}
	if len(counts) == 1 {
		return items[0].Status
	}
	switch {
	case counts[StatusSent]+counts[StatusLocked] > 0:
		return StatusSent
	case counts[StatusQueued]+counts[StatusCreated] > 0:
		return StatusQueued
	default:
		return StatusPartial
	}
}
