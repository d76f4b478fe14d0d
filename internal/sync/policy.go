package sync

import "github.com/njoerd114/hazardrelay/internal/model"

// Decision is the outcome of [Policy.Decide].
type Decision int

const (
	// Retry leaves the item for the next cycle.
	Retry Decision = iota
	// DeadLetter removes the item for good.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a queue item after a failed attempt. It
// performs no I/O and never sleeps: the next attempt is the next cycle.
type Policy struct{}

// Decide counts the failed attempt against item's budget. Validation and
// unknown-action errors dead-letter immediately regardless of the count.
// With MaxRetries=3 an item that always fails is attempted exactly 3 times.
func (Policy) Decide(item *model.QueueItem, err error) Decision {
	if !model.Retryable(err) {
		return DeadLetter
	}
	budget := item.MaxRetries
	if budget <= 0 {
		budget = model.DefaultMaxRetries
	}
	if item.RetryCount+1 >= budget {
		return DeadLetter
	}
	return Retry
}
