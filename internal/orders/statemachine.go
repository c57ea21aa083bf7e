package orders

import (
	"fmt"
	"strings"
)

// manualTransitions lists the statuses an operator may move an order to.
// processing and completed are reached only through recorded progress.
var manualTransitions = map[Status][]Status{
	StatusCreated:      {StatusNeedMaterial, StatusConfirmed, StatusCancelled},
	StatusNeedMaterial: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:    {StatusNeedMaterial, StatusCancelled},
	StatusProcessing:   {StatusCancelled},
	StatusCompleted:    {StatusShipped, StatusCancelled},
	StatusShipped:      {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether an operator may move an order from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range manualTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the manual targets reachable from s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), manualTransitions[s]...)
}

// Aggregate is the piece count of an order after a write.
type Aggregate struct {
	Ordered   int
	Completed int
	// PiecesRecorded is true when the write that triggered derivation added pieces.
	PiecesRecorded bool
}

// Derivation is the outcome of DeriveFromProgress.
type Derivation struct {
	From    Status
	To      Status
	Changed bool
	Reason  string
}

// DeriveFromProgress applies the progress driven rules in order:
// start of production, completion, then reversal of completion.
func DeriveFromProgress(current Status, agg Aggregate) Derivation {
	next := current
	var reasons []string

	if agg.PiecesRecorded && (next == StatusCreated || next == StatusConfirmed) {
		next = StatusProcessing
		reasons = append(reasons, "production started: first pieces recorded")
	}

	if agg.Ordered > 0 && agg.Completed >= agg.Ordered {
		switch next {
		case StatusCompleted, StatusShipped, StatusDelivered, StatusCancelled:
		default:
			next = StatusCompleted
			reasons = append(reasons, fmt.Sprintf("all %d of %d pieces finished", agg.Completed, agg.Ordered))
		}
	} else if next == StatusCompleted {
		next = StatusProcessing
		reasons = append(reasons, fmt.Sprintf("completion reverted: %d of %d pieces finished", agg.Completed, agg.Ordered))
	}

	return Derivation{
		From:    current,
		To:      next,
		Changed: next != current,
		Reason:  strings.Join(reasons, "; "),
	}
}
