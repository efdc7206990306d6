package purchase

import "context"

// OutcomeStatus is the final verdict pushed to the client.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFaulted   OutcomeStatus = "faulted"
)

// Outcome is the payload delivered once a saga becomes terminal.
type Outcome struct {
	Status     OutcomeStatus `json:"status"`
	ItemID     string        `json:"itemId"`
	Quantity   int           `json:"quantity,omitempty"`
	NewBalance float64       `json:"newBalance"`
	Reason     string        `json:"reason,omitempty"`
}

// Notifier pushes the outcome of a purchase to the user who started it.
// The saga calls it once per terminal transition and never waits for an
// acknowledgment; a returned error is logged only.
type Notifier interface {
	Notify(ctx context.Context, userID, correlationID string, outcome Outcome) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID, correlationID string, outcome Outcome) error

func (f NotifierFunc) Notify(ctx context.Context, userID, correlationID string, outcome Outcome) error {
	return f(ctx, userID, correlationID, outcome)
}

// OutcomeFor derives the notification payload from a terminal record.
func OutcomeFor(s *SagaState) Outcome {
	if s.CurrentState == StateCompleted {
		return Outcome{
			Status:     OutcomeSucceeded,
			ItemID:     s.ItemID,
			Quantity:   s.Quantity,
			NewBalance: s.NewBalance,
		}
	}
	return Outcome{
		Status: OutcomeFaulted,
		ItemID: s.ItemID,
		Reason: s.ErrorReason,
	}
}
