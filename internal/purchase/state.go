package purchase

import (
	"context"
	"errors"
	"time"
)

// State captures where a purchase saga currently sits.
type State string

const (
	StateAccepted     State = "accepted"
	StateItemsGranted State = "items_granted"
	StateCompleted    State = "completed"
	StateFaulted      State = "faulted"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted
}

// rank orders states along the forward-only graph.
func (s State) rank() int {
	switch s {
	case StateAccepted:
		return 1
	case StateItemsGranted:
		return 2
	case StateCompleted, StateFaulted:
		return 3
	default:
		return 0
	}
}

// SagaState is the persisted record of one purchase attempt.
type SagaState struct {
	CorrelationID string
	UserID        string
	ItemID        string
	Quantity      int
	UnitPrice     float64
	TotalPrice    float64

	CurrentState State
	ItemsGranted bool
	ErrorReason  string
	NewBalance   float64

	// PendingCommands holds commands recorded with the last transition that
	// have not been handed to the dispatcher yet.
	PendingCommands []Command
	Notified        bool

	ReceivedAt    time.Time
	LastUpdatedAt time.Time
	Version       int64
}

// Clone returns a deep copy so callers never share the pending slice.
func (s *SagaState) Clone() *SagaState {
	if s == nil {
		return nil
	}
	out := *s
	if s.PendingCommands != nil {
		out.PendingCommands = make([]Command, len(s.PendingCommands))
		copy(out.PendingCommands, s.PendingCommands)
	}
	return &out
}

// NeedsAttention reports whether the record still has outbox work or an
// unsent notification.
func (s *SagaState) NeedsAttention() bool {
	return len(s.PendingCommands) > 0 || (s.CurrentState.Terminal() && !s.Notified)
}

var (
	ErrNotFound            = errors.New("purchase saga not found")
	ErrAlreadyExists       = errors.New("purchase saga already exists")
	ErrVersionConflict     = errors.New("purchase saga version conflict")
	ErrIdempotencyConflict = errors.New("correlation id reused with different purchase")
	ErrUnknownItem         = errors.New("unknown item")
	ErrInvalidEvent        = errors.New("invalid purchase event")
)

// Store persists saga records with optimistic concurrency.
//
// Create fails with ErrAlreadyExists when the correlation id is taken.
// CompareAndSwap writes s only if the stored version equals expectedVersion and
// fails with ErrVersionConflict otherwise; a successful write returns the
// record with its new version.
type Store interface {
	Get(ctx context.Context, correlationID string) (*SagaState, error)
	Create(ctx context.Context, s *SagaState) (*SagaState, error)
	CompareAndSwap(ctx context.Context, s *SagaState, expectedVersion int64) (*SagaState, error)
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*SagaState, error)
	AddStep(ctx context.Context, correlationID, step, status, detail string) error
}
