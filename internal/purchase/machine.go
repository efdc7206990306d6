package purchase

import (
	"fmt"
	"strings"
	"time"
)

// Inputs carries the facts a transition needs beyond the record and event.
type Inputs struct {
	Now time.Time

	// UnitPrice and UnknownItem describe the catalog entry for a
	// PurchaseRequested event; they are ignored for every other event.
	UnitPrice   float64
	UnknownItem bool
}

// Decision is the result of applying one event to one saga record.
type Decision struct {
	// Next is the record to persist. It is nil when the event is ignored.
	Next     *SagaState
	Commands []Command
	Notify   bool

	Ignored bool
	Reason  string
}

func ignore(format string, args ...any) Decision {
	return Decision{Ignored: true, Reason: fmt.Sprintf(format, args...)}
}

// Transition computes the next saga record and the commands it causes.
// It performs no I/O: current may be nil when no record exists yet, and the
// returned Next never aliases current.
func Transition(current *SagaState, ev Event, in Inputs) (Decision, error) {
	if ev == nil || strings.TrimSpace(ev.Correlation()) == "" {
		return Decision{}, fmt.Errorf("%w: correlation id required", ErrInvalidEvent)
	}
	if current != nil && current.CorrelationID != ev.Correlation() {
		return Decision{}, fmt.Errorf("%w: event %s does not belong to saga %s", ErrInvalidEvent, ev.Correlation(), current.CorrelationID)
	}

	if current == nil {
		req, ok := ev.(PurchaseRequested)
		if !ok {
			return ignore("%s for unknown saga", ev.Name()), nil
		}
		return start(req, in)
	}

	if current.CurrentState.Terminal() {
		return ignore("%s after terminal state %s", ev.Name(), current.CurrentState), nil
	}

	next := current.Clone()
	next.LastUpdatedAt = in.Now
	next.PendingCommands = nil

	var d Decision
	switch e := ev.(type) {
	case PurchaseRequested:
		if e.UserID != current.UserID || e.ItemID != current.ItemID || e.Quantity != current.Quantity {
			return Decision{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, e.CorrelationID)
		}
		return ignore("duplicate %s in state %s", ev.Name(), current.CurrentState), nil

	case ItemsGrantedSuccess:
		if current.CurrentState != StateAccepted {
			return ignore("%s in state %s", ev.Name(), current.CurrentState), nil
		}
		next.CurrentState = StateItemsGranted
		next.ItemsGranted = true
		d.Commands = []Command{debitCurrency(next)}

	case ItemsGrantedFault:
		if current.CurrentState != StateAccepted {
			return ignore("%s in state %s", ev.Name(), current.CurrentState), nil
		}
		fault(next, e.Reason, "items grant failed")
		d.Notify = true

	case CurrencyDebitedSuccess:
		if current.CurrentState != StateItemsGranted {
			return ignore("%s in state %s", ev.Name(), current.CurrentState), nil
		}
		next.CurrentState = StateCompleted
		next.NewBalance = e.NewBalance
		d.Notify = true

	case CurrencyDebitedFault:
		if current.CurrentState != StateItemsGranted {
			return ignore("%s in state %s", ev.Name(), current.CurrentState), nil
		}
		fault(next, e.Reason, "currency debit failed")
		d.Commands = compensate(next)
		d.Notify = true

	case PurchaseTimedOut:
		fault(next, e.Reason, "purchase timed out")
		d.Commands = compensate(next)
		d.Notify = true

	default:
		return ignore("unsupported event %s", ev.Name()), nil
	}

	if next.CurrentState.rank() < current.CurrentState.rank() {
		return Decision{}, fmt.Errorf("%w: %s cannot move back to %s", ErrInvalidEvent, current.CurrentState, next.CurrentState)
	}

	next.PendingCommands = d.Commands
	next.Notified = false
	d.Next = next
	return d, nil
}

func start(req PurchaseRequested, in Inputs) (Decision, error) {
	if err := validateRequest(req); err != nil {
		return Decision{}, err
	}

	s := &SagaState{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		ItemID:        req.ItemID,
		Quantity:      req.Quantity,
		ReceivedAt:    in.Now,
		LastUpdatedAt: in.Now,
	}

	if in.UnknownItem {
		s.CurrentState = StateFaulted
		s.ErrorReason = ReasonUnknownItem
		return Decision{Next: s, Notify: true}, nil
	}

	s.UnitPrice = in.UnitPrice
	s.TotalPrice = in.UnitPrice * float64(req.Quantity)
	s.CurrentState = StateAccepted
	cmds := []Command{grantItems(s)}
	s.PendingCommands = cmds
	return Decision{Next: s, Commands: cmds}, nil
}

func validateRequest(req PurchaseRequested) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id required", ErrInvalidEvent)
	case strings.TrimSpace(req.ItemID) == "":
		return fmt.Errorf("%w: item id required", ErrInvalidEvent)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidEvent)
	}
	return nil
}

func fault(s *SagaState, reason, fallback string) {
	s.CurrentState = StateFaulted
	s.ErrorReason = strings.TrimSpace(reason)
	if s.ErrorReason == "" {
		s.ErrorReason = fallback
	}
}

// compensate returns the SubtractItems command only when items were granted.
func compensate(s *SagaState) []Command {
	if !s.ItemsGranted {
		return nil
	}
	return []Command{subtractItems(s)}
}
