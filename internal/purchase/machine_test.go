package purchase

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func mustTransition(t *testing.T, cur *SagaState, ev Event, in Inputs) Decision {
	t.Helper()
	if in.Now.IsZero() {
		in.Now = testNow
	}
	d, err := Transition(cur, ev, in)
	if err != nil {
		t.Fatalf("transition %s: %v", ev.Name(), err)
	}
	return d
}

func accepted(t *testing.T) *SagaState {
	t.Helper()
	d := mustTransition(t, nil, PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3}, Inputs{UnitPrice: 100})
	d.Next.Version = 1
	return d.Next
}

func TestTransition_StartsAcceptedAndGrantsItems(t *testing.T) {
	s := accepted(t)
	if s.CurrentState != StateAccepted {
		t.Fatalf("expected accepted, got %s", s.CurrentState)
	}
	if s.TotalPrice != 300 || s.UnitPrice != 100 {
		t.Fatalf("unexpected prices: unit=%v total=%v", s.UnitPrice, s.TotalPrice)
	}
	if len(s.PendingCommands) != 1 || s.PendingCommands[0].Type != CommandGrantItems || s.PendingCommands[0].Quantity != 3 {
		t.Fatalf("unexpected commands: %+v", s.PendingCommands)
	}
	if !s.ReceivedAt.Equal(testNow) || !s.LastUpdatedAt.Equal(testNow) {
		t.Fatalf("timestamps not set: %+v", s)
	}
}

func TestTransition_UnknownItemFaultsWithoutCommands(t *testing.T) {
	d := mustTransition(t, nil, PurchaseRequested{CorrelationID: "c9", UserID: "u1", ItemID: "nope", Quantity: 1}, Inputs{UnknownItem: true})
	if d.Next.CurrentState != StateFaulted || d.Next.ErrorReason != ReasonUnknownItem {
		t.Fatalf("unexpected record: %+v", d.Next)
	}
	if len(d.Commands) != 0 || !d.Notify {
		t.Fatalf("expected notify only, got %+v", d)
	}
}

func TestTransition_RejectsInvalidRequests(t *testing.T) {
	cases := []PurchaseRequested{
		{CorrelationID: "", UserID: "u1", ItemID: "i", Quantity: 1},
		{CorrelationID: "c", UserID: "", ItemID: "i", Quantity: 1},
		{CorrelationID: "c", UserID: "u1", ItemID: "", Quantity: 1},
		{CorrelationID: "c", UserID: "u1", ItemID: "i", Quantity: 0},
	}
	for _, req := range cases {
		if _, err := Transition(nil, req, Inputs{Now: testNow}); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected invalid event for %+v, got %v", req, err)
		}
	}
}

func TestTransition_ReplyWithoutSagaIsIgnored(t *testing.T) {
	d := mustTransition(t, nil, ItemsGrantedSuccess{CorrelationID: "ghost"}, Inputs{})
	if !d.Ignored || d.Next != nil {
		t.Fatalf("expected ignored decision, got %+v", d)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	s := accepted(t)

	d := mustTransition(t, s, ItemsGrantedSuccess{CorrelationID: "c1"}, Inputs{})
	if d.Next.CurrentState != StateItemsGranted || !d.Next.ItemsGranted {
		t.Fatalf("unexpected record: %+v", d.Next)
	}
	if len(d.Commands) != 1 || d.Commands[0].Type != CommandDebitCurrency || d.Commands[0].Amount != 300 {
		t.Fatalf("unexpected commands: %+v", d.Commands)
	}
	if s.CurrentState != StateAccepted {
		t.Fatalf("input record mutated: %s", s.CurrentState)
	}

	d = mustTransition(t, d.Next, CurrencyDebitedSuccess{CorrelationID: "c1", NewBalance: 700}, Inputs{})
	if d.Next.CurrentState != StateCompleted || d.Next.NewBalance != 700 || !d.Notify {
		t.Fatalf("unexpected completion: %+v", d)
	}
	if len(d.Commands) != 0 {
		t.Fatalf("expected no commands, got %+v", d.Commands)
	}
}

func TestTransition_GrantFaultNeverCompensates(t *testing.T) {
	d := mustTransition(t, accepted(t), ItemsGrantedFault{CorrelationID: "c1", Reason: "unknown item"}, Inputs{})
	if d.Next.CurrentState != StateFaulted || d.Next.ItemsGranted || d.Next.ErrorReason != "unknown item" {
		t.Fatalf("unexpected record: %+v", d.Next)
	}
	if len(d.Commands) != 0 {
		t.Fatalf("expected no compensation, got %+v", d.Commands)
	}
}

func TestTransition_DebitFaultCompensates(t *testing.T) {
	granted := mustTransition(t, accepted(t), ItemsGrantedSuccess{CorrelationID: "c1"}, Inputs{}).Next

	d := mustTransition(t, granted, CurrencyDebitedFault{CorrelationID: "c1", Reason: "insufficient funds"}, Inputs{})
	if d.Next.CurrentState != StateFaulted || !d.Next.ItemsGranted {
		t.Fatalf("unexpected record: %+v", d.Next)
	}
	want := Command{Type: CommandSubtractItems, CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3}
	if len(d.Commands) != 1 || d.Commands[0] != want {
		t.Fatalf("unexpected compensation: %+v", d.Commands)
	}
}

func TestTransition_FaultWithoutReasonGetsDefault(t *testing.T) {
	d := mustTransition(t, accepted(t), ItemsGrantedFault{CorrelationID: "c1"}, Inputs{})
	if d.Next.ErrorReason == "" {
		t.Fatalf("expected a default reason")
	}
}

func TestTransition_StaleAndTerminalEventsIgnored(t *testing.T) {
	s := accepted(t)
	if d := mustTransition(t, s, CurrencyDebitedSuccess{CorrelationID: "c1"}, Inputs{}); !d.Ignored {
		t.Fatalf("debit reply before grant should be ignored")
	}

	granted := mustTransition(t, s, ItemsGrantedSuccess{CorrelationID: "c1"}, Inputs{}).Next
	if d := mustTransition(t, granted, ItemsGrantedSuccess{CorrelationID: "c1"}, Inputs{}); !d.Ignored {
		t.Fatalf("duplicate grant should be ignored")
	}

	done := mustTransition(t, granted, CurrencyDebitedSuccess{CorrelationID: "c1"}, Inputs{}).Next
	for _, ev := range []Event{
		CurrencyDebitedFault{CorrelationID: "c1", Reason: "late"},
		ItemsGrantedFault{CorrelationID: "c1"},
		PurchaseTimedOut{CorrelationID: "c1"},
	} {
		if d := mustTransition(t, done, ev, Inputs{}); !d.Ignored {
			t.Fatalf("%s after completion should be ignored", ev.Name())
		}
	}
}

func TestTransition_DuplicateRequest(t *testing.T) {
	s := accepted(t)
	d := mustTransition(t, s, PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3}, Inputs{})
	if !d.Ignored {
		t.Fatalf("expected duplicate to be ignored")
	}

	_, err := Transition(s, PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 4}, Inputs{Now: testNow})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestTransition_TimeoutCompensatesOnlyGrantedItems(t *testing.T) {
	s := accepted(t)
	d := mustTransition(t, s, PurchaseTimedOut{CorrelationID: "c1", Reason: "timed out"}, Inputs{})
	if d.Next.CurrentState != StateFaulted || len(d.Commands) != 0 {
		t.Fatalf("unexpected timeout from accepted: %+v", d)
	}

	granted := mustTransition(t, s, ItemsGrantedSuccess{CorrelationID: "c1"}, Inputs{}).Next
	d = mustTransition(t, granted, PurchaseTimedOut{CorrelationID: "c1"}, Inputs{})
	if len(d.Commands) != 1 || d.Commands[0].Type != CommandSubtractItems {
		t.Fatalf("expected compensation, got %+v", d.Commands)
	}
}

func TestTransition_MismatchedCorrelation(t *testing.T) {
	if _, err := Transition(accepted(t), ItemsGrantedSuccess{CorrelationID: "other"}, Inputs{Now: testNow}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
