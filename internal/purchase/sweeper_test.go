package purchase

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestSweeper_ExpiresStaleGrantedSaga(t *testing.T) {
	h := newHarness(t)
	h.handle(t, PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3})
	h.handle(t, ItemsGrantedSuccess{CorrelationID: "c1"})

	sw := NewSweeper(SweeperConfig{StaleAfter: time.Minute, ExpireAfter: time.Hour}, h.store, h.orch, nil)
	sw.now = func() time.Time { return testNow.Add(2 * time.Hour) }

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 saga touched, got %d", n)
	}
	s := h.saga(t, "c1")
	if s.CurrentState != StateFaulted || !s.ItemsGranted {
		t.Fatalf("unexpected record: %+v", s)
	}
	want := []CommandType{CommandGrantItems, CommandDebitCurrency, CommandSubtractItems}
	if got := h.sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	if len(h.notifier.calls) != 1 || h.notifier.calls[0].outcome.Status != OutcomeFaulted {
		t.Fatalf("unexpected notifications: %+v", h.notifier.calls)
	}
}

func TestSweeper_LeavesFreshAndFinishedSagasAlone(t *testing.T) {
	h := newHarness(t)
	h.handle(t, PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 1})
	h.handle(t, ItemsGrantedFault{CorrelationID: "c1", Reason: "unknown item"})
	h.handle(t, PurchaseRequested{CorrelationID: "c2", UserID: "u1", ItemID: "item42", Quantity: 1})

	sw := NewSweeper(SweeperConfig{StaleAfter: time.Minute, ExpireAfter: time.Hour}, h.store, h.orch, nil)
	sw.now = func() time.Time { return testNow.Add(30 * time.Minute) }

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing touched, got %d", n)
	}
	if s := h.saga(t, "c2"); s.CurrentState != StateAccepted {
		t.Fatalf("fresh saga changed: %+v", s)
	}
}

func TestSweeper_RedrivesStuckOutbox(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Create(context.Background(), &SagaState{
		CorrelationID:   "c3",
		UserID:          "u1",
		ItemID:          "item7",
		Quantity:        2,
		CurrentState:    StateFaulted,
		ItemsGranted:    true,
		ErrorReason:     "insufficient funds",
		PendingCommands: []Command{{Type: CommandSubtractItems, CorrelationID: "c3", UserID: "u1", ItemID: "item7", Quantity: 2}},
		LastUpdatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	sw := NewSweeper(SweeperConfig{StaleAfter: time.Minute}, h.store, h.orch, nil)
	sw.now = func() time.Time { return testNow.Add(time.Hour) }
	if _, err := sw.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := h.sender.types(); !reflect.DeepEqual(got, []CommandType{CommandSubtractItems}) {
		t.Fatalf("unexpected commands: %v", got)
	}
	s := h.saga(t, "c3")
	if len(s.PendingCommands) != 0 || !s.Notified {
		t.Fatalf("outbox not drained: %+v", s)
	}
}

func TestSweeper_RunDisabledWithoutInterval(t *testing.T) {
	h := newHarness(t)
	sw := NewSweeper(SweeperConfig{}, h.store, h.orch, nil)
	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run should return immediately when disabled")
	}
}
