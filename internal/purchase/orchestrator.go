package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxConflicts = 8

// CommandDispatcher hands commands to the transport.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd Command) DispatchResult
}

// Orchestrator applies events to persisted sagas. Every transition is saved
// before the commands it causes are dispatched, and the saved record keeps
// those commands until dispatch finishes so a crash in between is recovered
// by the next delivery of any event for the same saga.
type Orchestrator struct {
	store      Store
	catalog    Catalog
	dispatcher CommandDispatcher
	notifier   Notifier

	logger       *zap.Logger
	metrics      Metrics
	tracer       trace.Tracer
	now          func() time.Time
	maxConflicts int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer("tradepost/purchase")
		}
	}
}

// WithMaxConflicts bounds how many times one event is re-evaluated after
// losing an optimistic concurrency race.
func WithMaxConflicts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConflicts = n
		}
	}
}

func NewOrchestrator(store Store, catalog Catalog, dispatcher CommandDispatcher, notifier Notifier, opts ...Option) *Orchestrator {
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, string, string, Outcome) error { return nil })
	}
	o := &Orchestrator{
		store:        store,
		catalog:      catalog,
		dispatcher:   dispatcher,
		notifier:     notifier,
		logger:       zap.NewNop(),
		metrics:      nopMetrics{},
		tracer:       otel.Tracer("tradepost/purchase"),
		now:          time.Now,
		maxConflicts: defaultMaxConflicts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle processes one inbound event. A nil return means the event may be
// acknowledged; an error means it must be redelivered. Malformed events and
// correlation ids reused for a different purchase are logged and swallowed.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	if ev == nil {
		return nil
	}
	ctx, span := o.tracer.Start(ctx, "purchase.handle", trace.WithAttributes(
		attribute.String("purchase.correlation_id", ev.Correlation()),
		attribute.String("purchase.event", ev.Name()),
	))
	defer span.End()

	saved, err := o.apply(ctx, ev)
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrIdempotencyConflict):
		o.logger.Warn("purchase event rejected",
			zap.String("correlation_id", ev.Correlation()),
			zap.String("event", ev.Name()),
			zap.Error(err),
		)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := o.resume(ctx, saved); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Resume re-drives the outbox of one saga: pending commands are dispatched
// and a terminal saga that has not notified its user does so.
func (o *Orchestrator) Resume(ctx context.Context, correlationID string) error {
	s, err := o.store.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	return o.resume(ctx, s)
}

func (o *Orchestrator) apply(ctx context.Context, ev Event) (*SagaState, error) {
	for attempt := 1; attempt <= o.maxConflicts; attempt++ {
		current, err := o.store.Get(ctx, ev.Correlation())
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return nil, fmt.Errorf("load saga %s: %w", ev.Correlation(), err)
		}

		in := Inputs{Now: o.now()}
		if req, ok := ev.(PurchaseRequested); ok && current == nil && req.ItemID != "" {
			price, err := o.catalog.UnitPrice(ctx, req.ItemID)
			switch {
			case errors.Is(err, ErrUnknownItem):
				in.UnknownItem = true
			case err != nil:
				return nil, fmt.Errorf("price item %s: %w", req.ItemID, err)
			default:
				in.UnitPrice = price
			}
		}

		d, err := Transition(current, ev, in)
		if err != nil {
			return nil, err
		}
		if d.Ignored {
			o.logger.Debug("purchase event ignored",
				zap.String("correlation_id", ev.Correlation()),
				zap.String("event", ev.Name()),
				zap.String("reason", d.Reason),
			)
			return current, nil
		}

		var saved *SagaState
		if current == nil {
			saved, err = o.store.Create(ctx, d.Next)
		} else {
			saved, err = o.store.CompareAndSwap(ctx, d.Next, current.Version)
		}
		if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrVersionConflict) {
			o.logger.Debug("purchase saga changed concurrently, re-evaluating",
				zap.String("correlation_id", ev.Correlation()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save saga %s: %w", ev.Correlation(), err)
		}

		var from State
		if current != nil {
			from = current.CurrentState
		}
		o.metrics.RecordTransition(from, saved.CurrentState)
		o.logger.Info("purchase saga transition",
			zap.String("correlation_id", saved.CorrelationID),
			zap.String("event", ev.Name()),
			zap.String("from", string(from)),
			zap.String("to", string(saved.CurrentState)),
		)
		return saved, nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, ev.Correlation(), o.maxConflicts)
}

// resume drains the outbox of s. A failed command is turned into its fault
// event and that fault is saved before the outbox is touched, so a failure at
// any point leaves work behind for the next delivery. Notified is saved
// before the notifier runs: a saga notifies at most once.
func (o *Orchestrator) resume(ctx context.Context, s *SagaState) error {
	for attempt := 1; s != nil && s.NeedsAttention(); attempt++ {
		if attempt > o.maxConflicts {
			return fmt.Errorf("%w: outbox of %s after %d attempts", ErrVersionConflict, s.CorrelationID, o.maxConflicts)
		}

		fault, err := o.drain(ctx, s)
		if err != nil {
			return err
		}
		if fault != nil {
			if s, err = o.apply(ctx, fault); err != nil {
				return err
			}
			continue
		}

		done := s.Clone()
		done.PendingCommands = nil
		notify := s.CurrentState.Terminal() && !s.Notified
		done.Notified = s.Notified || notify
		saved, err := o.store.CompareAndSwap(ctx, done, s.Version)
		if errors.Is(err, ErrVersionConflict) {
			if s, err = o.store.Get(ctx, s.CorrelationID); err != nil {
				return fmt.Errorf("reload saga %s: %w", done.CorrelationID, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("clear outbox %s: %w", s.CorrelationID, err)
		}
		if notify {
			o.notify(ctx, saved)
		}
		return nil
	}
	return nil
}

// drain dispatches the pending commands of s and returns the fault event of
// the first forward command that could not be delivered.
func (o *Orchestrator) drain(ctx context.Context, s *SagaState) (Event, error) {
	for _, cmd := range s.PendingCommands {
		res := o.dispatcher.Dispatch(ctx, cmd)
		if res.Err == nil {
			o.step(ctx, s.CorrelationID, string(cmd.Type), "sent", "")
			if cmd.Compensation() {
				o.metrics.RecordCompensation()
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, res.Err
		}

		reason := FailureReason(res.Err)
		o.metrics.RecordDispatchFailure(cmd.Type, res.Class)
		o.step(ctx, s.CorrelationID, string(cmd.Type), "failed", reason)
		if ev, ok := faultFor(cmd, reason); ok {
			o.logger.Warn("purchase command failed",
				zap.String("correlation_id", s.CorrelationID),
				zap.String("command", string(cmd.Type)),
				zap.Stringer("class", res.Class),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err),
			)
			return ev, nil
		}
		o.logger.Error("purchase compensation failed",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("command", string(cmd.Type)),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	}
	return nil, nil
}

func (o *Orchestrator) notify(ctx context.Context, s *SagaState) {
	outcome := OutcomeFor(s)
	if err := o.notifier.Notify(ctx, s.UserID, s.CorrelationID, outcome); err != nil {
		o.metrics.RecordNotificationFailure()
		o.step(ctx, s.CorrelationID, "notify", "failed", err.Error())
		o.logger.Warn("purchase notification failed",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("user_id", s.UserID),
			zap.Error(err),
		)
		return
	}
	o.step(ctx, s.CorrelationID, "notify", "sent", string(outcome.Status))
}

func (o *Orchestrator) step(ctx context.Context, correlationID, step, status, detail string) {
	if err := o.store.AddStep(ctx, correlationID, step, status, detail); err != nil {
		o.logger.Warn("purchase step log failed",
			zap.String("correlation_id", correlationID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}
