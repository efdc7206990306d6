package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradepost/internal/purchase"
)

// Routes maps each command type to the stream its handler service reads.
type Routes map[purchase.CommandType]string

// Validate reports the first command type without a destination.
func (r Routes) Validate() error {
	for _, t := range []purchase.CommandType{purchase.CommandGrantItems, purchase.CommandDebitCurrency, purchase.CommandSubtractItems} {
		if r[t] == "" {
			return fmt.Errorf("no stream configured for %s", t)
		}
	}
	return nil
}

// StreamAdder is the minimal client surface used by Publisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends commands and requests to Redis streams.
type Publisher struct {
	client        StreamAdder
	routes        Routes
	requestStream string
	maxLen        int64
	now           func() time.Time
}

// NewPublisher copies routes; later changes to the caller's map are not seen.
func NewPublisher(client StreamAdder, routes Routes, requestStream string, maxLen int64) *Publisher {
	if requestStream == "" {
		requestStream = "purchase_events"
	}
	copied := make(Routes, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	return &Publisher{
		client:        client,
		routes:        copied,
		requestStream: requestStream,
		maxLen:        maxLen,
		now:           time.Now,
	}
}

// Send implements purchase.Sender. A missing route is a business failure;
// a Redis error is transient.
func (p *Publisher) Send(ctx context.Context, cmd purchase.Command) error {
	stream, ok := p.routes[cmd.Type]
	if !ok || stream == "" {
		return purchase.Business(purchase.ReasonNoRoute)
	}
	if err := p.add(ctx, stream, string(cmd.Type), cmd.CorrelationID, cmd); err != nil {
		return purchase.Transient(err)
	}
	return nil
}

// PublishRequest implements purchase.RequestPublisher.
func (p *Publisher) PublishRequest(ctx context.Context, req purchase.PurchaseRequested) error {
	return p.PublishEvent(ctx, p.requestStream, req)
}

// PublishEvent appends an event to stream.
func (p *Publisher) PublishEvent(ctx context.Context, stream string, ev purchase.Event) error {
	return p.add(ctx, stream, ev.Name(), ev.Correlation(), ev)
}

func (p *Publisher) add(ctx context.Context, stream, msgType, correlationID string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	values, err := encode(ctx, msgType, correlationID, payload, p.now())
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}
