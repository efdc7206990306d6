package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/propagation"
)

// Envelope is the stream entry wrapping every message.
type Envelope struct {
	ID            string
	StreamID      string
	Type          string
	CorrelationID string
	Timestamp     time.Time
	Payload       json.RawMessage
	Metadata      map[string]string
}

var errMissingType = errors.New("stream entry has no type")

var propagator = propagation.TraceContext{}

func encode(ctx context.Context, msgType, correlationID string, payload any, now time.Time) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	metadata, err := json.Marshal(map[string]string(carrier))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":             uuid.NewString(),
		"type":           msgType,
		"correlation_id": correlationID,
		"timestamp":      now.UnixNano(),
		"payload":        string(body),
		"metadata":       string(metadata),
	}, nil
}

func decode(entry redis.XMessage) (Envelope, error) {
	env := Envelope{StreamID: entry.ID}
	env.ID, _ = entry.Values["id"].(string)
	env.Type, _ = entry.Values["type"].(string)
	env.CorrelationID, _ = entry.Values["correlation_id"].(string)
	if env.Type == "" {
		return env, errMissingType
	}
	if env.ID == "" {
		env.ID = entry.ID
	}

	if raw, _ := entry.Values["payload"].(string); raw != "" {
		if !json.Valid([]byte(raw)) {
			return env, fmt.Errorf("stream entry %s: payload is not json", entry.ID)
		}
		env.Payload = json.RawMessage(raw)
	}
	if raw, _ := entry.Values["metadata"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env.Metadata); err != nil {
			return env, fmt.Errorf("stream entry %s: metadata: %w", entry.ID, err)
		}
	}

	switch v := entry.Values["timestamp"].(type) {
	case int64:
		env.Timestamp = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			env.Timestamp = time.Unix(0, ns)
		}
	}
	return env, nil
}

// Context returns ctx carrying the trace the publisher was in, if any.
func (e Envelope) Context(ctx context.Context) context.Context {
	if len(e.Metadata) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(e.Metadata))
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", e.Type, e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}
