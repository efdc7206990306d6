package transport

import (
	"context"

	"go.uber.org/zap"

	"tradepost/internal/purchase"
)

// EventSink is what the saga exposes to the transport.
type EventSink interface {
	Handle(ctx context.Context, ev purchase.Event) error
}

// DecodeEvent turns an envelope into a saga event. ok is false for types the
// saga does not consume.
func DecodeEvent(env Envelope) (ev purchase.Event, ok bool, err error) {
	switch env.Type {
	case purchase.EventPurchaseRequested:
		var e purchase.PurchaseRequested
		err = env.Unmarshal(&e)
		ev = e
	case purchase.EventItemsGrantedSuccess:
		var e purchase.ItemsGrantedSuccess
		err = env.Unmarshal(&e)
		ev = e
	case purchase.EventItemsGrantedFault:
		var e purchase.ItemsGrantedFault
		err = env.Unmarshal(&e)
		ev = e
	case purchase.EventCurrencyDebitedSuccess:
		var e purchase.CurrencyDebitedSuccess
		err = env.Unmarshal(&e)
		ev = e
	case purchase.EventCurrencyDebitedFault:
		var e purchase.CurrencyDebitedFault
		err = env.Unmarshal(&e)
		ev = e
	case purchase.EventPurchaseTimedOut:
		var e purchase.PurchaseTimedOut
		err = env.Unmarshal(&e)
		ev = e
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return ev, true, nil
}

// EventHandler feeds saga events to sink. Unknown types and malformed
// payloads are logged and acknowledged; a sink error leaves the entry pending.
func EventHandler(sink EventSink, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, env Envelope) error {
		ev, ok, err := DecodeEvent(env)
		if !ok {
			logger.Debug("ignoring message type", zap.String("type", env.Type), zap.String("entry_id", env.StreamID))
			return nil
		}
		if err != nil {
			logger.Warn("dropping malformed event",
				zap.String("type", env.Type),
				zap.String("entry_id", env.StreamID),
				zap.Error(err),
			)
			return nil
		}
		return sink.Handle(ctx, ev)
	}
}

// Catalog messages published by the catalog service.
const (
	CatalogItemUpdatedType = "catalog-item-updated"
	CatalogItemDeletedType = "catalog-item-deleted"
)

type CatalogItemUpdated struct {
	ItemID string  `json:"itemId"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
}

type CatalogItemDeleted struct {
	ItemID string `json:"itemId"`
}

// CatalogHandler keeps the local catalog in step with the catalog service.
func CatalogHandler(writer purchase.CatalogWriter, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, env Envelope) error {
		switch env.Type {
		case CatalogItemUpdatedType:
			var msg CatalogItemUpdated
			if err := env.Unmarshal(&msg); err != nil || msg.ItemID == "" {
				logger.Warn("dropping malformed catalog update", zap.String("entry_id", env.StreamID), zap.Error(err))
				return nil
			}
			return writer.Upsert(ctx, purchase.CatalogItem{ID: msg.ItemID, Name: msg.Name, Price: msg.Price})
		case CatalogItemDeletedType:
			var msg CatalogItemDeleted
			if err := env.Unmarshal(&msg); err != nil || msg.ItemID == "" {
				logger.Warn("dropping malformed catalog delete", zap.String("entry_id", env.StreamID), zap.Error(err))
				return nil
			}
			return writer.Delete(ctx, msg.ItemID)
		default:
			return nil
		}
	}
}

// Mux routes envelopes to handlers by stream-independent message type,
// falling back to def.
func Mux(def Handler, byType map[string]Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		if h, ok := byType[env.Type]; ok {
			return h(ctx, env)
		}
		if def != nil {
			return def(ctx, env)
		}
		return nil
	}
}
