package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidPurchase is returned for submissions that fail validation.
var ErrInvalidPurchase = errors.New("invalid purchase")

// RequestPublisher puts a PurchaseRequested event on the inbound stream.
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req PurchaseRequested) error
}

// Submission is a client's purchase intent.
type Submission struct {
	UserID         string
	ItemID         string
	Quantity       int
	IdempotencyKey string
}

// RequestService is the client-facing side of the saga: it accepts
// purchases and reports their status.
type RequestService struct {
	publisher RequestPublisher
	store     Store
	catalog   Catalog
	newID     func() string
}

func NewRequestService(publisher RequestPublisher, store Store, catalog Catalog) *RequestService {
	return &RequestService{
		publisher: publisher,
		store:     store,
		catalog:   catalog,
		newID:     func() string { return uuid.NewString() },
	}
}

// Submit validates a purchase and publishes it. The returned correlation id
// is the idempotency key when one was given, so resubmitting is harmless.
func (s *RequestService) Submit(ctx context.Context, sub Submission) (string, error) {
	userID := strings.TrimSpace(sub.UserID)
	itemID := strings.TrimSpace(sub.ItemID)
	switch {
	case userID == "":
		return "", fmt.Errorf("%w: user id required", ErrInvalidPurchase)
	case itemID == "":
		return "", fmt.Errorf("%w: item id required", ErrInvalidPurchase)
	case sub.Quantity <= 0:
		return "", fmt.Errorf("%w: quantity must be positive", ErrInvalidPurchase)
	}

	correlationID := strings.TrimSpace(sub.IdempotencyKey)
	if correlationID == "" {
		correlationID = s.newID()
	} else if existing, err := s.store.Get(ctx, correlationID); err == nil {
		if existing.UserID != userID || existing.ItemID != itemID || existing.Quantity != sub.Quantity {
			return "", fmt.Errorf("%w: %s", ErrIdempotencyConflict, correlationID)
		}
		return correlationID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	req := PurchaseRequested{
		CorrelationID: correlationID,
		UserID:        userID,
		ItemID:        itemID,
		Quantity:      sub.Quantity,
	}
	if err := s.publisher.PublishRequest(ctx, req); err != nil {
		return "", fmt.Errorf("publish purchase %s: %w", correlationID, err)
	}
	return correlationID, nil
}

// Get returns the saga record. Only its owner may read it.
func (s *RequestService) Get(ctx context.Context, userID, correlationID string) (*SagaState, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("%w: correlation id required", ErrInvalidPurchase)
	}
	saga, err := s.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if userID != "" && saga.UserID != userID {
		return nil, ErrNotFound
	}
	return saga, nil
}

// Quote prices a purchase without starting it.
func (s *RequestService) Quote(ctx context.Context, itemID string, quantity int) (float64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrInvalidPurchase)
	}
	price, err := s.catalog.UnitPrice(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return price * float64(quantity), nil
}
