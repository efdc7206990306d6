package grpc

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradepost/internal/purchase"
)

// UserIDHeader carries the caller identity set by the authenticating proxy.
const UserIDHeader = "x-user-id"

// PurchaseService defines the behavior needed by the gRPC adapter.
type PurchaseService interface {
	Submit(ctx context.Context, sub purchase.Submission) (string, error)
	Get(ctx context.Context, userID, correlationID string) (*purchase.SagaState, error)
	Quote(ctx context.Context, itemID string, quantity int) (float64, error)
}

// PurchaseServer adapts PurchaseService to gRPC.
type PurchaseServer struct {
	service PurchaseService
}

var _ PurchaseServiceServer = (*PurchaseServer)(nil)

func NewPurchaseServer(svc PurchaseService) *PurchaseServer {
	return &PurchaseServer{service: svc}
}

// SubmitPurchase accepts {itemId, quantity, idempotencyKey?} and answers
// {correlationId, status}.
func (s *PurchaseServer) SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	quantity, err := intField(req, "quantity")
	if err != nil {
		return nil, err
	}
	id, err := s.service.Submit(ctx, purchase.Submission{
		UserID:         userID,
		ItemID:         stringField(req, "itemId"),
		Quantity:       quantity,
		IdempotencyKey: stringField(req, "idempotencyKey"),
	})
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	return newStruct(map[string]any{
		"correlationId": id,
		"status":        "accepted",
	})
}

// GetPurchase returns the caller's saga record for {correlationId}.
func (s *PurchaseServer) GetPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFromContext(ctx)
	if err != nil {
		return nil, err
	}
	saga, err := s.service.Get(ctx, userID, stringField(req, "correlationId"))
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	return newStruct(sagaFields(saga))
}

// QuotePurchase prices {itemId, quantity} without starting a purchase.
func (s *PurchaseServer) QuotePurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	quantity, err := intField(req, "quantity")
	if err != nil {
		return nil, err
	}
	itemID := stringField(req, "itemId")
	total, err := s.service.Quote(ctx, itemID, quantity)
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	return newStruct(map[string]any{
		"itemId":     itemID,
		"quantity":   quantity,
		"totalPrice": total,
	})
}

func sagaFields(s *purchase.SagaState) map[string]any {
	fields := map[string]any{
		"correlationId": s.CorrelationID,
		"userId":        s.UserID,
		"itemId":        s.ItemID,
		"quantity":      s.Quantity,
		"unitPrice":     s.UnitPrice,
		"totalPrice":    s.TotalPrice,
		"state":         string(s.CurrentState),
		"itemsGranted":  s.ItemsGranted,
		"receivedAt":    s.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"lastUpdatedAt": s.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.ErrorReason != "" {
		fields["errorReason"] = s.ErrorReason
	}
	if s.CurrentState == purchase.StateCompleted {
		fields["newBalance"] = s.NewBalance
	}
	return fields
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func userFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(UserIDHeader) {
		if id := strings.TrimSpace(v); id != "" {
			return id, nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing "+UserIDHeader)
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func intField(req *structpb.Struct, name string) (int, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int(n.NumberValue), nil
}

// mapPurchaseError maps domain errors to gRPC status codes.
func mapPurchaseError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, purchase.ErrInvalidPurchase):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, purchase.ErrIdempotencyConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, purchase.ErrNotFound), errors.Is(err, purchase.ErrUnknownItem):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
