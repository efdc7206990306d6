package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tradepost.purchase.v1.PurchaseService"

// Full method names, for clients and interceptors.
const (
	SubmitPurchaseMethod = "/" + ServiceName + "/SubmitPurchase"
	GetPurchaseMethod    = "/" + ServiceName + "/GetPurchase"
	QuotePurchaseMethod  = "/" + ServiceName + "/QuotePurchase"
)

// PurchaseServiceServer is the server API. Messages are google.protobuf.Struct
// so the service needs no generated stubs.
type PurchaseServiceServer interface {
	SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	QuotePurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPurchaseServiceServer attaches srv to s.
func RegisterPurchaseServiceServer(s grpcpkg.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&purchaseServiceDesc, srv)
}

var purchaseServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "SubmitPurchase", Handler: unaryHandler(SubmitPurchaseMethod, PurchaseServiceServer.SubmitPurchase)},
		{MethodName: "GetPurchase", Handler: unaryHandler(GetPurchaseMethod, PurchaseServiceServer.GetPurchase)},
		{MethodName: "QuotePurchase", Handler: unaryHandler(QuotePurchaseMethod, PurchaseServiceServer.QuotePurchase)},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "tradepost/purchase/v1/purchase.proto",
}

type unaryMethod func(PurchaseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpcpkg.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PurchaseServiceServer), ctx, in)
		}
		info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PurchaseServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls PurchaseService over conn.
type Client struct {
	conn grpcpkg.ClientConnInterface
}

func NewClient(conn grpcpkg.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) SubmitPurchase(ctx context.Context, req *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SubmitPurchaseMethod, req, opts)
}

func (c *Client) GetPurchase(ctx context.Context, req *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetPurchaseMethod, req, opts)
}

func (c *Client) QuotePurchase(ctx context.Context, req *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, QuotePurchaseMethod, req, opts)
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts []grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
