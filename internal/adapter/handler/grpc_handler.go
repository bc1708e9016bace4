package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/port"
)

const orderQueryService = "orderflow.v1.OrderQuery"

// jsonCodec lets clients call the query service with content-subtype "json"
// without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

type GetOrderResponse struct {
	Order domain.Order `json:"order"`
}

// OrderQueryServer is the read-only order lookup exposed over gRPC.
type OrderQueryServer interface {
	GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error)
}

var orderQueryDesc = grpc.ServiceDesc{
	ServiceName: orderQueryService,
	HandlerType: (*OrderQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderflow/v1/order_query",
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderQueryServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + orderQueryService + "/GetOrder"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderQueryServer).GetOrder(ctx, req.(*GetOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	orders   OrderAPI
	verifier port.IdentityVerifier
	health   *health.Server
	log      *logging.Logger
}

func NewGRPCHandler(orders OrderAPI, verifier port.IdentityVerifier, log *logging.Logger) *GRPCHandler {
	return &GRPCHandler{orders: orders, verifier: verifier, health: health.NewServer(), log: log}
}

// NewServer builds a gRPC server with the query and health services
// registered and correlation ids propagated.
func (h *GRPCHandler) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(h.unaryCorrelation))
	s := grpc.NewServer(opts...)
	s.RegisterService(&orderQueryDesc, h)
	healthpb.RegisterHealthServer(s, h.health)
	h.health.SetServingStatus(orderQueryService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// SetShuttingDown flips every health status to NOT_SERVING.
func (h *GRPCHandler) SetShuttingDown() {
	h.health.Shutdown()
}

// GetOrder returns the caller's order. Orders owned by someone else are
// reported as not found.
func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	userID, err := h.identify(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, grpcError(&domain.ValidationError{Field: "orderId", Reason: "required"})
	}

	order, err := h.orders.GetOrder(ctx, req.OrderID)
	if err == nil && order.UserID != userID {
		err = domain.ErrNotFound
	}
	if err != nil {
		gerr := grpcError(err)
		if status.Code(gerr) == codes.Internal {
			h.log.Ctx(ctx).Error("grpc get order failed", map[string]any{"order_id": req.OrderID, "err": err})
		}
		return nil, gerr
	}
	return &GetOrderResponse{Order: order}, nil
}

func (h *GRPCHandler) identify(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if v := md.Get("authorization"); len(v) > 0 {
		token = strings.TrimSpace(strings.TrimPrefix(v[0], "Bearer "))
	}
	if token == "" || h.verifier == nil {
		return "", domain.ErrAuthentication
	}
	userID, err := h.verifier.Verify(ctx, token)
	if err != nil || userID == "" {
		return "", domain.ErrAuthentication
	}
	return userID, nil
}

// unaryCorrelation attaches the caller's x-correlation-id (or a fresh one) to
// the handler context and echoes it in the response header.
func (h *GRPCHandler) unaryCorrelation(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(correlation.MetadataKey); len(v) > 0 {
			id = v[0]
		}
	}
	ctx = correlation.WithID(ctx, id)
	_ = grpc.SetHeader(ctx, metadata.Pairs(correlation.MetadataKey, correlation.ID(ctx)))

	resp, err := next(ctx, req)
	h.log.Ctx(ctx).Debug("grpc request", map[string]any{"method": info.FullMethod, "code": status.Code(err).String()})
	return resp, err
}

func grpcError(err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "order not found")
	case errors.Is(err, domain.ErrAuthentication):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, domain.ErrAuthorization):
		return status.Error(codes.PermissionDenied, "not authorized")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
