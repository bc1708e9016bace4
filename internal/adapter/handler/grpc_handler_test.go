package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
)

const getOrderMethod = "/" + orderQueryService + "/GetOrder"

func newGRPCClient(t *testing.T) (*grpc.ClientConn, *GRPCHandler) {
	t.Helper()
	h := NewGRPCHandler(newMockOrderAPI(), testTokens, logging.Nop())
	srv := h.NewServer()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, h
}

func callCtx(t *testing.T, token, corrID string) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	pairs := []string{}
	if token != "" {
		pairs = append(pairs, "authorization", "Bearer "+token)
	}
	if corrID != "" {
		pairs = append(pairs, correlation.MetadataKey, corrID)
	}
	return metadata.NewOutgoingContext(ctx, metadata.Pairs(pairs...))
}

func TestGRPC_GetOrder(t *testing.T) {
	conn, _ := newGRPCClient(t)

	var header metadata.MD
	var resp GetOrderResponse
	err := conn.Invoke(callCtx(t, "tok-alice", "corr-grpc"), getOrderMethod,
		&GetOrderRequest{OrderID: "ord_alice"}, &resp,
		grpc.CallContentSubtype("json"), grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, "ord_alice", resp.Order.ID)
	assert.Equal(t, int64(500), resp.Order.Total)
	assert.Equal(t, []string{"corr-grpc"}, header.Get(correlation.MetadataKey))
}

func TestGRPC_ErrorCodes(t *testing.T) {
	conn, _ := newGRPCClient(t)

	tests := []struct {
		name    string
		token   string
		orderID string
		want    codes.Code
	}{
		{"no token", "", "ord_alice", codes.Unauthenticated},
		{"bad token", "nope", "ord_alice", codes.Unauthenticated},
		{"missing id", "tok-alice", "", codes.InvalidArgument},
		{"foreign order", "tok-alice", "ord_bob", codes.NotFound},
		{"unknown order", "tok-alice", "ord_missing", codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp GetOrderResponse
			err := conn.Invoke(callCtx(t, tt.token, ""), getOrderMethod,
				&GetOrderRequest{OrderID: tt.orderID}, &resp, grpc.CallContentSubtype("json"))
			assert.Equal(t, tt.want, status.Code(err), "err: %v", err)
		})
	}
}

func TestGRPC_HealthFollowsShutdown(t *testing.T) {
	conn, h := newGRPCClient(t)
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(callCtx(t, "", ""), &healthpb.HealthCheckRequest{Service: orderQueryService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	h.SetShuttingDown()
	resp, err = client.Check(callCtx(t, "", ""), &healthpb.HealthCheckRequest{Service: orderQueryService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
