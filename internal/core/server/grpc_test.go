package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sandonleejacobs/rulestream/internal/core/api"
	"github.com/sandonleejacobs/rulestream/internal/core/config"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// stubAdmin answers every call from fixed values; GetActiveRuleSet blocks
// until its context ends.
type stubAdmin struct{}

func (stubAdmin) ProposeRuleSet(context.Context, *api.ProposeRuleSetRequest) (*api.ProposeRuleSetResponse, error) {
	return &api.ProposeRuleSetResponse{Accepted: true, Version: 7}, nil
}

func (stubAdmin) ReactivateRuleSet(context.Context, *api.ReactivateRuleSetRequest) (*api.ProposeRuleSetResponse, error) {
	return &api.ProposeRuleSetResponse{Accepted: true, Version: 8}, nil
}

func (stubAdmin) GetActiveRuleSet(ctx context.Context, _ *api.GetActiveRuleSetRequest) (*api.GetActiveRuleSetResponse, error) {
	<-ctx.Done()
	return nil, status.FromContextError(ctx.Err()).Err()
}

func (stubAdmin) ListRuleSetVersions(context.Context, *api.ListRuleSetVersionsRequest) (*api.ListRuleSetVersionsResponse, error) {
	return &api.ListRuleSetVersionsResponse{}, nil
}

func (stubAdmin) GetQuarantineStats(_ context.Context, req *api.GetQuarantineStatsRequest) (*api.GetQuarantineStatsResponse, error) {
	return &api.GetQuarantineStatsResponse{Stats: types.QuarantineStats{Subject: types.Subject(req.Subject), Total: 3}}, nil
}

func serve(t *testing.T, reg prometheus.Registerer) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	cfg := config.Default().Admin
	cfg.RequestTimeout = 50 * time.Millisecond

	srv, err := NewGRPCServer(cfg, stubAdmin{}, nil, reg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestNewGRPCServer_Validation(t *testing.T) {
	_, err := NewGRPCServer(config.Default().Admin, nil, nil, nil)
	require.Error(t, err)

	cfg := config.Default().Admin
	cfg.RequestTimeout = 0
	_, err = NewGRPCServer(cfg, stubAdmin{}, nil, nil)
	require.Error(t, err)
}

func TestGRPCServer_ServesAdminAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, conn := serve(t, reg)
	ctx := context.Background()

	client, err := api.NewAdminClient(conn, time.Second)
	require.NoError(t, err)

	resp, err := client.ProposeRuleSet(ctx, &api.ProposeRuleSetRequest{Subject: "payments"})
	require.NoError(t, err)
	require.Equal(t, int64(7), resp.Version)

	stats, err := client.GetQuarantineStats(ctx, &api.GetQuarantineStatsRequest{Subject: "payments"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.Stats.Total)

	// The stub blocks; the server-side request timeout ends the call.
	_, err = client.GetActiveRuleSet(ctx, &api.GetActiveRuleSetRequest{Subject: "payments"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	hc := grpc_health_v1.NewHealthClient(conn)
	hresp, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, hresp.Status)

	method := "/" + api.ServiceName + "/ProposeRuleSet"
	require.Equal(t, 1.0, testutil.ToFloat64(srv.requests.WithLabelValues(method, codes.OK.String())))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
}

func TestNewGRPCServer_ReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewGRPCServer(config.Default().Admin, stubAdmin{}, nil, reg)
	require.NoError(t, err)
	_, err = NewGRPCServer(config.Default().Admin, stubAdmin{}, nil, reg)
	require.NoError(t, err)
}
