package api

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AdminClient calls the admin service and translates status errors back to
// domain sentinels.
type AdminClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewAdminClient wraps an existing connection. A zero timeout leaves calls
// bounded only by their context.
func NewAdminClient(conn grpc.ClientConnInterface, timeout time.Duration) (*AdminClient, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	return &AdminClient{conn: conn, timeout: timeout}, nil
}

// Dial opens a plaintext connection to addr.
func Dial(addr string, timeout time.Duration) (*AdminClient, *grpc.ClientConn, error) {
	// TODO: add TLS once the admin listener terminates it
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to admin service: %w", err)
	}
	client, err := NewAdminClient(conn, timeout)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
	return fromStatus(err)
}

func (c *AdminClient) ProposeRuleSet(ctx context.Context, req *ProposeRuleSetRequest) (*ProposeRuleSetResponse, error) {
	out := new(ProposeRuleSetResponse)
	if err := c.invoke(ctx, "ProposeRuleSet", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ReactivateRuleSet(ctx context.Context, req *ReactivateRuleSetRequest) (*ProposeRuleSetResponse, error) {
	out := new(ProposeRuleSetResponse)
	if err := c.invoke(ctx, "ReactivateRuleSet", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) GetActiveRuleSet(ctx context.Context, req *GetActiveRuleSetRequest) (*GetActiveRuleSetResponse, error) {
	out := new(GetActiveRuleSetResponse)
	if err := c.invoke(ctx, "GetActiveRuleSet", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ListRuleSetVersions(ctx context.Context, req *ListRuleSetVersionsRequest) (*ListRuleSetVersionsResponse, error) {
	out := new(ListRuleSetVersionsResponse)
	if err := c.invoke(ctx, "ListRuleSetVersions", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) GetQuarantineStats(ctx context.Context, req *GetQuarantineStatsRequest) (*GetQuarantineStatsResponse, error) {
	out := new(GetQuarantineStatsResponse)
	if err := c.invoke(ctx, "GetQuarantineStats", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
