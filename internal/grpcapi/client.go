package grpcapi

import (
	"context"

	"github.com/crosslogic/quota-engine/pkg/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls quota.v1.QuotaService.
type Client struct {
	conn       *grpc.ClientConn
	adminToken string
}

// Dial connects to target without transport security.
func Dial(ctx context.Context, target, adminToken string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, adminToken: adminToken}, nil
}

// CheckAndConsume asks the server to decide req.
func (c *Client) CheckAndConsume(ctx context.Context, req models.CheckRequest) (models.CheckResponse, error) {
	var resp models.CheckResponse
	if err := c.conn.Invoke(ctx, checkAndConsumeMethod, &req, &resp); err != nil {
		return models.CheckResponse{}, err
	}
	return resp, nil
}

// Snapshot fetches a tenant's stored state. It needs the admin token.
func (c *Client) Snapshot(ctx context.Context, tenantID string) (models.Snapshot, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, AdminTokenHeader, c.adminToken)

	var resp SnapshotResponse
	if err := c.conn.Invoke(ctx, snapshotMethod, &SnapshotRequest{TenantID: tenantID}, &resp); err != nil {
		return nil, err
	}
	return resp.Meters, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
