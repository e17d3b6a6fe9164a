// Package grpcapi exposes the quota service over gRPC.
package grpcapi

import (
	"context"

	"github.com/crosslogic/quota-engine/pkg/models"
	"google.golang.org/grpc"
)

const (
	serviceName           = "quota.v1.QuotaService"
	checkAndConsumeMethod = "/" + serviceName + "/CheckAndConsume"
	snapshotMethod        = "/" + serviceName + "/Snapshot"
)

// SnapshotRequest asks for one tenant's stored quota state.
type SnapshotRequest struct {
	TenantID string `json:"tenant_id"`
}

// SnapshotResponse carries every meter's stored state. Unwritten meters are null.
type SnapshotResponse struct {
	TenantID string          `json:"tenant_id"`
	Meters   models.Snapshot `json:"meters"`
}

// QuotaServer is the server side of quota.v1.QuotaService.
type QuotaServer interface {
	CheckAndConsume(ctx context.Context, req *models.CheckRequest) (*models.CheckResponse, error)
	Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
}

var quotaServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QuotaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckAndConsume", Handler: checkAndConsumeHandler},
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quota/v1",
}

// RegisterQuotaServer registers srv on s.
func RegisterQuotaServer(s grpc.ServiceRegistrar, srv QuotaServer) {
	s.RegisterService(&quotaServiceDesc, srv)
}

func checkAndConsumeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(models.CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaServer).CheckAndConsume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkAndConsumeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaServer).CheckAndConsume(ctx, req.(*models.CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaServer).Snapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}
