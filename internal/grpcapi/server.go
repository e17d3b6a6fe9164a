package grpcapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/crosslogic/quota-engine/internal/quota"
	"github.com/crosslogic/quota-engine/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AdminTokenHeader is the metadata key guarding admin methods.
const AdminTokenHeader = "x-admin-token"

// Server serves quota.v1.QuotaService.
type Server struct {
	service    *quota.Service
	logger     *zap.Logger
	adminToken string

	mu  sync.Mutex
	srv *grpc.Server
}

// NewServer creates a gRPC server for service.
func NewServer(service *quota.Service, logger *zap.Logger, adminToken string) *Server {
	s := &Server{
		service:    service,
		logger:     logger,
		adminToken: adminToken,
	}
	s.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			s.loggingInterceptor,
			s.adminAuthInterceptor,
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 60 * time.Second}),
	)
	RegisterQuotaServer(s.srv, &quotaServer{service: service})
	return s
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Shutdown stops gracefully, forcing a stop if ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		return ctx.Err()
	}
}

func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	requestID := uuid.NewString()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			requestID = ids[0]
		}
	}

	start := time.Now()
	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("grpc request failed", append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))...)
	} else {
		s.logger.Info("grpc request", fields...)
	}
	return resp, err
}

func (s *Server) adminAuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod != snapshotMethod {
		return handler(ctx, req)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	tokens := md.Get(AdminTokenHeader)
	if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.adminToken)) != 1 {
		s.logger.Warn("invalid admin token attempt", zap.String("method", info.FullMethod))
		return nil, status.Error(codes.Unauthenticated, "invalid admin token")
	}
	return handler(ctx, req)
}

type quotaServer struct {
	service *quota.Service
}

func (q *quotaServer) CheckAndConsume(ctx context.Context, req *models.CheckRequest) (*models.CheckResponse, error) {
	resp, err := q.service.CheckAndConsume(ctx, *req)
	if errors.Is(err, quota.ErrInvalidRequest) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		// The cause is already logged by the service; callers only see the token.
		return nil, status.Error(codes.Internal, string(models.TokenInternal))
	}
	return &resp, nil
}

func (q *quotaServer) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	snap, err := q.service.Snapshot(ctx, req.TenantID)
	if errors.Is(err, quota.ErrInvalidRequest) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, string(models.TokenInternal))
	}
	return &SnapshotResponse{TenantID: req.TenantID, Meters: snap}, nil
}
