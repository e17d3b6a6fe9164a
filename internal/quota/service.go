package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/quota-engine/pkg/metrics"
	"github.com/crosslogic/quota-engine/pkg/models"
	"go.uber.org/zap"
)

// Service is the entry point transports call. It routes each call through the
// tenant's actor so load, decide and persist never interleave for one tenant.
type Service struct {
	engine   *Engine
	registry *Registry
	logger   *zap.Logger
}

// NewService composes an engine with an actor registry.
func NewService(engine *Engine, registry *Registry, logger *zap.Logger) *Service {
	return &Service{engine: engine, registry: registry, logger: logger}
}

// CheckAndConsume decides a request on the tenant's actor.
//
// An invalid request returns an error wrapping ErrInvalidRequest and no
// response. Any other failure returns the INTERNAL response together with the
// cause; the caller was not charged.
func (s *Service) CheckAndConsume(ctx context.Context, req models.CheckRequest) (models.CheckResponse, error) {
	if err := ValidateRequest(req); err != nil {
		return models.CheckResponse{}, err
	}

	start := time.Now()
	var (
		resp   models.CheckResponse
		runErr error
	)
	err := s.registry.Do(ctx, req.TenantID, func(ctx context.Context) {
		resp, runErr = s.engine.CheckAndConsume(ctx, req)
	})
	if err == nil {
		err = runErr
	}

	if err != nil {
		metrics.RecordDecision(string(req.Meter), metrics.OutcomeInternal, time.Since(start))
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("quota check failed",
				zap.String("tenant_id", req.TenantID),
				zap.String("meter", string(req.Meter)),
				zap.Error(err),
			)
		}
		return models.Internal(), err
	}

	metrics.RecordDecision(string(req.Meter), outcome(resp), time.Since(start))
	return resp, nil
}

// Snapshot reads every meter's stored state on the tenant's actor.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (models.Snapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}

	var (
		snap   models.Snapshot
		runErr error
	)
	if err := s.registry.Do(ctx, tenantID, func(ctx context.Context) {
		snap, runErr = s.engine.Snapshot(ctx, tenantID)
	}); err != nil {
		return nil, err
	}
	if runErr != nil {
		s.logger.Error("snapshot failed", zap.String("tenant_id", tenantID), zap.Error(runErr))
		return nil, runErr
	}
	return snap, nil
}

func outcome(resp models.CheckResponse) string {
	switch {
	case resp.OK && resp.Cached:
		return metrics.OutcomeCached
	case resp.OK:
		return metrics.OutcomeOK
	case resp.Token == models.TokenBackpressure:
		return metrics.OutcomeBackpressure
	case resp.Token == models.TokenRateLimit:
		return metrics.OutcomeRateLimit
	default:
		return metrics.OutcomeInternal
	}
}
