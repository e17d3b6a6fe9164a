// Package quota decides whether a tenant's metered operation may proceed and
// records its cost.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/quota-engine/pkg/events"
	"github.com/crosslogic/quota-engine/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultWindow = 60 * time.Second
	dayKeyLayout  = "20060102"
)

// LimitsResolver returns a tenant's effective per-meter limits.
type LimitsResolver interface {
	EffectiveLimits(ctx context.Context, tenantID string) (models.Limits, error)
}

// StateStore persists per (tenant, meter) state.
type StateStore interface {
	Load(ctx context.Context, tenantID string, meter models.Meter) (*models.MeterState, error)
	Peek(ctx context.Context, tenantID string, meter models.Meter) (*models.MeterState, error)
	Save(ctx context.Context, tenantID string, meter models.Meter, state *models.MeterState) error
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	// Window is the rate window. It is truncated to whole seconds; zero means 60s.
	Window time.Duration
	// IdempotencyTTL is how long an op key short-circuits replays. Zero keeps keys forever.
	IdempotencyTTL time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine implements check-and-consume for a single call. It is not safe to run
// two calls for the same tenant concurrently; the Registry serializes them.
type Engine struct {
	limits    LimitsResolver
	states    StateStore
	publisher events.Publisher
	logger    *zap.Logger

	windowSecs int64
	idemTTL    time.Duration
	now        func() time.Time
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(limits LimitsResolver, states StateStore, publisher events.Publisher, logger *zap.Logger, cfg EngineConfig) *Engine {
	window := cfg.Window
	if window < time.Second {
		window = defaultWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		limits:     limits,
		states:     states,
		publisher:  publisher,
		logger:     logger,
		windowSecs: int64(window / time.Second),
		idemTTL:    cfg.IdempotencyTTL,
		now:        now,
	}
}

// CheckAndConsume decides one request. A non-nil error means nothing was
// persisted and the caller was not charged.
func (e *Engine) CheckAndConsume(ctx context.Context, req models.CheckRequest) (models.CheckResponse, error) {
	if err := ValidateRequest(req); err != nil {
		return models.CheckResponse{}, err
	}
	qty := req.Quantity()

	limits, err := e.limits.EffectiveLimits(ctx, req.TenantID)
	if err != nil {
		return models.CheckResponse{}, fmt.Errorf("resolve limits: %w", err)
	}
	cfg, configured := limits[req.Meter]

	state, err := e.states.Load(ctx, req.TenantID, req.Meter)
	if err != nil {
		return models.CheckResponse{}, fmt.Errorf("load state: %w", err)
	}

	now := e.now()

	if req.OpKey != "" {
		if recordedAt, ok := state.IdempotencyKeys[req.OpKey]; ok && !e.keyExpired(recordedAt, now) {
			return models.AllowedCached(), nil
		}
	}

	next := state.Clone()

	if !cfg.RequestBound() {
		if !configured {
			e.logger.Debug("meter not configured for tenant, allowing",
				zap.String("tenant_id", req.TenantID),
				zap.String("meter", string(req.Meter)),
			)
		}
		if err := e.commit(ctx, req, next, now); err != nil {
			return models.CheckResponse{}, err
		}
		return models.Allowed(), nil
	}

	if cfg.RatePerMin != nil {
		currentWindow := now.Unix() / e.windowSecs * e.windowSecs
		if next.Minute == nil || next.Minute.WindowStart != currentWindow {
			next.Minute = &models.MinuteState{
				WindowStart: currentWindow,
				Tokens:      windowAllowance(cfg),
			}
		}

		if next.Minute.Tokens < qty {
			nextWindowMs := (next.Minute.WindowStart + e.windowSecs) * 1000
			retryAfterMs := nextWindowMs - now.UnixMilli()
			if retryAfterMs < 0 {
				retryAfterMs = 0
			}
			e.logger.Debug("quota backpressure",
				zap.String("tenant_id", req.TenantID),
				zap.String("meter", string(req.Meter)),
				zap.Int64("qty", qty),
				zap.Int64("tokens", next.Minute.Tokens),
				zap.Int64("retry_after_ms", retryAfterMs),
			)
			e.publish(ctx, events.EventBackpressure, req, map[string]interface{}{
				"retry_after_ms": retryAfterMs,
			})
			return models.Backpressure(retryAfterMs), nil
		}
		next.Minute.Tokens -= qty
	}

	dayKey := now.UTC().Format(dayKeyLayout)
	if next.Day == nil || next.Day.DayKey != dayKey {
		next.Day = &models.DayState{DayKey: dayKey}
	}

	if cfg.DailyCap != nil && next.Day.Used+qty > *cfg.DailyCap {
		e.logger.Warn("daily cap reached",
			zap.String("tenant_id", req.TenantID),
			zap.String("meter", string(req.Meter)),
			zap.Int64("used", next.Day.Used),
			zap.Int64("daily_cap", *cfg.DailyCap),
			zap.Int64("qty", qty),
		)
		e.publish(ctx, events.EventDailyCapReached, req, map[string]interface{}{
			"day":       dayKey,
			"used":      next.Day.Used,
			"daily_cap": *cfg.DailyCap,
		})
		return models.RateLimited(), nil
	}
	next.Day.Used += qty

	if err := e.commit(ctx, req, next, now); err != nil {
		return models.CheckResponse{}, err
	}
	return models.Allowed(), nil
}

// Snapshot returns the raw stored state of every meter for a tenant.
func (e *Engine) Snapshot(ctx context.Context, tenantID string) (models.Snapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}

	snap := make(models.Snapshot, len(models.AllMeters))
	for _, meter := range models.AllMeters {
		state, err := e.states.Peek(ctx, tenantID, meter)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", meter, err)
		}
		snap[meter] = state
	}
	return snap, nil
}

// commit records the op key, drops expired keys and persists the state.
func (e *Engine) commit(ctx context.Context, req models.CheckRequest, state *models.MeterState, now time.Time) error {
	if req.OpKey != "" {
		state.IdempotencyKeys[req.OpKey] = now.Unix()
	}
	for key, recordedAt := range state.IdempotencyKeys {
		if e.keyExpired(recordedAt, now) {
			delete(state.IdempotencyKeys, key)
		}
	}

	if err := e.states.Save(ctx, req.TenantID, req.Meter, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (e *Engine) keyExpired(recordedAt int64, now time.Time) bool {
	if e.idemTTL <= 0 {
		return false
	}
	return !now.Before(time.Unix(recordedAt, 0).Add(e.idemTTL))
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, req models.CheckRequest, payload map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	payload["meter"] = string(req.Meter)
	payload["qty"] = req.Quantity()
	if err := e.publisher.Publish(ctx, events.NewEvent(eventType, req.TenantID, payload)); err != nil {
		e.logger.Warn("failed to publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// windowAllowance is the token count every fresh window starts with:
// min(rate_per_min, burst), where a missing burst means rate_per_min.
func windowAllowance(cfg models.BucketConfig) int64 {
	tokens := *cfg.RatePerMin
	if cfg.Burst != nil && *cfg.Burst < tokens {
		tokens = *cfg.Burst
	}
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}
