// Package meterstate persists the per (tenant, meter) quota state.
package meterstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/quota-engine/internal/codec"
	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/pkg/metrics"
	"github.com/crosslogic/quota-engine/pkg/models"
)

const defaultWindow = time.Minute

// Config controls how long written state is kept by the backend.
type Config struct {
	// TTL is the requested expiry of every write. Zero means no expiry.
	TTL time.Duration
	// Window is the rate window size. Defaults to one minute.
	Window time.Duration
	// IdempotencyTTL is how long op keys are honoured. Zero means forever.
	IdempotencyTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store reads and writes whole MeterState blobs under meter:{tenant}:{meter}.
// It does no locking of its own: callers must be the only writer for a tenant.
type Store struct {
	kv      kv.Store
	ttl     time.Duration
	window  time.Duration
	idemTTL time.Duration
	now     func() time.Time
}

// NewStore wraps a durable store.
func NewStore(store kv.Store, cfg Config) *Store {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		kv:      store,
		ttl:     cfg.TTL,
		window:  cfg.Window,
		idemTTL: cfg.IdempotencyTTL,
		now:     cfg.Now,
	}
}

// Load returns the stored state, or a fresh empty state if none exists.
func (s *Store) Load(ctx context.Context, tenantID string, meter models.Meter) (*models.MeterState, error) {
	state, err := s.Peek(ctx, tenantID, meter)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return models.NewMeterState(), nil
	}
	return state, nil
}

// Peek returns the stored state, or nil if the meter was never written.
func (s *Store) Peek(ctx context.Context, tenantID string, meter models.Meter) (*models.MeterState, error) {
	key := kv.MeterKey(tenantID, string(meter))

	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("meter_get").Inc()
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	state, err := codec.DecodeMeterState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return state, nil
}

// Save writes the full state in one put.
func (s *Store) Save(ctx context.Context, tenantID string, meter models.Meter, state *models.MeterState) error {
	key := kv.MeterKey(tenantID, string(meter))

	raw, err := codec.EncodeMeterState(state)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Put(ctx, key, raw, s.expiryFor(state)); err != nil {
		metrics.StoreErrors.WithLabelValues("meter_put").Inc()
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// expiryFor never lets a blob expire while any part of it still matters: the
// current window, the UTC day's usage and every op key still being honoured.
// A zero result means no expiry.
func (s *Store) expiryFor(state *models.MeterState) time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	if len(state.IdempotencyKeys) > 0 && s.idemTTL <= 0 {
		return 0
	}

	now := s.now().UTC()
	ttl := s.ttl

	nextDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if d := nextDay.Sub(now) + s.window; d > ttl {
		ttl = d
	}
	for _, recordedAt := range state.IdempotencyKeys {
		if d := time.Unix(recordedAt, 0).Add(s.idemTTL).Sub(now); d > ttl {
			ttl = d
		}
	}
	return ttl
}
