// Package plans resolves plan definitions and each tenant's effective limits
// from the durable store.
package plans

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/quota-engine/internal/codec"
	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/pkg/metrics"
	"github.com/crosslogic/quota-engine/pkg/models"
	"go.uber.org/zap"
)

// FreePlanID is the plan every unassigned tenant runs on.
const FreePlanID = "free"

// DefaultFreePlan is the built-in plan used when no "free" plan is stored.
func DefaultFreePlan() models.Plan {
	return models.Plan{
		PlanID: FreePlanID,
		Buckets: models.Limits{
			models.MeterToolCall: {
				RatePerMin: models.Int64(30),
				Burst:      models.Int64(60),
				DailyCap:   models.Int64(600),
			},
			models.MeterMessengerEnvelope: {
				RatePerMin: models.Int64(60),
				Burst:      models.Int64(120),
				DailyCap:   models.Int64(2000),
			},
			models.MeterRTCMin:            {MonthlyQuota: models.Int64(500)},
			models.MeterEgressBytes:       {MonthlyQuota: models.Int64(10_000_000_000)},
			models.MeterStorageBytesMonth: {MonthlyQuota: models.Int64(2_000_000_000)},
			models.MeterEncodeMin:         {MonthlyQuota: models.Int64(50)},
		},
	}
}

// Catalog looks up plan definitions stored under plans/{plan_id}.
type Catalog struct {
	store  kv.Store
	logger *zap.Logger
}

// NewCatalog creates a plan catalog backed by store
func NewCatalog(store kv.Store, logger *zap.Logger) *Catalog {
	return &Catalog{store: store, logger: logger}
}

// GetPlan never fails. An absent plan falls back to the stored "free" plan,
// and if that is absent too, to DefaultFreePlan. Unreadable records are
// treated as absent and logged.
func (c *Catalog) GetPlan(ctx context.Context, planID string) models.Plan {
	if plan, ok := c.lookup(ctx, planID); ok {
		return plan
	}

	if planID != FreePlanID {
		if plan, ok := c.lookup(ctx, FreePlanID); ok {
			metrics.PlanFallbacks.WithLabelValues("stored_free").Inc()
			c.logger.Debug("plan not found, using stored free plan", zap.String("plan_id", planID))
			return plan
		}
	}

	metrics.PlanFallbacks.WithLabelValues("builtin_free").Inc()
	c.logger.Debug("plan not found, using built-in free plan", zap.String("plan_id", planID))
	return DefaultFreePlan()
}

func (c *Catalog) lookup(ctx context.Context, planID string) (models.Plan, bool) {
	raw, err := c.store.Get(ctx, kv.PlanKey(planID))
	if errors.Is(err, kv.ErrNotFound) {
		return models.Plan{}, false
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("plan_get").Inc()
		c.logger.Warn("plan lookup failed, falling back",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		return models.Plan{}, false
	}

	plan, err := codec.DecodePlan(raw)
	if err != nil {
		c.logger.Warn("stored plan is unreadable, falling back",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		return models.Plan{}, false
	}
	return plan, true
}

// PutPlan stores or replaces a plan definition.
func (c *Catalog) PutPlan(ctx context.Context, plan models.Plan) error {
	if plan.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if plan.Buckets == nil {
		plan.Buckets = models.Limits{}
	}

	raw, err := codec.EncodePlan(plan)
	if err != nil {
		return fmt.Errorf("invalid plan %s: %w", plan.PlanID, err)
	}
	if err := c.store.Put(ctx, kv.PlanKey(plan.PlanID), raw, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("plan_put").Inc()
		return fmt.Errorf("failed to store plan %s: %w", plan.PlanID, err)
	}

	c.logger.Info("plan stored",
		zap.String("plan_id", plan.PlanID),
		zap.Int("meters", len(plan.Buckets)),
	)
	return nil
}
