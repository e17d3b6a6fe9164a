package plans

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/quota-engine/internal/codec"
	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/pkg/events"
	"github.com/crosslogic/quota-engine/pkg/metrics"
	"github.com/crosslogic/quota-engine/pkg/models"
	"go.uber.org/zap"
)

// Resolver computes a tenant's effective per-meter limits from its assigned
// plan and its override record.
type Resolver struct {
	store     kv.Store
	catalog   *Catalog
	publisher events.Publisher
	logger    *zap.Logger
}

// NewResolver creates a resolver. publisher may be nil.
func NewResolver(store kv.Store, catalog *Catalog, publisher events.Publisher, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		logger:    logger,
	}
}

// Catalog returns the plan catalog the resolver reads from.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// PlanID returns the tenant's assigned plan, or FreePlanID when unassigned.
func (r *Resolver) PlanID(ctx context.Context, tenantID string) (string, error) {
	raw, err := r.store.Get(ctx, kv.TenantPlanKey(tenantID))
	if errors.Is(err, kv.ErrNotFound) {
		return FreePlanID, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("plan_id_get").Inc()
		return "", fmt.Errorf("failed to read plan assignment for %s: %w", tenantID, err)
	}

	planID, err := codec.DecodePlanID(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode plan assignment for %s: %w", tenantID, err)
	}
	if planID == "" {
		return FreePlanID, nil
	}
	return planID, nil
}

// Overrides returns the tenant's override record, or nil when it has none.
func (r *Resolver) Overrides(ctx context.Context, tenantID string) (models.Limits, error) {
	raw, err := r.store.Get(ctx, kv.LimitsKey(tenantID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("limits_get").Inc()
		return nil, fmt.Errorf("failed to read overrides for %s: %w", tenantID, err)
	}

	limits, err := codec.DecodeLimits(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode overrides for %s: %w", tenantID, err)
	}
	return limits, nil
}

// EffectiveLimits merges the tenant's plan buckets with its overrides.
// The merge is per meter: an overridden meter's whole BucketConfig replaces
// the plan's, so plan fields the override leaves out are dropped.
func (r *Resolver) EffectiveLimits(ctx context.Context, tenantID string) (models.Limits, error) {
	planID, err := r.PlanID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plan := r.catalog.GetPlan(ctx, planID)

	overrides, err := r.Overrides(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	effective := make(models.Limits, len(plan.Buckets)+len(overrides))
	for meter, cfg := range plan.Buckets {
		effective[meter] = cfg
	}
	for meter, cfg := range overrides {
		effective[meter] = cfg
	}
	return effective, nil
}

// AssignPlan records the tenant's plan. The plan does not have to exist yet;
// lookups fall back to the free plan until it does.
func (r *Resolver) AssignPlan(ctx context.Context, tenantID, planID string) error {
	if tenantID == "" || planID == "" {
		return fmt.Errorf("tenant_id and plan_id are required")
	}

	raw, err := codec.EncodePlanID(planID)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, kv.TenantPlanKey(tenantID), raw, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("plan_id_put").Inc()
		return fmt.Errorf("failed to assign plan for %s: %w", tenantID, err)
	}

	r.logger.Info("plan assigned",
		zap.String("tenant_id", tenantID),
		zap.String("plan_id", planID),
	)
	r.publish(ctx, events.NewEvent(events.EventPlanAssigned, tenantID, map[string]interface{}{
		"plan_id": planID,
	}))
	return nil
}

// SetOverrides replaces the tenant's whole override record.
func (r *Resolver) SetOverrides(ctx context.Context, tenantID string, limits models.Limits) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if limits == nil {
		limits = models.Limits{}
	}

	raw, err := codec.EncodeLimits(limits)
	if err != nil {
		return fmt.Errorf("invalid overrides for %s: %w", tenantID, err)
	}
	if err := r.store.Put(ctx, kv.LimitsKey(tenantID), raw, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("limits_put").Inc()
		return fmt.Errorf("failed to store overrides for %s: %w", tenantID, err)
	}

	meters := make([]string, 0, len(limits))
	for m := range limits {
		meters = append(meters, string(m))
	}
	r.logger.Info("limits overridden",
		zap.String("tenant_id", tenantID),
		zap.Strings("meters", meters),
	)
	r.publish(ctx, events.NewEvent(events.EventLimitsOverridden, tenantID, map[string]interface{}{
		"meters": meters,
	}))
	return nil
}

// ClearOverrides removes the tenant's override record.
func (r *Resolver) ClearOverrides(ctx context.Context, tenantID string) error {
	if err := r.store.Delete(ctx, kv.LimitsKey(tenantID)); err != nil {
		metrics.StoreErrors.WithLabelValues("limits_delete").Inc()
		return fmt.Errorf("failed to clear overrides for %s: %w", tenantID, err)
	}
	r.logger.Info("limits cleared", zap.String("tenant_id", tenantID))
	r.publish(ctx, events.NewEvent(events.EventLimitsOverridden, tenantID, map[string]interface{}{
		"meters": []string{},
	}))
	return nil
}

func (r *Resolver) publish(ctx context.Context, event events.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}
