package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the durable key-value contract the quota engine depends on.
// Values are opaque blobs; a zero ttl means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
	Close() error
}

// Pruner is implemented by backends that cannot expire keys on their own.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// Key layout shared by every backend.

// PlanKey is the record of a plan definition.
func PlanKey(planID string) string {
	return "plans/" + planID
}

// TenantPlanKey is the record of a tenant's assigned plan id.
func TenantPlanKey(tenantID string) string {
	return "tenant/" + tenantID + "/plan_id"
}

// LimitsKey is the record of a tenant's per-meter overrides.
func LimitsKey(tenantID string) string {
	return "limits/" + tenantID
}

// MeterKey is the record of one tenant's state for one meter.
func MeterKey(tenantID, meter string) string {
	return "meter:" + tenantID + ":" + meter
}
