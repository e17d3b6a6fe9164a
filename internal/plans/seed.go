package plans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/crosslogic/quota-engine/pkg/models"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML document used to provision plans and tenant assignments.
//
//	plans:
//	  - plan_id: pro
//	    buckets:
//	      tool_call: {rate_per_min: 300, burst: 300, daily_cap: 20000}
//	tenants:
//	  - tenant_id: acme
//	    plan_id: pro
//	    limits:
//	      tool_call: {daily_cap: 50000}
type Seed struct {
	Plans   []models.Plan `yaml:"plans"`
	Tenants []TenantSeed  `yaml:"tenants"`
}

// TenantSeed assigns a plan and optional overrides to one tenant.
// A nil Limits leaves any existing overrides untouched.
type TenantSeed struct {
	TenantID string        `yaml:"tenant_id"`
	PlanID   string        `yaml:"plan_id,omitempty"`
	Limits   models.Limits `yaml:"limits,omitempty"`
}

// LoadSeedFile reads and validates a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	seed, err := ParseSeed(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks ids and meter names.
func (s *Seed) Validate() error {
	seen := make(map[string]bool, len(s.Plans))
	for i, p := range s.Plans {
		if p.PlanID == "" {
			return fmt.Errorf("plans[%d]: plan_id is required", i)
		}
		if seen[p.PlanID] {
			return fmt.Errorf("plans[%d]: duplicate plan_id %q", i, p.PlanID)
		}
		seen[p.PlanID] = true
		if err := p.Buckets.Validate(); err != nil {
			return fmt.Errorf("plan %s: %w", p.PlanID, err)
		}
	}

	for i, t := range s.Tenants {
		if t.TenantID == "" {
			return fmt.Errorf("tenants[%d]: tenant_id is required", i)
		}
		if err := t.Limits.Validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
	}
	return nil
}

// Apply writes every plan, then every tenant assignment and override.
// It stops at the first failure; records written before it stay written.
func (s *Seed) Apply(ctx context.Context, resolver *Resolver) error {
	for _, p := range s.Plans {
		if err := resolver.Catalog().PutPlan(ctx, p); err != nil {
			return err
		}
	}

	for _, t := range s.Tenants {
		if t.PlanID != "" {
			if err := resolver.AssignPlan(ctx, t.TenantID, t.PlanID); err != nil {
				return err
			}
		}
		if t.Limits != nil {
			if err := resolver.SetOverrides(ctx, t.TenantID, t.Limits); err != nil {
				return err
			}
		}
	}
	return nil
}
