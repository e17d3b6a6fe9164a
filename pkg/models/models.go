package models

import "fmt"

// Meter is a named, independently tracked usage dimension.
type Meter string

const (
	MeterToolCall          Meter = "tool_call"
	MeterMessengerEnvelope Meter = "messenger_envelope"
	MeterRTCMin            Meter = "rtc_min"
	MeterEgressBytes       Meter = "egress_bytes"
	MeterStorageBytesMonth Meter = "storage_bytes_month"
	MeterEncodeMin         Meter = "encode_min"
)

// AllMeters lists the closed meter set in a stable order.
var AllMeters = []Meter{
	MeterToolCall,
	MeterMessengerEnvelope,
	MeterRTCMin,
	MeterEgressBytes,
	MeterStorageBytesMonth,
	MeterEncodeMin,
}

// Valid reports whether m belongs to the closed meter set.
func (m Meter) Valid() bool {
	for _, known := range AllMeters {
		if m == known {
			return true
		}
	}
	return false
}

// BucketConfig is the per-meter limit definition. Nil fields are undefined.
type BucketConfig struct {
	RatePerMin   *int64 `json:"rate_per_min,omitempty" yaml:"rate_per_min,omitempty"`
	Burst        *int64 `json:"burst,omitempty" yaml:"burst,omitempty"`
	DailyCap     *int64 `json:"daily_cap,omitempty" yaml:"daily_cap,omitempty"`
	MonthlyQuota *int64 `json:"monthly_quota,omitempty" yaml:"monthly_quota,omitempty"`
}

// RequestBound reports whether the meter is enforced at request time.
// Anything else, including an empty config, is batch-bound.
func (c BucketConfig) RequestBound() bool {
	return c.RatePerMin != nil || c.DailyCap != nil
}

// Limits maps each configured meter to its bucket config.
type Limits map[Meter]BucketConfig

// Validate rejects meters outside the closed set and negative limits.
func (l Limits) Validate() error {
	for m, cfg := range l {
		if !m.Valid() {
			return fmt.Errorf("unknown meter %q", m)
		}
		for name, v := range map[string]*int64{
			"rate_per_min":  cfg.RatePerMin,
			"burst":         cfg.Burst,
			"daily_cap":     cfg.DailyCap,
			"monthly_quota": cfg.MonthlyQuota,
		} {
			if v != nil && *v < 0 {
				return fmt.Errorf("meter %s: %s cannot be negative", m, name)
			}
		}
	}
	return nil
}

// Plan is a named bundle of per-meter bucket configurations.
type Plan struct {
	PlanID  string `json:"plan_id" yaml:"plan_id"`
	Buckets Limits `json:"buckets" yaml:"buckets"`
}

// MinuteState is the token state of the current rate window.
type MinuteState struct {
	WindowStart int64 `json:"windowStart"`
	Tokens      int64 `json:"tokens"`
}

// DayState is the cumulative usage for one UTC calendar day.
type DayState struct {
	DayKey string `json:"dayKey"`
	Used   int64  `json:"used"`
}

// MeterState is the durable per (tenant, meter) state.
// IdempotencyKeys maps each recorded op key to the unix second it was recorded at.
type MeterState struct {
	Minute          *MinuteState     `json:"minute,omitempty"`
	Day             *DayState        `json:"day,omitempty"`
	IdempotencyKeys map[string]int64 `json:"idem"`
}

// NewMeterState returns the default state of a never-touched meter.
func NewMeterState() *MeterState {
	return &MeterState{IdempotencyKeys: make(map[string]int64)}
}

// Clone returns a deep copy so tentative mutations never leak into the original.
func (s *MeterState) Clone() *MeterState {
	out := NewMeterState()
	if s == nil {
		return out
	}
	if s.Minute != nil {
		m := *s.Minute
		out.Minute = &m
	}
	if s.Day != nil {
		d := *s.Day
		out.Day = &d
	}
	for k, v := range s.IdempotencyKeys {
		out.IdempotencyKeys[k] = v
	}
	return out
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
