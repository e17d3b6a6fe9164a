// Package codec is the versioned serialization contract for every record the
// quota engine writes to the durable store.
//
// A record is an envelope {"v":1,"kind":"<kind>","data":<payload>}. Decoding is
// strict: the version and kind must match and unknown fields are rejected, so a
// shape change shows up as an error instead of a silently zeroed field.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crosslogic/quota-engine/pkg/models"
)

// Version is the only envelope version this build reads and writes.
const Version = 1

// Kind names the payload type carried by an envelope.
type Kind string

const (
	KindPlan       Kind = "plan"
	KindPlanID     Kind = "plan_id"
	KindLimits     Kind = "limits"
	KindMeterState Kind = "meter_state"
)

var (
	ErrUnsupportedVersion = errors.New("codec: unsupported record version")
	ErrKindMismatch       = errors.New("codec: record kind mismatch")
)

type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps v in a versioned envelope of the given kind.
func Encode(kind Kind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{V: Version, Kind: kind, Data: data})
}

// Decode unwraps raw into out, checking version and kind.
func Decode(raw []byte, kind Kind, out any) error {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	if env.V != Version {
		return fmt.Errorf("%w: got v=%d want v=%d", ErrUnsupportedVersion, env.V, Version)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: got %q want %q", ErrKindMismatch, env.Kind, kind)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", kind)
	}
	if err := strictUnmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func strictUnmarshal(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after record")
	}
	return nil
}

// EncodePlan encodes a plan record.
func EncodePlan(p models.Plan) ([]byte, error) {
	if err := p.Buckets.Validate(); err != nil {
		return nil, err
	}
	return Encode(KindPlan, p)
}

// DecodePlan decodes a plan record and validates its meters.
func DecodePlan(raw []byte) (models.Plan, error) {
	var p models.Plan
	if err := Decode(raw, KindPlan, &p); err != nil {
		return models.Plan{}, err
	}
	if err := p.Buckets.Validate(); err != nil {
		return models.Plan{}, fmt.Errorf("decode plan %s: %w", p.PlanID, err)
	}
	if p.Buckets == nil {
		p.Buckets = models.Limits{}
	}
	return p, nil
}

// EncodePlanID encodes a tenant's plan assignment.
func EncodePlanID(planID string) ([]byte, error) {
	return Encode(KindPlanID, planID)
}

// DecodePlanID decodes a tenant's plan assignment.
func DecodePlanID(raw []byte) (string, error) {
	var id string
	if err := Decode(raw, KindPlanID, &id); err != nil {
		return "", err
	}
	return id, nil
}

// EncodeLimits encodes a tenant override record.
func EncodeLimits(l models.Limits) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return Encode(KindLimits, l)
}

// DecodeLimits decodes a tenant override record.
func DecodeLimits(raw []byte) (models.Limits, error) {
	var l models.Limits
	if err := Decode(raw, KindLimits, &l); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	return l, nil
}

// EncodeMeterState encodes a meter state blob.
func EncodeMeterState(s *models.MeterState) ([]byte, error) {
	if s == nil {
		s = models.NewMeterState()
	}
	return Encode(KindMeterState, s)
}

// DecodeMeterState decodes a meter state blob. The key set is never nil.
func DecodeMeterState(raw []byte) (*models.MeterState, error) {
	s := models.NewMeterState()
	if err := Decode(raw, KindMeterState, s); err != nil {
		return nil, err
	}
	if s.IdempotencyKeys == nil {
		s.IdempotencyKeys = make(map[string]int64)
	}
	return s, nil
}
