package codec

import (
	"testing"

	"github.com/crosslogic/quota-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	raw, err := EncodePlanID("pro")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"kind":"plan_id","data":"pro"}`, string(raw))
}

func TestMeterStateWireFormat(t *testing.T) {
	state := &models.MeterState{
		Minute:          &models.MinuteState{WindowStart: 1700000040, Tokens: 29},
		Day:             &models.DayState{DayKey: "20231114", Used: 1},
		IdempotencyKeys: map[string]int64{"abc": 1700000055},
	}

	raw, err := EncodeMeterState(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"kind":"meter_state","data":{
		"minute":{"windowStart":1700000040,"tokens":29},
		"day":{"dayKey":"20231114","used":1},
		"idem":{"abc":1700000055}}}`, string(raw))

	decoded, err := DecodeMeterState(raw)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestDecodeMeterStateDefaultsKeySet(t *testing.T) {
	decoded, err := DecodeMeterState([]byte(`{"v":1,"kind":"meter_state","data":{"idem":null}}`))
	require.NoError(t, err)
	assert.NotNil(t, decoded.IdempotencyKeys)
	assert.Nil(t, decoded.Minute)
}

func TestPlanRecord(t *testing.T) {
	plan := models.Plan{
		PlanID: "pro",
		Buckets: models.Limits{
			models.MeterToolCall: {RatePerMin: models.Int64(300), Burst: models.Int64(300)},
			models.MeterRTCMin:   {MonthlyQuota: models.Int64(5000)},
		},
	}

	raw, err := EncodePlan(plan)
	require.NoError(t, err)

	decoded, err := DecodePlan(raw)
	require.NoError(t, err)
	assert.Equal(t, plan, decoded)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{
			name: "future version",
			raw:  `{"v":2,"kind":"plan","data":{"plan_id":"x","buckets":{}}}`,
			want: ErrUnsupportedVersion,
		},
		{
			name: "missing version",
			raw:  `{"kind":"plan","data":{"plan_id":"x","buckets":{}}}`,
			want: ErrUnsupportedVersion,
		},
		{
			name: "wrong kind",
			raw:  `{"v":1,"kind":"limits","data":{}}`,
			want: ErrKindMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePlan([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unknown payload field", func(t *testing.T) {
		_, err := DecodePlan([]byte(`{"v":1,"kind":"plan","data":{"plan_id":"x","buckets":{},"tier":"gold"}}`))
		assert.Error(t, err)
	})

	t.Run("unknown bucket field", func(t *testing.T) {
		_, err := DecodeLimits([]byte(`{"v":1,"kind":"limits","data":{"tool_call":{"rate":5}}}`))
		assert.Error(t, err)
	})

	t.Run("unknown meter", func(t *testing.T) {
		_, err := DecodeLimits([]byte(`{"v":1,"kind":"limits","data":{"gpu_hours":{"daily_cap":5}}}`))
		assert.Error(t, err)
	})

	t.Run("bare legacy blob", func(t *testing.T) {
		_, err := DecodeMeterState([]byte(`{"minute":{"windowStart":0,"tokens":3}}`))
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodePlanID([]byte(`pro`))
		assert.Error(t, err)
	})
}

func TestEncodeRejectsUnknownMeter(t *testing.T) {
	_, err := EncodeLimits(models.Limits{"gpu_hours": {DailyCap: models.Int64(1)}})
	assert.Error(t, err)
}
