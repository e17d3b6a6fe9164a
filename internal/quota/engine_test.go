package quota

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/internal/meterstate"
	"github.com/crosslogic/quota-engine/internal/plans"
	"github.com/crosslogic/quota-engine/pkg/events"
	"github.com/crosslogic/quota-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore fails reads or writes of keys with a prefix while the matching flag is set.
type flakyStore struct {
	kv.Store
	mu      sync.Mutex
	prefix  string
	failGet bool
	failPut bool
}

var errInjected = errors.New("injected store failure")

func (f *flakyStore) set(get, put bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet, f.failPut = get, put
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet && strings.HasPrefix(key, f.prefix)
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	fail := f.failPut && strings.HasPrefix(key, f.prefix)
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.Put(ctx, key, value, ttl)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) count(t events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	clock    *fakeClock
	backend  *flakyStore
	resolver *plans.Resolver
	states   *meterstate.Store
	engine   *Engine
	events   *capturePublisher
}

// t0 is aligned to a minute boundary.
var t0 = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, idemTTL time.Duration) *harness {
	t.Helper()
	return newHarnessWithStateTTL(t, idemTTL, 0)
}

// newHarnessWithStateTTL asks the backend to expire meter state after stateTTL.
func newHarnessWithStateTTL(t *testing.T, idemTTL, stateTTL time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{t: t0}
	backend := &flakyStore{Store: kv.NewMemoryStoreWithClock(clock.Now), prefix: "meter:"}
	logger := zap.NewNop()
	resolver := plans.NewResolver(backend, plans.NewCatalog(backend, logger), nil, logger)
	states := meterstate.NewStore(backend, meterstate.Config{
		TTL:            stateTTL,
		Window:         time.Minute,
		IdempotencyTTL: idemTTL,
		Now:            clock.Now,
	})
	pub := &capturePublisher{}

	engine := NewEngine(resolver, states, pub, logger, EngineConfig{
		Window:         time.Minute,
		IdempotencyTTL: idemTTL,
		Now:            clock.Now,
	})
	return &harness{
		clock:    clock,
		backend:  backend,
		resolver: resolver,
		states:   states,
		engine:   engine,
		events:   pub,
	}
}

func (h *harness) check(t *testing.T, tenant string, meter models.Meter, qty int64, opKey string) models.CheckResponse {
	t.Helper()
	resp, err := h.engine.CheckAndConsume(context.Background(), models.CheckRequest{
		TenantID: tenant,
		Meter:    meter,
		Qty:      models.Int64(qty),
		OpKey:    opKey,
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) state(t *testing.T, tenant string, meter models.Meter) *models.MeterState {
	t.Helper()
	s, err := h.states.Peek(context.Background(), tenant, meter)
	require.NoError(t, err)
	return s
}

func TestFirstCallDebitsOneToken(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.check(t, "t1", models.MeterToolCall, 1, "")
	assert.Equal(t, models.Allowed(), resp)

	s := h.state(t, "t1", models.MeterToolCall)
	require.NotNil(t, s)
	assert.Equal(t, t0.Unix(), s.Minute.WindowStart)
	assert.Equal(t, int64(29), s.Minute.Tokens)
	assert.Equal(t, "20260309", s.Day.DayKey)
	assert.Equal(t, int64(1), s.Day.Used)
}

func TestDefaultQuantityIsOne(t *testing.T) {
	h := newHarness(t, 0)

	resp, err := h.engine.CheckAndConsume(context.Background(), models.CheckRequest{
		TenantID: "t1",
		Meter:    models.MeterToolCall,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int64(29), h.state(t, "t1", models.MeterToolCall).Minute.Tokens)
}

func TestWindowExhaustionReturnsBackpressure(t *testing.T) {
	h := newHarness(t, 0)

	for i := 0; i < 30; i++ {
		resp := h.check(t, "t1", models.MeterToolCall, 1, "")
		require.True(t, resp.OK, "call %d should be accepted", i+1)
	}
	assert.Equal(t, int64(0), h.state(t, "t1", models.MeterToolCall).Minute.Tokens)

	h.clock.Advance(15 * time.Second)
	for i := 0; i < 5; i++ {
		resp := h.check(t, "t1", models.MeterToolCall, 1, "")
		assert.False(t, resp.OK)
		assert.Equal(t, models.TokenBackpressure, resp.Token)
		require.NotNil(t, resp.RetryAfterMs)
		assert.Equal(t, int64(45_000), *resp.RetryAfterMs)
		assert.Equal(t, []string{"Reduce call cadence", "Retry after retry_after_ms", "Upgrade plan if needed"}, resp.Remediation)
	}

	// Refusals are not persisted.
	s := h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, int64(0), s.Minute.Tokens)
	assert.Equal(t, int64(30), s.Day.Used)
	assert.Equal(t, 5, h.events.count(events.EventBackpressure))
}

func TestRetryAfterUsesMillisecondClock(t *testing.T) {
	h := newHarness(t, 0)
	h.clock.Advance(59*time.Second + 750*time.Millisecond)

	resp := h.check(t, "t1", models.MeterToolCall, 31, "")
	require.Equal(t, models.TokenBackpressure, resp.Token)
	assert.Equal(t, int64(250), *resp.RetryAfterMs)
}

func TestWindowResetsAtBoundary(t *testing.T) {
	h := newHarness(t, 0)

	for i := 0; i < 30; i++ {
		h.check(t, "t1", models.MeterToolCall, 1, "")
	}
	require.Equal(t, models.TokenBackpressure, h.check(t, "t1", models.MeterToolCall, 1, "").Token)

	h.clock.Advance(time.Minute)
	resp := h.check(t, "t1", models.MeterToolCall, 1, "")
	assert.True(t, resp.OK)

	s := h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, t0.Add(time.Minute).Unix(), s.Minute.WindowStart)
	assert.Equal(t, int64(29), s.Minute.Tokens)
}

func TestBurstAboveRateIsNeverReachable(t *testing.T) {
	h := newHarness(t, 0)

	// rate 30, burst 60: a single request for 31 can never fit a fresh window.
	for w := 0; w < 3; w++ {
		resp := h.check(t, "t1", models.MeterToolCall, 31, "")
		assert.Equal(t, models.TokenBackpressure, resp.Token)

		resp = h.check(t, "t1", models.MeterToolCall, 30, "")
		assert.True(t, resp.OK)
		assert.Equal(t, int64(0), h.state(t, "t1", models.MeterToolCall).Minute.Tokens)

		h.clock.Advance(time.Minute)
	}
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t, 0)

	first := h.check(t, "t1", models.MeterToolCall, 5, "abc")
	assert.Equal(t, models.Allowed(), first)

	second := h.check(t, "t1", models.MeterToolCall, 5, "abc")
	assert.Equal(t, models.AllowedCached(), second)

	s := h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, int64(5), s.Day.Used)
	assert.Equal(t, int64(25), s.Minute.Tokens)
	assert.Contains(t, s.IdempotencyKeys, "abc")

	// A replay is answered even when the window is exhausted.
	h.check(t, "t1", models.MeterToolCall, 25, "")
	assert.Equal(t, models.AllowedCached(), h.check(t, "t1", models.MeterToolCall, 5, "abc"))
}

func TestRefusedCallDoesNotRecordOpKey(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.check(t, "t1", models.MeterToolCall, 31, "big")
	require.Equal(t, models.TokenBackpressure, resp.Token)

	resp = h.check(t, "t1", models.MeterToolCall, 1, "big")
	assert.Equal(t, models.Allowed(), resp)
}

func TestIdempotencyKeysExpire(t *testing.T) {
	h := newHarness(t, time.Hour)

	require.True(t, h.check(t, "t1", models.MeterToolCall, 1, "old").OK)

	h.clock.Advance(30 * time.Minute)
	assert.True(t, h.check(t, "t1", models.MeterToolCall, 1, "old").Cached)

	h.clock.Advance(30 * time.Minute)
	resp := h.check(t, "t1", models.MeterToolCall, 1, "new")
	require.True(t, resp.OK)

	s := h.state(t, "t1", models.MeterToolCall)
	assert.NotContains(t, s.IdempotencyKeys, "old")
	assert.Contains(t, s.IdempotencyKeys, "new")

	// An expired key is charged again.
	resp = h.check(t, "t1", models.MeterToolCall, 1, "old")
	assert.Equal(t, models.Allowed(), resp)
	assert.Equal(t, int64(3), h.state(t, "t1", models.MeterToolCall).Day.Used)
}

func TestShortStateTTLKeepsDayUsageAndOpKeys(t *testing.T) {
	h := newHarnessWithStateTTL(t, 72*time.Hour, time.Hour)
	ctx := context.Background()

	require.NoError(t, h.resolver.SetOverrides(ctx, "t1", models.Limits{
		models.MeterToolCall: {DailyCap: models.Int64(10)},
	}))

	assert.Equal(t, models.Allowed(), h.check(t, "t1", models.MeterToolCall, 10, "k"))

	// Idle longer than the requested ttl, same UTC day.
	h.clock.Advance(61 * time.Minute)
	assert.Equal(t, models.AllowedCached(), h.check(t, "t1", models.MeterToolCall, 10, "k"))

	h.clock.Advance(61 * time.Minute)
	assert.Equal(t, models.AllowedCached(), h.check(t, "t1", models.MeterToolCall, 10, "k"))
	assert.Equal(t, models.TokenRateLimit, h.check(t, "t1", models.MeterToolCall, 1, "other").Token)

	s := h.state(t, "t1", models.MeterToolCall)
	require.NotNil(t, s)
	assert.Equal(t, int64(10), s.Day.Used)
}

func TestDailyCap(t *testing.T) {
	h := newHarness(t, 0)

	// 600 per day at 30 per minute: twenty full windows.
	for w := 0; w < 20; w++ {
		resp := h.check(t, "t1", models.MeterToolCall, 30, "")
		require.True(t, resp.OK, "window %d", w)
		h.clock.Advance(time.Minute)
	}
	require.Equal(t, int64(600), h.state(t, "t1", models.MeterToolCall).Day.Used)

	resp := h.check(t, "t1", models.MeterToolCall, 1, "")
	assert.False(t, resp.OK)
	assert.Equal(t, models.TokenRateLimit, resp.Token)
	assert.Nil(t, resp.RetryAfterMs)
	assert.Equal(t, []string{"Daily cap reached", "Try later", "Upgrade plan or add credits"}, resp.Remediation)

	// Minute tokens were available, and the refused debit was not persisted.
	s := h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, int64(600), s.Day.Used)
	assert.Equal(t, 1, h.events.count(events.EventDailyCapReached))

	// The next UTC day starts from zero.
	h.clock.Advance(24 * time.Hour)
	assert.True(t, h.check(t, "t1", models.MeterToolCall, 1, "").OK)
	s = h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, "20260310", s.Day.DayKey)
	assert.Equal(t, int64(1), s.Day.Used)
}

func TestBatchBoundMeterPassesThrough(t *testing.T) {
	h := newHarness(t, 0)

	for _, qty := range []int64{1, 500, 1_000_000} {
		resp := h.check(t, "t1", models.MeterRTCMin, qty, "")
		assert.Equal(t, models.Allowed(), resp)
	}

	s := h.state(t, "t1", models.MeterRTCMin)
	require.NotNil(t, s)
	assert.Nil(t, s.Minute)
	assert.Nil(t, s.Day)

	require.True(t, h.check(t, "t1", models.MeterRTCMin, 10, "rtc-1").OK)
	assert.True(t, h.check(t, "t1", models.MeterRTCMin, 10, "rtc-1").Cached)
}

func TestUnconfiguredMeterPassesThrough(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.resolver.Catalog().PutPlan(ctx, models.Plan{
		PlanID:  "bare",
		Buckets: models.Limits{},
	}))
	require.NoError(t, h.resolver.AssignPlan(ctx, "t1", "bare"))

	for i := 0; i < 100; i++ {
		assert.True(t, h.check(t, "t1", models.MeterToolCall, 1000, "").OK)
	}
}

func TestDailyCapOnlyMeter(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.resolver.SetOverrides(ctx, "t1", models.Limits{
		models.MeterToolCall: {DailyCap: models.Int64(100)},
	}))

	assert.True(t, h.check(t, "t1", models.MeterToolCall, 60, "").OK)
	assert.True(t, h.check(t, "t1", models.MeterToolCall, 40, "").OK)
	assert.Equal(t, models.TokenRateLimit, h.check(t, "t1", models.MeterToolCall, 1, "").Token)

	s := h.state(t, "t1", models.MeterToolCall)
	assert.Nil(t, s.Minute)
	assert.Equal(t, int64(100), s.Day.Used)
}

func TestOverrideChangesEnforcement(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.resolver.SetOverrides(ctx, "t1", models.Limits{
		models.MeterToolCall: {RatePerMin: models.Int64(2)},
	}))

	assert.True(t, h.check(t, "t1", models.MeterToolCall, 1, "").OK)
	assert.True(t, h.check(t, "t1", models.MeterToolCall, 1, "").OK)
	assert.Equal(t, models.TokenBackpressure, h.check(t, "t1", models.MeterToolCall, 1, "").Token)

	// Other tenants keep the free plan.
	assert.True(t, h.check(t, "t2", models.MeterToolCall, 30, "").OK)
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, 0)

	tests := []struct {
		name string
		req  models.CheckRequest
	}{
		{name: "empty tenant", req: models.CheckRequest{Meter: models.MeterToolCall}},
		{name: "unknown meter", req: models.CheckRequest{TenantID: "t1", Meter: "gpu_hours"}},
		{name: "zero qty", req: models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall, Qty: models.Int64(0)}},
		{name: "negative qty", req: models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall, Qty: models.Int64(-3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CheckAndConsume(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStoreFailuresAreNotCharged(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.True(t, h.check(t, "t1", models.MeterToolCall, 1, "").OK)

	t.Run("write failure", func(t *testing.T) {
		h.backend.set(false, true)
		defer h.backend.set(false, false)

		_, err := h.engine.CheckAndConsume(ctx, models.CheckRequest{
			TenantID: "t1", Meter: models.MeterToolCall, Qty: models.Int64(5), OpKey: "retry-me",
		})
		assert.ErrorIs(t, err, errInjected)
	})

	t.Run("read failure", func(t *testing.T) {
		h.backend.set(true, false)
		defer h.backend.set(false, false)

		_, err := h.engine.CheckAndConsume(ctx, models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
		assert.ErrorIs(t, err, errInjected)
	})

	s := h.state(t, "t1", models.MeterToolCall)
	assert.Equal(t, int64(29), s.Minute.Tokens)
	assert.Equal(t, int64(1), s.Day.Used)
	assert.NotContains(t, s.IdempotencyKeys, "retry-me")

	// The retried call is charged exactly once.
	assert.Equal(t, models.Allowed(), h.check(t, "t1", models.MeterToolCall, 5, "retry-me"))
	assert.Equal(t, models.AllowedCached(), h.check(t, "t1", models.MeterToolCall, 5, "retry-me"))
	assert.Equal(t, int64(6), h.state(t, "t1", models.MeterToolCall).Day.Used)
}

func TestResolverFailureIsInternal(t *testing.T) {
	clock := &fakeClock{t: t0}
	backend := &flakyStore{Store: kv.NewMemoryStore(), prefix: "tenant/"}
	backend.set(true, false)
	logger := zap.NewNop()
	resolver := plans.NewResolver(backend, plans.NewCatalog(backend, logger), nil, logger)
	engine := NewEngine(resolver, meterstate.NewStore(backend, meterstate.Config{}), nil, logger, EngineConfig{Now: clock.Now})

	_, err := engine.CheckAndConsume(context.Background(), models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}

func TestInvariantsUnderRandomTraffic(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.resolver.SetOverrides(ctx, "t1", models.Limits{
		models.MeterToolCall: {RatePerMin: models.Int64(40), Burst: models.Int64(25), DailyCap: models.Int64(300)},
	}))

	rng := rand.New(rand.NewSource(42))
	accepted := map[string]int64{}

	for i := 0; i < 2000; i++ {
		h.clock.Advance(time.Duration(rng.Intn(4000)) * time.Millisecond)
		qty := int64(rng.Intn(8) + 1)
		resp := h.check(t, "t1", models.MeterToolCall, qty, "")
		if resp.OK {
			accepted[h.clock.Now().UTC().Format("20060102")] += qty
		}

		s := h.state(t, "t1", models.MeterToolCall)
		if s != nil && s.Minute != nil {
			require.GreaterOrEqual(t, s.Minute.Tokens, int64(0))
			require.LessOrEqual(t, s.Minute.Tokens, int64(25))
		}
	}

	for day, used := range accepted {
		assert.LessOrEqual(t, used, int64(300), "day %s", day)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 0)

	h.check(t, "t1", models.MeterToolCall, 3, "k1")
	h.check(t, "t1", models.MeterEncodeMin, 2, "")

	snap, err := h.engine.Snapshot(context.Background(), "t1")
	require.NoError(t, err)

	assert.Len(t, snap, len(models.AllMeters))
	require.NotNil(t, snap[models.MeterToolCall])
	assert.Equal(t, int64(27), snap[models.MeterToolCall].Minute.Tokens)
	assert.NotNil(t, snap[models.MeterEncodeMin])
	assert.Nil(t, snap[models.MeterRTCMin])

	// Reading a snapshot has no side effects.
	again, err := h.engine.Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, snap, again)

	_, err = h.engine.Snapshot(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngineWindowDefaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, zap.NewNop(), EngineConfig{})
	assert.Equal(t, int64(60), e.windowSecs)

	e = NewEngine(nil, nil, nil, zap.NewNop(), EngineConfig{Window: 10 * time.Second})
	assert.Equal(t, int64(10), e.windowSecs)
}
