package quota

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/quota-engine/internal/config"
	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/internal/meterstate"
	"github.com/crosslogic/quota-engine/internal/plans"
	"github.com/crosslogic/quota-engine/pkg/cache"
	"github.com/crosslogic/quota-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestActorRunsTasksOneAtATime(t *testing.T) {
	r := NewRegistry(RegistryConfig{MailboxSize: 4}, zap.NewNop())
	defer r.Close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Do(context.Background(), "t1", func(ctx context.Context) {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, 1, r.Len())
}

func TestActorsForDistinctTenantsAreIndependent(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zap.NewNop())
	defer r.Close()

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), "slow", func(ctx context.Context) {
			close(blocked)
			<-release
		})
	}()
	<-blocked

	done := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), "fast", func(ctx context.Context) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tenant fast was blocked by tenant slow")
	}
	close(release)
	assert.Equal(t, 2, r.Len())
}

func TestActorPreservesArrivalOrder(t *testing.T) {
	r := NewRegistry(RegistryConfig{MailboxSize: 16}, zap.NewNop())
	defer r.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), "t1", func(ctx context.Context) {
			close(started)
			<-gate
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Do(context.Background(), "t1", func(ctx context.Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}(i)
		// Wait until task i is queued before submitting i+1.
		require.Eventually(t, func() bool {
			shard := r.shardFor("t1")
			shard.mu.Lock()
			entry := shard.m["t1"]
			shard.mu.Unlock()
			return len(entry.actor.mailbox) == i+1
		}, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestActorRecoversFromPanic(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zap.NewNop())
	defer r.Close()

	err := r.Do(context.Background(), "t1", func(ctx context.Context) {
		panic("boom")
	})
	assert.Error(t, err)

	ran := false
	require.NoError(t, r.Do(context.Background(), "t1", func(ctx context.Context) { ran = true }))
	assert.True(t, ran)
}

func TestActorTaskContextOutlivesCaller(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zap.NewNop())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var taskErr error
	require.NoError(t, r.Do(ctx, "t1", func(taskCtx context.Context) {
		cancel()
		taskErr = taskCtx.Err()
	}))
	assert.NoError(t, taskErr)
}

func TestRegistryReapsIdleActors(t *testing.T) {
	r := NewRegistry(RegistryConfig{IdleTimeout: time.Minute}, zap.NewNop())
	defer r.Close()

	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Do(context.Background(), "a", func(ctx context.Context) {}))
	require.NoError(t, r.Do(context.Background(), "b", func(ctx context.Context) {}))
	assert.Equal(t, 2, r.Len())

	now = now.Add(30 * time.Second)
	require.NoError(t, r.Do(context.Background(), "b", func(ctx context.Context) {}))
	assert.Equal(t, 0, r.reapIdle())

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, r.reapIdle())
	assert.Equal(t, 1, r.Len())

	// A reaped tenant gets a fresh actor.
	require.NoError(t, r.Do(context.Background(), "a", func(ctx context.Context) {}))
	assert.Equal(t, 2, r.Len())
}

func TestRegistryDoesNotReapBusyActors(t *testing.T) {
	r := NewRegistry(RegistryConfig{IdleTimeout: time.Minute}, zap.NewNop())
	defer r.Close()

	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	require.NoError(t, r.Do(context.Background(), "a", func(ctx context.Context) {}))

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), "a", func(ctx context.Context) {
			close(started)
			<-release
		})
	}()
	<-started

	now = now.Add(time.Hour)
	assert.Equal(t, 0, r.reapIdle())
	close(release)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zap.NewNop())
	require.NoError(t, r.Do(context.Background(), "t1", func(ctx context.Context) {}))

	r.Close()
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, r.Do(context.Background(), "t1", func(ctx context.Context) {}), ErrActorStopped)
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	r := NewRegistry(RegistryConfig{IdleTimeout: time.Second}, zap.NewNop())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func newTestService(t *testing.T, backend kv.Store, clock *fakeClock) *Service {
	t.Helper()
	logger := zap.NewNop()
	resolver := plans.NewResolver(backend, plans.NewCatalog(backend, logger), nil, logger)
	engine := NewEngine(resolver, meterstate.NewStore(backend, meterstate.Config{}), nil, logger, EngineConfig{
		Window: time.Minute,
		Now:    clock.Now,
	})
	registry := NewRegistry(RegistryConfig{MailboxSize: 8}, logger)
	t.Cleanup(registry.Close)
	return NewService(engine, registry, logger)
}

func TestServiceConcurrentCallsNeverOverspend(t *testing.T) {
	clock := &fakeClock{t: t0}
	svc := newTestService(t, kv.NewMemoryStore(), clock)

	var accepted, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.CheckAndConsume(context.Background(), models.CheckRequest{
				TenantID: "t1",
				Meter:    models.MeterToolCall,
			})
			assert.NoError(t, err)
			if resp.OK {
				accepted.Add(1)
			} else {
				assert.Equal(t, models.TokenBackpressure, resp.Token)
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), accepted.Load())
	assert.Equal(t, int32(70), refused.Load())

	snap, err := svc.Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap[models.MeterToolCall].Minute.Tokens)
	assert.Equal(t, int64(30), snap[models.MeterToolCall].Day.Used)
}

func TestServiceConcurrentReplaysChargeOnce(t *testing.T) {
	clock := &fakeClock{t: t0}
	svc := newTestService(t, kv.NewMemoryStore(), clock)

	var cached atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.CheckAndConsume(context.Background(), models.CheckRequest{
				TenantID: "t1",
				Meter:    models.MeterToolCall,
				Qty:      models.Int64(5),
				OpKey:    "abc",
			})
			assert.NoError(t, err)
			assert.True(t, resp.OK)
			if resp.Cached {
				cached.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(19), cached.Load())
	snap, err := svc.Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap[models.MeterToolCall].Day.Used)
}

func TestServiceErrorMapping(t *testing.T) {
	clock := &fakeClock{t: t0}
	backend := &flakyStore{Store: kv.NewMemoryStore(), prefix: "meter:"}
	svc := newTestService(t, backend, clock)

	_, err := svc.CheckAndConsume(context.Background(), models.CheckRequest{TenantID: "t1", Meter: "nope"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	backend.set(false, true)
	resp, err := svc.CheckAndConsume(context.Background(), models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
	require.Error(t, err)
	assert.Equal(t, models.Internal(), resp)
	assert.Equal(t, []string{"Retry later"}, resp.Remediation)

	_, err = svc.Snapshot(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServiceWithRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	backend := kv.NewRedisStore(c)
	defer backend.Close()

	clock := &fakeClock{t: t0}
	svc := newTestService(t, backend, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		resp, err := svc.CheckAndConsume(ctx, models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
		require.NoError(t, err)
		require.True(t, resp.OK)
	}
	resp, err := svc.CheckAndConsume(ctx, models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
	require.NoError(t, err)
	assert.Equal(t, models.TokenBackpressure, resp.Token)

	assert.True(t, mr.Exists("meter:t1:tool_call"))

	// Losing the store yields INTERNAL, not a quota decision.
	mr.Close()
	resp, err = svc.CheckAndConsume(ctx, models.CheckRequest{TenantID: "t1", Meter: models.MeterToolCall})
	require.Error(t, err)
	assert.Equal(t, models.TokenInternal, resp.Token)
}
