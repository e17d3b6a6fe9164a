package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosslogic/quota-engine/pkg/metrics"
	"go.uber.org/zap"
)

// RegistryConfig configures actor pooling.
type RegistryConfig struct {
	Shards      int
	MailboxSize int
	// IdleTimeout is how long an actor with no work is kept. Zero disables reaping.
	IdleTimeout time.Duration
}

// Registry owns one TenantActor per active tenant. Actors are created on first
// use and reaped once idle.
type Registry struct {
	shards []registryShard
	cfg    RegistryConfig
	logger *zap.Logger
	now    func() time.Time
	closed atomic.Bool
	active atomic.Int64
}

type registryShard struct {
	mu sync.Mutex
	m  map[string]*actorEntry
}

type actorEntry struct {
	actor *TenantActor
	// refs counts callers holding the entry. It only goes up under the shard lock.
	refs     atomic.Int64
	lastUsed atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *zap.Logger) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}

	shards := make([]registryShard, cfg.Shards)
	for i := range shards {
		shards[i] = registryShard{m: make(map[string]*actorEntry)}
	}

	return &Registry{
		shards: shards,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Do runs fn on the tenant's actor.
func (r *Registry) Do(ctx context.Context, tenantID string, fn func(ctx context.Context)) error {
	entry, err := r.acquire(tenantID)
	if err != nil {
		return err
	}
	defer r.release(entry)

	return entry.actor.Do(ctx, fn)
}

func (r *Registry) acquire(tenantID string) (*actorEntry, error) {
	shard := r.shardFor(tenantID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if r.closed.Load() {
		return nil, ErrActorStopped
	}

	entry, ok := shard.m[tenantID]
	if !ok {
		entry = &actorEntry{actor: newTenantActor(tenantID, r.cfg.MailboxSize)}
		shard.m[tenantID] = entry
		r.active.Add(1)
		metrics.ActiveActors.Inc()
	}
	entry.refs.Add(1)
	return entry, nil
}

func (r *Registry) release(entry *actorEntry) {
	entry.lastUsed.Store(r.now().UnixNano())
	entry.refs.Add(-1)
}

func (r *Registry) shardFor(tenantID string) *registryShard {
	if len(r.shards) == 1 {
		return &r.shards[0]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(tenantID))
	return &r.shards[hasher.Sum32()%uint32(len(r.shards))]
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	return int(r.active.Load())
}

// Run reaps idle actors until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reapIdle(); n > 0 {
				r.logger.Debug("reaped idle tenant actors",
					zap.Int("reaped", n),
					zap.Int("active", r.Len()),
				)
			}
		}
	}
}

// reapIdle stops actors with no holders that have been idle for IdleTimeout.
func (r *Registry) reapIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout).UnixNano()

	var idle []*TenantActor
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for tenantID, entry := range shard.m {
			if entry.refs.Load() == 0 && entry.lastUsed.Load() <= cutoff {
				delete(shard.m, tenantID)
				idle = append(idle, entry.actor)
			}
		}
		shard.mu.Unlock()
	}

	for _, actor := range idle {
		actor.stop()
		r.active.Add(-1)
		metrics.ActiveActors.Dec()
	}
	return len(idle)
}

// Close stops every actor after its queued tasks finish. Later calls fail
// with ErrActorStopped.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	var actors []*TenantActor
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for tenantID, entry := range shard.m {
			actors = append(actors, entry.actor)
			delete(shard.m, tenantID)
		}
		shard.mu.Unlock()
	}

	for _, actor := range actors {
		actor.stop()
		r.active.Add(-1)
		metrics.ActiveActors.Dec()
	}
	r.logger.Info("tenant actors stopped", zap.Int("count", len(actors)))
}
