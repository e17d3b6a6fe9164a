package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/crosslogic/quota-engine/pkg/events"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher re-applies a seed file whenever it changes on disk.
type Watcher struct {
	path      string
	resolver  *Resolver
	publisher events.Publisher
	logger    *zap.Logger
	debounce  time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. publisher may be nil.
func NewWatcher(path string, resolver *Resolver, publisher events.Publisher, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:      path,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		debounce:  defaultDebounce,
	}
}

// Reload loads the seed file and applies it once.
func (w *Watcher) Reload(ctx context.Context) error {
	seed, err := LoadSeedFile(w.path)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, w.resolver); err != nil {
		return fmt.Errorf("failed to apply %s: %w", w.path, err)
	}

	w.logger.Info("plan seed applied",
		zap.String("path", w.path),
		zap.Int("plans", len(seed.Plans)),
		zap.Int("tenants", len(seed.Tenants)),
	)
	if w.publisher != nil {
		err := w.publisher.Publish(ctx, events.NewEvent(events.EventPlansReloaded, "", map[string]interface{}{
			"path":    w.path,
			"plans":   len(seed.Plans),
			"tenants": len(seed.Tenants),
		}))
		if err != nil {
			w.logger.Warn("failed to publish event",
				zap.String("event_type", string(events.EventPlansReloaded)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run watches the seed file until ctx is cancelled. The parent directory is
// watched rather than the file, so editors that save by rename keep working.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info("plan watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounce),
	)

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			w.logger.Info("plan watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("plan file event",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			w.schedule(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("plan watcher error", zap.Error(err))
		}
	}
}

// schedule collapses a burst of events into a single reload.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.Reload(ctx); err != nil {
			w.logger.Error("plan reload failed", zap.Error(err))
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
