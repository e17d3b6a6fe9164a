package quota

import (
	"context"
	"fmt"
	"sync"
)

// TenantActor runs every task for one tenant on a single goroutine, one at a
// time, in arrival order.
type TenantActor struct {
	tenantID string
	mailbox  chan func()
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newTenantActor(tenantID string, mailboxSize int) *TenantActor {
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	a := &TenantActor{
		tenantID: tenantID,
		mailbox:  make(chan func(), mailboxSize),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *TenantActor) run() {
	defer close(a.done)
	for task := range a.mailbox {
		task()
	}
}

// Do runs fn on the actor and waits for it to return.
//
// ctx only bounds the wait for a mailbox slot. Once fn is accepted it runs to
// completion with a context that is never cancelled, so a caller that gives up
// can never leave a half-applied decision behind.
func (a *TenantActor) Do(ctx context.Context, fn func(ctx context.Context)) error {
	runCtx := context.WithoutCancel(ctx)
	finished := make(chan struct{})
	var panicErr error

	task := func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("tenant %s task panicked: %v", a.tenantID, r)
			}
		}()
		fn(runCtx)
	}

	if err := a.submit(ctx, task); err != nil {
		return err
	}
	<-finished
	return panicErr
}

func (a *TenantActor) submit(ctx context.Context, task func()) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrActorStopped
	}
	select {
	case a.mailbox <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop refuses new tasks, lets queued ones finish and waits for the goroutine to exit.
func (a *TenantActor) stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.mailbox)
	}
	a.mu.Unlock()
	<-a.done
}
