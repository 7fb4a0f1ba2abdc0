package scheduler

import (
	"context"
	"time"
)

// DialGuard is a single-slot semaphore protecting the region where a
// connection resolves and dials its upstream target. The original gated
// this with an overloaded sentinel on the phase word itself (a connection
// in flight set the phase to a value outside {REAL, VENUS} and other
// connections spun on that); this replaces the sentinel with a dedicated
// channel so the phase word stays a clean two-value enum. See
// SPEC_FULL.md §4.G.
type DialGuard struct {
	slot chan struct{}
}

// NewDialGuard returns an unheld guard.
func NewDialGuard() *DialGuard {
	return &DialGuard{slot: make(chan struct{}, 1)}
}

// Acquire attempts to take the slot, retrying up to maxAttempts times with
// retryDelay between attempts when it is already held. It reports whether
// the slot was acquired; ctx cancellation aborts the wait early.
func (g *DialGuard) Acquire(ctx context.Context, maxAttempts int, retryDelay time.Duration) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case g.slot <- struct{}{}:
			return true
		default:
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
		}
	}
	return false
}

// Release gives up the slot. Calling Release without a matching successful
// Acquire blocks forever, which is intentional: it surfaces the bug at the
// call site rather than silently desynchronizing the guard.
func (g *DialGuard) Release() {
	<-g.slot
}
