package pace

import (
	"context"
	"sync"
	"time"
)

// Gate is an admission-control gate that spaces callers out to a target
// rate. Each Wait claims the next free slot on a shared timeline and sleeps
// until it arrives, so the aggregate admission rate approximates the
// configured ops/sec no matter how many workers contend. Waits are bounded
// by the claimed slot's distance and cancellation is always honoured.
type Gate struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewGate builds a gate for ratePerSec admissions per second. A rate <= 0
// disables pacing entirely.
func NewGate(ratePerSec float64) *Gate {
	g := &Gate{}
	if ratePerSec > 0 {
		g.interval = time.Duration(float64(time.Second) / ratePerSec)
	}
	return g
}

// Wait blocks until this caller's slot opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g.interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := time.Now()
	if g.next.Before(now) {
		// Idle gate: don't pay back time nobody used.
		g.next = now
	}
	slot := g.next
	g.next = g.next.Add(g.interval)
	g.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval exposes the pacing period, mainly for logging.
func (g *Gate) Interval() time.Duration {
	return g.interval
}
