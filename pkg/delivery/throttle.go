package delivery

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/armorclaw/crashtrail/pkg/event"
)

// Throttle drops events that exceed a rate limit before they reach next.
// Unhandled events bypass the limit.
type Throttle struct {
	next    Delivery
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// NewThrottle allows perSecond events per second with the given burst
func NewThrottle(next Delivery, perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttle{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Deliver implements Delivery
func (t *Throttle) Deliver(ctx context.Context, ev *event.Event) (Outcome, error) {
	if !ev.Unhandled && !t.limiter.Allow() {
		t.dropped.Add(1)
		return Dropped, nil
	}
	return t.next.Deliver(ctx, ev)
}

// Dropped returns how many events were rate limited
func (t *Throttle) Dropped() uint64 {
	return t.dropped.Load()
}

// Close closes the wrapped delivery
func (t *Throttle) Close() error {
	return Close(t.next)
}
