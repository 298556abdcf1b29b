// Package delivery defines where approved events go once the on-error
// pipeline has run, and ships local implementations: a log sink, a SQLite
// inspection store, a rate limiter and a fan-out.
package delivery

import (
	"context"
	"fmt"
	"io"

	"github.com/armorclaw/crashtrail/pkg/event"
)

// Outcome is the result of handing an event to a Delivery
type Outcome int

const (
	Delivered Outcome = iota
	Dropped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery receives approved events. Implementations decide their own cost;
// the agent calls Deliver synchronously.
type Delivery interface {
	Deliver(ctx context.Context, ev *event.Event) (Outcome, error)
}

// Func adapts a function to Delivery
type Func func(ctx context.Context, ev *event.Event) (Outcome, error)

// Deliver implements Delivery
func (f Func) Deliver(ctx context.Context, ev *event.Event) (Outcome, error) {
	return f(ctx, ev)
}

// Discard drops every event
var Discard Delivery = Func(func(context.Context, *event.Event) (Outcome, error) {
	return Dropped, nil
})

// Close closes d if it holds resources
func Close(d Delivery) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
