package delivery

import (
	"context"
	"errors"

	"github.com/armorclaw/crashtrail/pkg/event"
)

// Multi hands each event to several deliveries in order
type Multi []Delivery

// Deliver implements Delivery. The event counts as delivered if any target
// took it, as failed if every target failed, and as dropped otherwise.
func (m Multi) Deliver(ctx context.Context, ev *event.Event) (Outcome, error) {
	if len(m) == 0 {
		return Dropped, nil
	}

	var errs []error
	delivered, failed := 0, 0
	for _, d := range m {
		outcome, err := d.Deliver(ctx, ev)
		if err != nil {
			errs = append(errs, err)
		}
		switch outcome {
		case Delivered:
			delivered++
		case Failed:
			failed++
		}
	}

	switch {
	case delivered > 0:
		return Delivered, errors.Join(errs...)
	case failed == len(m):
		return Failed, errors.Join(errs...)
	default:
		return Dropped, errors.Join(errs...)
	}
}

// Close closes every target that holds resources
func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if err := Close(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
