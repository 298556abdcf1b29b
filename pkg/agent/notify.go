package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/pipeline"
	"github.com/armorclaw/crashtrail/pkg/stackframe"
)

// capture is the outcome of one Notify or Recover
type capture struct {
	event   *event.Event
	result  pipeline.Result
	outcome delivery.Outcome
}

// Notify reports a handled error with error severity. Callbacks in onError
// run after the registered ones, for this event only.
func (a *Agent) Notify(ctx context.Context, err error, onError ...pipeline.OnError) {
	a.capture(ctx, event.InfoFromError(err), a.callers(err, 1), onError,
		event.WithSeverity(event.SeverityError))
}

// NotifyWithSeverity reports a handled error with the given severity
func (a *Agent) NotifyWithSeverity(ctx context.Context, err error, severity event.Severity, onError ...pipeline.OnError) {
	a.capture(ctx, event.InfoFromError(err), a.callers(err, 1), onError,
		event.WithSeverity(severity))
}

// Recover captures a panic in progress as an unhandled event. It must be
// deferred directly:
//
//	defer agent.Recover(ctx)
//
// When the agent is configured with RepanicOnRecover the panic continues
// after the event has been delivered.
func (a *Agent) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}

	var err error
	if e, ok := r.(error); ok {
		err = e
	}
	a.capture(ctx, event.InfoFromPanic(r), a.callers(err, 1), nil,
		event.WithSeverity(event.SeverityError),
		event.WithUnhandled(true),
		event.WithFrameFilter(stackframe.TrimRuntime),
	)

	if a.cfg.RepanicOnRecover {
		panic(r)
	}
}

// callers returns the stack for err: its own recorded addresses if it has
// any, otherwise the stack above the caller of callers, skipping skip more.
func (a *Agent) callers(err error, skip int) []uintptr {
	if addrs := event.CallersOf(err); len(addrs) > 0 {
		return addrs
	}
	return a.walker.Walk(skip + 1)
}

func (a *Agent) capture(ctx context.Context, info event.ErrorInfo, addrs []uintptr, onError []pipeline.OnError, opts ...event.BuildOption) (c capture) {
	c.outcome = delivery.Dropped

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("event capture failed",
				"panic", fmt.Sprint(r),
				"error_class", info.Class,
			)
		}
	}()

	ambient := a.ambient()
	c.event = a.builder.Build(info, addrs, append(ambient, opts...)...)

	a.metrics.EventCaptured(string(c.event.Severity), c.event.Unhandled)

	c.result = a.pipeline.Run(c.event, onError...)
	if !c.result.Approved() {
		a.log.Debug("event vetoed",
			"event_id", c.event.ID,
			"error_class", info.Class,
			"callbacks_ran", c.result.Ran,
		)
		return c
	}

	c.outcome = a.deliver(ctx, c.event)
	return c
}

// ambient copies the agent-wide context, user and metadata for one event
func (a *Agent) ambient() []event.BuildOption {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tabs := make(map[string]map[string]any, len(a.metadata))
	for name, tab := range a.metadata {
		tabs[name] = breadcrumb.CopyMetadata(tab)
	}

	return []event.BuildOption{
		event.WithContext(a.context),
		event.WithUser(a.user),
		event.WithMetadata(tabs),
	}
}

func (a *Agent) deliver(ctx context.Context, ev *event.Event) (outcome delivery.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = delivery.Failed
			a.log.Error("delivery panicked",
				"event_id", ev.ID,
				"panic", fmt.Sprint(r),
			)
		}
		a.metrics.DeliveryOutcome(outcome.String(), time.Since(start))
	}()

	outcome, err := a.delivery.Deliver(ctx, ev)
	if err != nil {
		a.log.ErrorEvent(ctx, "event delivery failed", err)
	}
	return outcome
}
