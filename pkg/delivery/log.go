package delivery

import (
	"context"
	"log/slog"

	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

// LogDelivery writes each event as one structured log record
type LogDelivery struct {
	log *logger.Logger
}

// NewLogDelivery creates a log sink. A nil logger uses the global one.
func NewLogDelivery(l *logger.Logger) *LogDelivery {
	if l == nil {
		l = logger.Global()
	}
	return &LogDelivery{log: l.WithComponent("delivery")}
}

// Deliver implements Delivery
func (d *LogDelivery) Deliver(ctx context.Context, ev *event.Event) (Outcome, error) {
	level := slog.LevelError
	switch ev.Severity {
	case event.SeverityWarning:
		level = slog.LevelWarn
	case event.SeverityInfo:
		level = slog.LevelInfo
	}

	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("error_class", ev.ErrorClass()),
		slog.String("message", ev.ErrorMessage()),
		slog.String("severity", string(ev.Severity)),
		slog.Bool("unhandled", ev.Unhandled),
		slog.Int("breadcrumbs", len(ev.Breadcrumbs)),
		slog.Int("feature_flags", len(ev.FeatureFlags)),
	}
	if ev.Context != "" {
		attrs = append(attrs, slog.String("context", ev.Context))
	}
	if f, ok := ev.TopFrame(); ok {
		attrs = append(attrs,
			slog.String("symbol", f.Symbol),
			slog.String("file", f.File),
			slog.Int("line", f.Line),
		)
	}

	d.log.LogAttrs(ctx, level, "event captured", attrs...)
	return Delivered, nil
}
