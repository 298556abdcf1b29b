// Package setup assembles an agent and its collaborators from configuration
package setup

import (
	"fmt"

	"github.com/armorclaw/crashtrail/internal/flagwatch"
	"github.com/armorclaw/crashtrail/internal/metrics"
	"github.com/armorclaw/crashtrail/pkg/agent"
	"github.com/armorclaw/crashtrail/pkg/config"
	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

// Runtime is an assembled agent with handles on the parts callers may
// want to inspect
type Runtime struct {
	Agent    *agent.Agent
	Store    *delivery.Store    // nil unless the store is enabled
	Throttle *delivery.Throttle // nil unless rate limiting is enabled
	Metrics  *metrics.Metrics   // nil unless metrics are enabled
	Server   *metrics.Server    // nil unless metrics are enabled
	Flags    *flagwatch.Watcher // nil unless a flags file is configured
}

// Build creates the runtime described by cfg. Extra deliveries receive every
// approved event alongside the configured ones. The agent is not started.
func Build(cfg *config.Config, l *logger.Logger, extra ...delivery.Delivery) (*Runtime, error) {
	if l == nil {
		l = logger.Global()
	}
	rt := &Runtime{}

	var opts []agent.Option
	if cfg.Metrics.Enabled {
		m, err := metrics.New(cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		rt.Metrics = m
		rt.Server = metrics.NewServer(cfg.Metrics.Listen, m, l)
		opts = append(opts, agent.WithMetrics(m), agent.WithService(rt.Server))
	}

	var targets delivery.Multi
	if cfg.Delivery.LogEnabled {
		targets = append(targets, delivery.NewLogDelivery(l))
	}
	if cfg.Delivery.StoreEnabled {
		store, err := delivery.NewStore(cfg.ToStoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		janitor, err := delivery.NewJanitor(store, cfg.Delivery.CleanupSchedule, l)
		if err != nil {
			store.Close()
			return nil, err
		}
		rt.Store = store
		targets = append(targets, store)
		opts = append(opts, agent.WithService(janitor))
	}
	for _, d := range extra {
		if d != nil {
			targets = append(targets, d)
		}
	}

	var d delivery.Delivery = delivery.Discard
	switch len(targets) {
	case 0:
	case 1:
		d = targets[0]
	default:
		d = targets
	}
	if cfg.Delivery.RateLimit > 0 {
		rt.Throttle = delivery.NewThrottle(d, cfg.Delivery.RateLimit, cfg.Delivery.RateBurst)
		d = rt.Throttle
	}
	opts = append(opts, agent.WithDelivery(d), agent.WithLogger(l))

	a, err := agent.New(cfg.ToAgentConfig(), opts...)
	if err != nil {
		delivery.Close(d)
		return nil, err
	}
	rt.Agent = a

	if cfg.Flags.File != "" {
		rt.Flags = flagwatch.New(cfg.Flags.File, a,
			flagwatch.WithWatch(cfg.Flags.Watch),
			flagwatch.WithLogger(l),
		)
		a.AddService(rt.Flags)
	}

	return rt, nil
}
