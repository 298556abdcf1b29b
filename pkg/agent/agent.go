// Package agent ties the breadcrumb ledger, the feature flag store, the
// on-error pipeline and a delivery collaborator into one notifier that an
// application creates at startup and stops at exit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/armorclaw/crashtrail/internal/metrics"
	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/featureflag"
	"github.com/armorclaw/crashtrail/pkg/logger"
	"github.com/armorclaw/crashtrail/pkg/pipeline"
	"github.com/armorclaw/crashtrail/pkg/stackframe"
)

// ErrInvalidConfig is returned by New for unusable settings
var ErrInvalidConfig = errors.New("invalid agent configuration")

// Config holds agent settings
type Config struct {
	// MaxBreadcrumbs is the ledger capacity (0 = breadcrumb.DefaultCapacity)
	MaxBreadcrumbs int

	// ErrorBreadcrumb places the error breadcrumb relative to the snapshot
	ErrorBreadcrumb event.Placement

	// MaxStackDepth bounds walked stacks (0 = stackframe.DefaultMaxDepth)
	MaxStackDepth int

	// RepanicOnRecover makes Recover panic again after capturing
	RepanicOnRecover bool

	// Context is the initial event context
	Context string

	// UserID identifies this install; a random one is generated when empty
	UserID string

	// TrimPathPrefix is removed from source file paths in frames
	TrimPathPrefix string

	// Sampling enables the repeat sampler when non-nil
	Sampling *pipeline.SamplerConfig

	// FeatureFlags are set at construction
	FeatureFlags []featureflag.Flag
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxBreadcrumbs:  breadcrumb.DefaultCapacity,
		ErrorBreadcrumb: event.ErrorBreadcrumbAppended,
		MaxStackDepth:   stackframe.DefaultMaxDepth,
	}
}

// Service is a background component whose lifetime follows the agent
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// Option configures an Agent
type Option func(*Agent)

// WithDelivery sets where approved events go. The default is delivery.Discard.
func WithDelivery(d delivery.Delivery) Option {
	return func(a *Agent) {
		if d != nil {
			a.delivery = d
		}
	}
}

// WithWalker replaces the stack walker
func WithWalker(w stackframe.Walker) Option {
	return func(a *Agent) {
		if w != nil {
			a.walker = w
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithClock replaces the time source for breadcrumbs and events
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.clock = now
		}
	}
}

// WithService ties a background service to Start and Stop
func WithService(s Service) Option {
	return func(a *Agent) { a.AddService(s) }
}

// Agent captures errors and panics as events
type Agent struct {
	cfg Config

	ledger   *breadcrumb.Ledger
	flags    *featureflag.Store
	pipeline *pipeline.Pipeline
	sampler  *pipeline.Sampler
	builder  *event.Builder
	walker   stackframe.Walker
	delivery delivery.Delivery

	log     *logger.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu       sync.RWMutex
	user     event.User
	context  string
	metadata map[string]map[string]any
	services []Service

	started  bool
	stopOnce sync.Once
}

// New creates an agent
func New(cfg Config, opts ...Option) (*Agent, error) {
	if cfg.MaxBreadcrumbs < 0 {
		return nil, fmt.Errorf("%w: max breadcrumbs cannot be negative", ErrInvalidConfig)
	}
	if cfg.MaxStackDepth < 0 {
		return nil, fmt.Errorf("%w: max stack depth cannot be negative", ErrInvalidConfig)
	}
	if !cfg.ErrorBreadcrumb.Valid() {
		return nil, fmt.Errorf("%w: unknown error breadcrumb placement %s", ErrInvalidConfig, cfg.ErrorBreadcrumb)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}

	a := &Agent{
		cfg:      cfg,
		walker:   stackframe.CallerWalker{MaxDepth: cfg.MaxStackDepth},
		delivery: delivery.Discard,
		log:      logger.Global(),
		clock:    time.Now,
		user:     event.User{ID: cfg.UserID},
		context:  cfg.Context,
		metadata: make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("agent")

	a.ledger = breadcrumb.NewLedger(cfg.MaxBreadcrumbs)
	a.ledger.SetClock(a.clock)
	if a.metrics != nil {
		a.ledger.SetObserver(a.metrics.BreadcrumbRecorded)
	}

	a.flags = featureflag.NewStore()
	a.flags.SetMany(cfg.FeatureFlags...)
	a.metrics.SetActiveFlags(a.flags.Len())

	popts := []pipeline.Option{pipeline.WithLogger(a.log)}
	if a.metrics != nil {
		popts = append(popts, pipeline.WithRecorder(a.metrics))
	}
	a.pipeline = pipeline.New(popts...)
	if cfg.Sampling != nil {
		a.sampler = pipeline.NewSampler(*cfg.Sampling)
		a.pipeline.Add(a.sampler)
	}

	a.builder = event.NewBuilder(event.BuilderConfig{
		Resolver:  &stackframe.Resolver{TrimPrefix: cfg.TrimPathPrefix},
		Trail:     a.ledger,
		Flags:     a.flags,
		Placement: cfg.ErrorBreadcrumb,
		Clock:     a.clock,
	})

	return a, nil
}

// Start starts the attached services
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	services := append([]Service(nil), a.services...)
	a.started = true
	a.mu.Unlock()

	for _, s := range services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
	}

	a.log.Info("agent started",
		"max_breadcrumbs", a.ledger.Cap(),
		"error_breadcrumb", a.cfg.ErrorBreadcrumb.String(),
		"sampling", a.sampler != nil,
		"services", len(services),
	)
	return nil
}

// Stop stops the attached services and closes the delivery. It is safe to
// call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		services := a.services
		started := a.started
		a.mu.Unlock()

		if started {
			for i := len(services) - 1; i >= 0; i-- {
				services[i].Stop()
			}
		}
		if err := delivery.Close(a.delivery); err != nil {
			a.log.ErrorEvent(context.Background(), "failed to close delivery", err)
		}
		a.log.Info("agent stopped")
	})
}

// AddService attaches a background service. Services added after Start are
// not started automatically.
func (a *Agent) AddService(s Service) {
	if s == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services = append(a.services, s)
}

// LeaveBreadcrumb records a breadcrumb. It never blocks and never fails.
func (a *Agent) LeaveBreadcrumb(message string, metadata map[string]any, typ breadcrumb.Type) {
	a.ledger.Record(message, metadata, typ)
}

// Breadcrumbs returns a snapshot of the trail, oldest first
func (a *Agent) Breadcrumbs() []breadcrumb.Breadcrumb {
	return a.ledger.Snapshot()
}

// ClearBreadcrumbs empties the trail
func (a *Agent) ClearBreadcrumbs() {
	a.ledger.Clear()
}

// AddFeatureFlag sets a flag on all later events
func (a *Agent) AddFeatureFlag(name, variant string) {
	a.flags.Set(name, variant)
	a.metrics.SetActiveFlags(a.flags.Len())
}

// AddFeatureFlags sets several flags
func (a *Agent) AddFeatureFlags(flags ...featureflag.Flag) {
	a.flags.SetMany(flags...)
	a.metrics.SetActiveFlags(a.flags.Len())
}

// ClearFeatureFlag removes a flag
func (a *Agent) ClearFeatureFlag(name string) {
	a.flags.Clear(name)
	a.metrics.SetActiveFlags(a.flags.Len())
}

// ClearFeatureFlags removes every flag
func (a *Agent) ClearFeatureFlags() {
	a.flags.ClearAll()
	a.metrics.SetActiveFlags(0)
}

// FeatureFlags returns the active flags sorted by name
func (a *Agent) FeatureFlags() []featureflag.Flag {
	return a.flags.Flags()
}

// AddOnError registers a callback for every event and returns a function
// that removes it
func (a *Agent) AddOnError(cb pipeline.OnError) (remove func()) {
	return a.pipeline.Add(cb)
}

// Sampler returns the repeat sampler, or nil when sampling is off
func (a *Agent) Sampler() *pipeline.Sampler {
	return a.sampler
}

// SetUser sets the user attached to later events
func (a *Agent) SetUser(u event.User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = u
}

// User returns the current user
func (a *Agent) User() event.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

// SetContext sets the context attached to later events
func (a *Agent) SetContext(c string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.context = c
}

// AddMetadata sets key in tab for later events
func (a *Agent) AddMetadata(tab, key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.metadata[tab]
	if !ok {
		t = make(map[string]any)
		a.metadata[tab] = t
	}
	t[key] = value
}

// ClearMetadata removes a metadata tab
func (a *Agent) ClearMetadata(tab string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.metadata, tab)
}
