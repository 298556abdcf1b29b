package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/stackframe"
)

// Placement controls where the error breadcrumb lands relative to the
// trail snapshot of the event that produced it.
type Placement int

const (
	// ErrorBreadcrumbAppended snapshots the trail and then appends the error
	// breadcrumb to it, so the event carries up to capacity+1 breadcrumbs
	ErrorBreadcrumbAppended Placement = iota
	// ErrorBreadcrumbBeforeSnapshot records the error breadcrumb first; the
	// trail ends with it and stays within the ledger capacity
	ErrorBreadcrumbBeforeSnapshot
	// ErrorBreadcrumbAfterSnapshot snapshots first; the error breadcrumb only
	// shows up in later events
	ErrorBreadcrumbAfterSnapshot
)

var placementNames = map[Placement]string{
	ErrorBreadcrumbAppended:       "appended",
	ErrorBreadcrumbBeforeSnapshot: "before_snapshot",
	ErrorBreadcrumbAfterSnapshot:  "after_snapshot",
}

// ParsePlacement maps a config value to a Placement
func ParsePlacement(s string) (Placement, error) {
	if s == "" {
		return ErrorBreadcrumbAppended, nil
	}
	for p, name := range placementNames {
		if name == s {
			return p, nil
		}
	}
	return ErrorBreadcrumbAppended, fmt.Errorf("unknown error breadcrumb placement %q", s)
}

// Valid reports whether p is a known placement
func (p Placement) Valid() bool {
	_, ok := placementNames[p]
	return ok
}

func (p Placement) String() string {
	if name, ok := placementNames[p]; ok {
		return name
	}
	return fmt.Sprintf("placement(%d)", int(p))
}

// FrameResolver turns addresses into frames
type FrameResolver interface {
	Resolve(addrs []uintptr) []stackframe.Frame
}

// Trail is the breadcrumb source an event is built from
type Trail interface {
	Add(b breadcrumb.Breadcrumb)
	Snapshot() []breadcrumb.Breadcrumb
}

// FlagSource supplies the active feature flags
type FlagSource interface {
	Snapshot() map[string]string
}

// BuilderConfig wires the collaborators of a Builder. Any of them may be nil.
type BuilderConfig struct {
	Resolver  FrameResolver
	Trail     Trail
	Flags     FlagSource
	Placement Placement
	Clock     func() time.Time
	NewID     func() string
}

// Builder assembles events
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a builder
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Builder{cfg: cfg}
}

type buildOptions struct {
	severity  Severity
	unhandled bool
	context   string
	user      User
	metadata  map[string]map[string]any
	frames    func([]stackframe.Frame) []stackframe.Frame
}

// BuildOption customizes a single Build call
type BuildOption func(*buildOptions)

// WithSeverity sets the event severity
func WithSeverity(s Severity) BuildOption {
	return func(o *buildOptions) { o.severity = s }
}

// WithUnhandled marks the event as coming from a recovered panic
func WithUnhandled(unhandled bool) BuildOption {
	return func(o *buildOptions) { o.unhandled = unhandled }
}

// WithContext sets the event context
func WithContext(ctx string) BuildOption {
	return func(o *buildOptions) { o.context = ctx }
}

// WithUser sets the affected user
func WithUser(u User) BuildOption {
	return func(o *buildOptions) { o.user = u }
}

// WithMetadata seeds the event's metadata tabs. The tabs are copied.
func WithMetadata(tabs map[string]map[string]any) BuildOption {
	return func(o *buildOptions) { o.metadata = tabs }
}

// WithFrameFilter transforms the resolved frames before they are frozen
func WithFrameFilter(fn func([]stackframe.Frame) []stackframe.Frame) BuildOption {
	return func(o *buildOptions) { o.frames = fn }
}

// Build assembles an event for info captured at addrs. It never fails;
// missing or faulting collaborators leave the matching part empty.
func (b *Builder) Build(info ErrorInfo, addrs []uintptr, opts ...BuildOption) *Event {
	o := buildOptions{severity: SeverityError}
	for _, opt := range opts {
		opt(&o)
	}

	frames := b.resolve(addrs)
	if o.frames != nil && len(frames) > 0 {
		frames = o.frames(frames)
	}

	now := b.cfg.Clock()
	errCrumb := errorBreadcrumb(info, o, now)

	var crumbs []breadcrumb.Breadcrumb
	switch b.cfg.Placement {
	case ErrorBreadcrumbBeforeSnapshot:
		b.record(errCrumb)
		crumbs = b.snapshot()
	case ErrorBreadcrumbAfterSnapshot:
		crumbs = b.snapshot()
		b.record(errCrumb)
	default:
		crumbs = b.snapshot()
		b.record(errCrumb)
		crumbs = append(crumbs, errCrumb.Clone())
	}

	ev := &Event{
		ID:           b.cfg.NewID(),
		Timestamp:    now,
		Severity:     o.severity,
		Unhandled:    o.unhandled,
		Context:      o.context,
		User:         o.user,
		Breadcrumbs:  crumbs,
		FeatureFlags: b.flags(),
		Metadata:     cloneTabs(o.metadata),
		info:         info,
		stacktrace:   frames,
	}
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]map[string]any)
	}
	return ev
}

func (b *Builder) resolve(addrs []uintptr) (frames []stackframe.Frame) {
	if b.cfg.Resolver == nil || len(addrs) == 0 {
		return nil
	}
	defer func() {
		if recover() != nil {
			frames = nil
		}
	}()
	return b.cfg.Resolver.Resolve(addrs)
}

func errorBreadcrumb(info ErrorInfo, o buildOptions, now time.Time) breadcrumb.Breadcrumb {
	return breadcrumb.Breadcrumb{
		Message: info.Class,
		Metadata: map[string]any{
			"errorClass": info.Class,
			"message":    info.Message,
			"severity":   string(o.severity),
			"unhandled":  o.unhandled,
		},
		Type:      breadcrumb.Error,
		Timestamp: now,
	}
}

func (b *Builder) record(crumb breadcrumb.Breadcrumb) {
	if b.cfg.Trail == nil {
		return
	}
	defer func() { _ = recover() }()
	b.cfg.Trail.Add(crumb)
}

func (b *Builder) snapshot() (out []breadcrumb.Breadcrumb) {
	if b.cfg.Trail == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()

	crumbs := b.cfg.Trail.Snapshot()
	for i := range crumbs {
		crumbs[i] = crumbs[i].Clone()
	}
	return crumbs
}

func (b *Builder) flags() (out map[string]string) {
	out = make(map[string]string)
	if b.cfg.Flags == nil {
		return out
	}
	defer func() {
		if recover() != nil {
			out = make(map[string]string)
		}
	}()
	if snap := b.cfg.Flags.Snapshot(); snap != nil {
		out = snap
	}
	return out
}
