// Package pipeline runs captured events through an ordered list of on-error
// callbacks that may inspect, modify or veto them before delivery.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

// OnError inspects and possibly mutates an event. Returning false vetoes it.
type OnError interface {
	OnError(ev *event.Event) bool
}

// OnErrorFunc adapts a function to OnError
type OnErrorFunc func(ev *event.Event) bool

// OnError implements OnError
func (f OnErrorFunc) OnError(ev *event.Event) bool {
	return f(ev)
}

// State is the position of an event in a pipeline run
type State int

const (
	Pending State = iota
	Running
	Vetoed
	Approved
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Vetoed:
		return "vetoed"
	case Approved:
		return "approved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed
func (s State) Terminal() bool {
	return s == Vetoed || s == Approved
}

// CanTransition reports whether s may move to next
func (s State) CanTransition(next State) bool {
	switch s {
	case Pending:
		return next == Running
	case Running:
		return next == Vetoed || next == Approved
	default:
		return false
	}
}

// Fault describes a callback that panicked
type Fault struct {
	Index int    `json:"index"`
	Panic string `json:"panic"`
}

// Result is the outcome of one pipeline run
type Result struct {
	State  State
	Ran    int
	Faults []Fault
}

// Approved reports whether the event may be delivered
func (r Result) Approved() bool {
	return r.State == Approved
}

// Recorder receives pipeline instrumentation
type Recorder interface {
	CallbackFault()
	PipelineOutcome(state string)
}

type entry struct {
	id uint64
	cb OnError
}

// Pipeline is an ordered, short-circuiting list of callbacks
type Pipeline struct {
	mu      sync.Mutex
	entries []entry
	nextID  uint64

	log *logger.Logger
	rec Recorder
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger used for callback fault diagnostics
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l.WithComponent("pipeline")
		}
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.rec = r }
}

// New creates an empty pipeline
func New(opts ...Option) *Pipeline {
	p := &Pipeline{log: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add appends cb and returns a function that removes it again
func (p *Pipeline) Add(cb OnError) (remove func()) {
	if cb == nil {
		return func() {}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.entries = append(p.entries, entry{id: id, cb: cb})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(id) })
	}
}

func (p *Pipeline) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.id == id {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered callbacks
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear removes every registered callback
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
}

func (p *Pipeline) callbacks(extra []OnError) []OnError {
	p.mu.Lock()
	out := make([]OnError, 0, len(p.entries)+len(extra))
	for _, e := range p.entries {
		out = append(out, e.cb)
	}
	p.mu.Unlock()

	for _, cb := range extra {
		if cb != nil {
			out = append(out, cb)
		}
	}
	return out
}

// Run passes ev through the registered callbacks followed by extra, stopping
// at the first veto. A callback that panics is treated as approving, and ev
// is restored to its state before that callback ran.
//
// No lock is held while callbacks run, so a callback may call Add.
func (p *Pipeline) Run(ev *event.Event, extra ...OnError) Result {
	res := Result{State: Pending}
	if ev == nil {
		res.State = Vetoed
		return res
	}

	p.advance(&res, Running)
	for i, cb := range p.callbacks(extra) {
		approved, fault := p.invoke(i, cb, ev)
		res.Ran++
		if fault != nil {
			res.Faults = append(res.Faults, *fault)
			continue
		}
		if !approved {
			p.advance(&res, Vetoed)
			break
		}
	}
	p.advance(&res, Approved)

	if p.rec != nil {
		p.rec.PipelineOutcome(res.State.String())
	}
	return res
}

func (p *Pipeline) advance(res *Result, next State) {
	if res.State.CanTransition(next) {
		res.State = next
	}
}

func (p *Pipeline) invoke(index int, cb OnError, ev *event.Event) (approved bool, fault *Fault) {
	backup := ev.Clone()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		*ev = *backup
		approved = true
		fault = &Fault{Index: index, Panic: fmt.Sprint(r)}

		p.log.Warn("on-error callback panicked",
			"callback_index", index,
			"panic", fault.Panic,
			"error_class", ev.ErrorClass(),
		)
		if p.rec != nil {
			p.rec.CallbackFault()
		}
	}()

	return cb.OnError(ev), nil
}
