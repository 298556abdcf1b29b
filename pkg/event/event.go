// Package event defines the captured error report and the builder that
// assembles it from the stack, the breadcrumb trail and the active flags.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/stackframe"
)

// Severity levels for events
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity parses a severity name, defaulting to error
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s)
	default:
		return SeverityError
	}
}

// ErrorInfo identifies the error that triggered an event
type ErrorInfo struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// InfoFromError derives ErrorInfo from err. The class is the dynamic type
// of the innermost wrapped cause.
func InfoFromError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Class: "error", Message: "<nil>"}
	}

	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}

	return ErrorInfo{
		Class:   reflect.TypeOf(cause).String(),
		Message: err.Error(),
	}
}

// InfoFromPanic derives ErrorInfo from a value passed to panic
func InfoFromPanic(v any) ErrorInfo {
	if err, ok := v.(error); ok {
		return InfoFromError(err)
	}
	return ErrorInfo{Class: "panic", Message: fmt.Sprint(v)}
}

// Callerser is implemented by errors that carry the addresses of the stack
// on which they were created.
type Callerser interface {
	Callers() []uintptr
}

// CallersOf returns the addresses recorded by err or any error it wraps
func CallersOf(err error) []uintptr {
	var c Callerser
	if errors.As(err, &c) {
		return c.Callers()
	}
	return nil
}

// User identifies the person affected by an event
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Event is a captured error report. The error identity and stacktrace are
// frozen at build time; everything else may be changed by on-error callbacks.
type Event struct {
	ID           string
	Timestamp    time.Time
	Severity     Severity
	Unhandled    bool
	Context      string
	User         User
	Breadcrumbs  []breadcrumb.Breadcrumb
	FeatureFlags map[string]string
	Metadata     map[string]map[string]any

	info       ErrorInfo
	stacktrace []stackframe.Frame
}

// New creates an event for info with the given frames
func New(info ErrorInfo, frames []stackframe.Frame) *Event {
	return &Event{
		Timestamp:    time.Now(),
		Severity:     SeverityError,
		FeatureFlags: make(map[string]string),
		Metadata:     make(map[string]map[string]any),
		info:         info,
		stacktrace:   frames,
	}
}

// Error returns the frozen error identity
func (e *Event) Error() ErrorInfo {
	return e.info
}

// ErrorClass returns the class of the triggering error
func (e *Event) ErrorClass() string {
	return e.info.Class
}

// ErrorMessage returns the message of the triggering error
func (e *Event) ErrorMessage() string {
	return e.info.Message
}

// Stacktrace returns a copy of the frozen frames, innermost first
func (e *Event) Stacktrace() []stackframe.Frame {
	if len(e.stacktrace) == 0 {
		return nil
	}
	out := make([]stackframe.Frame, len(e.stacktrace))
	copy(out, e.stacktrace)
	return out
}

// TopFrame returns the innermost resolved frame
func (e *Event) TopFrame() (stackframe.Frame, bool) {
	for _, f := range e.stacktrace {
		if f.Resolved() {
			return f, true
		}
	}
	return stackframe.Frame{}, false
}

// AddMetadata sets key in tab
func (e *Event) AddMetadata(tab, key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]map[string]any)
	}
	t, ok := e.Metadata[tab]
	if !ok {
		t = make(map[string]any)
		e.Metadata[tab] = t
	}
	t[key] = value
}

// GetMetadata returns key from tab
func (e *Event) GetMetadata(tab, key string) (any, bool) {
	t, ok := e.Metadata[tab]
	if !ok {
		return nil, false
	}
	v, ok := t[key]
	return v, ok
}

// ClearMetadata removes a whole tab, or a single key when key is non-empty
func (e *Event) ClearMetadata(tab, key string) {
	if key == "" {
		delete(e.Metadata, tab)
		return
	}
	if t, ok := e.Metadata[tab]; ok {
		delete(t, key)
	}
}

// AddFeatureFlag sets a flag on this event only
func (e *Event) AddFeatureFlag(name, variant string) {
	if name == "" {
		return
	}
	if e.FeatureFlags == nil {
		e.FeatureFlags = make(map[string]string)
	}
	e.FeatureFlags[name] = variant
}

// ClearFeatureFlag removes a flag from this event only
func (e *Event) ClearFeatureFlag(name string) {
	delete(e.FeatureFlags, name)
}

// Clone returns a deep copy of the mutable parts of the event. The frozen
// stacktrace is shared since it is never written.
func (e *Event) Clone() *Event {
	c := *e

	if e.Breadcrumbs != nil {
		c.Breadcrumbs = make([]breadcrumb.Breadcrumb, len(e.Breadcrumbs))
		for i, b := range e.Breadcrumbs {
			c.Breadcrumbs[i] = b.Clone()
		}
	}

	if e.FeatureFlags != nil {
		c.FeatureFlags = make(map[string]string, len(e.FeatureFlags))
		for k, v := range e.FeatureFlags {
			c.FeatureFlags[k] = v
		}
	}

	c.Metadata = cloneTabs(e.Metadata)
	return &c
}

func cloneTabs(tabs map[string]map[string]any) map[string]map[string]any {
	if tabs == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(tabs))
	for name, tab := range tabs {
		out[name] = breadcrumb.CopyMetadata(tab)
	}
	return out
}

type eventJSON struct {
	ID           string                    `json:"id"`
	Timestamp    time.Time                 `json:"timestamp"`
	Severity     Severity                  `json:"severity"`
	Unhandled    bool                      `json:"unhandled"`
	Context      string                    `json:"context,omitempty"`
	User         *User                     `json:"user,omitempty"`
	Error        ErrorInfo                 `json:"error"`
	Stacktrace   []stackframe.Frame        `json:"stacktrace,omitempty"`
	Breadcrumbs  []breadcrumb.Breadcrumb   `json:"breadcrumbs,omitempty"`
	FeatureFlags map[string]string         `json:"feature_flags,omitempty"`
	Metadata     map[string]map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e *Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		Severity:     e.Severity,
		Unhandled:    e.Unhandled,
		Context:      e.Context,
		Error:        e.info,
		Stacktrace:   e.stacktrace,
		Breadcrumbs:  e.Breadcrumbs,
		FeatureFlags: e.FeatureFlags,
		Metadata:     e.Metadata,
	}
	if e.User != (User{}) {
		u := e.User
		out.User = &u
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*e = Event{
		ID:           in.ID,
		Timestamp:    in.Timestamp,
		Severity:     in.Severity,
		Unhandled:    in.Unhandled,
		Context:      in.Context,
		Breadcrumbs:  in.Breadcrumbs,
		FeatureFlags: in.FeatureFlags,
		Metadata:     in.Metadata,
		info:         in.Error,
		stacktrace:   in.Stacktrace,
	}
	if in.User != nil {
		e.User = *in.User
	}
	return nil
}
