// Package breadcrumb records a bounded trail of typed, timestamped notes
// that is attached to every captured event.
package breadcrumb

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies a breadcrumb
type Type uint8

const (
	Manual Type = iota
	Error
	Log
	Navigation
	Process
	Request
	State
	User

	numTypes
)

var typeNames = [numTypes]string{
	Manual:     "manual",
	Error:      "error",
	Log:        "log",
	Navigation: "navigation",
	Process:    "process",
	Request:    "request",
	State:      "state",
	User:       "user",
}

// Types returns every breadcrumb type in declaration order
func Types() []Type {
	out := make([]Type, 0, numTypes)
	for t := Type(0); t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is one of the declared types
func (t Type) Valid() bool {
	return t < numTypes
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// ParseType parses a type name case-insensitively
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return Manual, fmt.Errorf("unknown breadcrumb type %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid breadcrumb type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Breadcrumb is an immutable note. Metadata must be treated as read-only
// once the breadcrumb has been recorded.
type Breadcrumb struct {
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
}

// Clone returns a copy with its own metadata map
func (b Breadcrumb) Clone() Breadcrumb {
	b.Metadata = CopyMetadata(b.Metadata)
	return b
}

// CopyMetadata returns a shallow copy of md. It never panics: if the copy
// faults, an empty map is returned instead.
func CopyMetadata(md map[string]any) (out map[string]any) {
	if len(md) == 0 {
		return map[string]any{}
	}

	defer func() {
		if recover() != nil {
			out = map[string]any{}
		}
	}()

	out = make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
