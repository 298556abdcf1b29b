package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatSummary returns a short human-readable description of the event
func (e *Event) FormatSummary() string {
	var sb strings.Builder

	emoji := "⚠️"
	switch e.Severity {
	case SeverityError:
		emoji = "❌"
	case SeverityInfo:
		emoji = "ℹ️"
	}

	kind := "handled"
	if e.Unhandled {
		kind = "unhandled"
	}

	sb.WriteString(fmt.Sprintf("%s %s (%s): %s\n\n", emoji, strings.ToUpper(string(e.Severity)), kind, e.info.Class))
	sb.WriteString(e.info.Message)
	sb.WriteString("\n\n")

	if f, ok := e.TopFrame(); ok {
		sb.WriteString(fmt.Sprintf("📍 Location: %s @ %s:%d\n", f.Symbol, f.File, f.Line))
	}
	if e.ID != "" {
		sb.WriteString(fmt.Sprintf("🏷️ Event ID: %s\n", e.ID))
	}
	sb.WriteString(fmt.Sprintf("⏰ %s\n", e.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")))

	if e.Context != "" {
		sb.WriteString(fmt.Sprintf("🧭 Context: %s\n", e.Context))
	}
	if len(e.Breadcrumbs) > 0 {
		sb.WriteString(fmt.Sprintf("🍞 Breadcrumbs: %d\n", len(e.Breadcrumbs)))
	}
	if len(e.FeatureFlags) > 0 {
		names := make([]string, 0, len(e.FeatureFlags))
		for name := range e.FeatureFlags {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, len(names))
		for i, name := range names {
			if v := e.FeatureFlags[name]; v != "" {
				parts[i] = name + "=" + v
			} else {
				parts[i] = name
			}
		}
		sb.WriteString(fmt.Sprintf("🚩 Flags: %s\n", strings.Join(parts, ", ")))
	}
	if v, ok := e.GetMetadata("sampling", "repeat_count"); ok {
		sb.WriteString(fmt.Sprintf("🔁 Repeated %v times\n", v))
	}

	return sb.String()
}

// FormatJSON returns the full event as indented JSON
func (e *Event) FormatJSON() (string, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatTrail renders the breadcrumb trail, oldest first
func (e *Event) FormatTrail() string {
	var sb strings.Builder
	for i, b := range e.Breadcrumbs {
		sb.WriteString(fmt.Sprintf("%3d %s [%s] %s\n", i, b.Timestamp.UTC().Format("15:04:05.000"), b.Type, b.Message))
	}
	return sb.String()
}

// FormatStack renders the stacktrace, innermost first
func (e *Event) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.stacktrace {
		sb.WriteString(f.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
