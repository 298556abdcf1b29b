package delivery

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), "events.db")})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(id, class, msg string, ts time.Time) *event.Event {
	ev := event.New(event.ErrorInfo{Class: class, Message: msg}, nil)
	ev.ID = id
	ev.Timestamp = ts
	ev.Breadcrumbs = []breadcrumb.Breadcrumb{{Message: "boot", Type: breadcrumb.State, Timestamp: ts}}
	return ev
}

func TestNewStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")

	store, err := NewStore(StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestStore_DeliverAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("evt-1", "*fs.PathError", "open x", time.Now())
	ev.Unhandled = true
	ev.Context = "startup"

	outcome, err := store.Deliver(ctx, ev)
	if err != nil || outcome != Delivered {
		t.Fatalf("Deliver() = %v, %v", outcome, err)
	}

	got, err := store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ErrorClass != "*fs.PathError" || got.Message != "open x" {
		t.Errorf("stored identity = %s / %s", got.ErrorClass, got.Message)
	}
	if !got.Unhandled || got.Context != "startup" || got.Occurrences != 1 {
		t.Errorf("stored row = %+v", got)
	}
	if got.Event == nil || len(got.Event.Breadcrumbs) != 1 || got.Event.Breadcrumbs[0].Type != breadcrumb.State {
		t.Errorf("stored event = %+v", got.Event)
	}
}

func TestStore_DeliverUnencodableMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("evt-nan", "E", "bad metadata", time.Now())
	ev.Breadcrumbs = append(ev.Breadcrumbs, breadcrumb.Breadcrumb{
		Message:  "ratio computed",
		Type:     breadcrumb.Process,
		Metadata: map[string]any{"ratio": math.NaN(), "rows": 3},
	})
	ev.AddMetadata("request", "handler", func() {})
	ev.AddMetadata("request", "path", "/checkout")

	outcome, err := store.Deliver(ctx, ev)
	if err != nil || outcome != Delivered {
		t.Fatalf("Deliver() = %v, %v", outcome, err)
	}

	got, err := store.Get(ctx, "evt-nan")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Event == nil || len(got.Event.Breadcrumbs) != 2 {
		t.Fatalf("stored event = %+v", got.Event)
	}
	md := got.Event.Breadcrumbs[1].Metadata
	if md["ratio"] != "NaN" || md["rows"] != float64(3) {
		t.Errorf("breadcrumb metadata = %v", md)
	}
	tab := got.Event.Metadata["request"]
	if s, ok := tab["handler"].(string); !ok || s == "" {
		t.Errorf("handler = %#v, want its text form", tab["handler"])
	}
	if tab["path"] != "/checkout" {
		t.Errorf("path = %v", tab["path"])
	}

	if _, ok := ev.Breadcrumbs[1].Metadata["ratio"].(float64); !ok {
		t.Error("delivered event was modified")
	}
}

func TestStore_GetFiltersByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Save(ctx, testEvent("a", "A", "1", now))
	store.Save(ctx, testEvent("b", "B", "2", now.Add(time.Second)))

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EventID != "a" {
		t.Errorf("Get(a) returned %s", got.EventID)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FoldsRepeats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Save(ctx, testEvent("first", "E", "m", now))
	store.Save(ctx, testEvent("second", "E", "m", now.Add(time.Minute)))

	results, err := store.Query(ctx, EventQuery{ErrorClass: "E"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Query() returned %d rows, want 1", len(results))
	}
	if results[0].EventID != "first" || results[0].Occurrences != 2 {
		t.Errorf("row = %s x%d", results[0].EventID, results[0].Occurrences)
	}
	if !results[0].LastSeen.After(results[0].FirstSeen) {
		t.Errorf("LastSeen %v not after FirstSeen %v", results[0].LastSeen, results[0].FirstSeen)
	}
	if results[0].Event.ID != "second" {
		t.Errorf("latest event JSON should win, got %s", results[0].Event.ID)
	}
}

func TestStore_ResolvedRowsAreNotFolded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Save(ctx, testEvent("first", "E", "m", now))
	if err := store.Resolve(ctx, "first", "oncall"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	store.Save(ctx, testEvent("again", "E", "m", now.Add(time.Minute)))

	resolved := true
	results, _ := store.Query(ctx, EventQuery{Resolved: &resolved})
	if len(results) != 1 || results[0].ResolvedBy != "oncall" || results[0].ResolvedAt == nil {
		t.Errorf("resolved rows = %+v", results)
	}

	open := false
	results, _ = store.Query(ctx, EventQuery{Resolved: &open})
	if len(results) != 1 || results[0].EventID != "again" {
		t.Errorf("unresolved rows = %+v", results)
	}

	if err := store.Unresolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unresolve(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Resolve(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v", err)
	}

	if err := store.Unresolve(ctx, "first"); err != nil {
		t.Fatalf("Unresolve() error = %v", err)
	}
	got, _ := store.Get(ctx, "first")
	if got.Resolved || got.ResolvedAt != nil {
		t.Errorf("after Unresolve() row = %+v", got)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, tc := range []struct {
		id, class string
		sev       event.Severity
		unhandled bool
	}{
		{"e1", "A", event.SeverityError, false},
		{"e2", "B", event.SeverityWarning, false},
		{"e3", "C", event.SeverityError, true},
	} {
		ev := testEvent(tc.id, tc.class, tc.id, base.Add(time.Duration(i)*time.Minute))
		ev.Severity = tc.sev
		ev.Unhandled = tc.unhandled
		if err := store.Save(ctx, ev); err != nil {
			t.Fatalf("Save(%s) error = %v", tc.id, err)
		}
	}

	yes := true
	tests := []struct {
		name  string
		query EventQuery
		want  []string
	}{
		{"all newest first", EventQuery{}, []string{"e3", "e2", "e1"}},
		{"ascending", EventQuery{Ascending: true}, []string{"e1", "e2", "e3"}},
		{"by severity", EventQuery{Severity: event.SeverityError}, []string{"e3", "e1"}},
		{"unhandled only", EventQuery{Unhandled: &yes}, []string{"e3"}},
		{"since", EventQuery{Since: base.Add(30 * time.Second)}, []string{"e3", "e2"}},
		{"until", EventQuery{Until: base.Add(30 * time.Second)}, []string{"e1"}},
		{"limit and offset", EventQuery{Limit: 1, Offset: 1}, []string{"e2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			var got []string
			for _, r := range results {
				got = append(got, r.EventID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Query() = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Save(ctx, testEvent("old", "A", "1", now))
	store.Save(ctx, testEvent("recent", "B", "2", now))
	store.Save(ctx, testEvent("open", "C", "3", now))

	store.now = func() time.Time { return now.AddDate(0, 0, -40) }
	store.Resolve(ctx, "old", "bot")
	store.now = func() time.Time { return now }
	store.Resolve(ctx, "recent", "bot")

	removed, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("old resolved event should be gone")
	}
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Save(ctx, testEvent("a", "A", "1", now))
	store.Save(ctx, testEvent("a2", "A", "1", now))
	warn := testEvent("b", "B", "2", now)
	warn.Severity = event.SeverityWarning
	warn.Unhandled = true
	store.Save(ctx, warn)
	store.Resolve(ctx, "b", "me")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEvents != 2 || stats.UnresolvedEvents != 1 || stats.UnhandledEvents != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalOccurrences != 3 || stats.UniqueClasses != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BySeverity[event.SeverityWarning] != 1 || stats.ByClass["A"] != 1 {
		t.Errorf("groupings = %v / %v", stats.BySeverity, stats.ByClass)
	}

	store.Delete(ctx, "a")
	stats, _ = store.Stats(ctx)
	if stats.TotalEvents != 1 {
		t.Errorf("after Delete() TotalEvents = %d", stats.TotalEvents)
	}
}
