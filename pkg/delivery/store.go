package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/armorclaw/crashtrail/pkg/event"
)

// ErrNotFound is returned when no stored event has the requested ID
var ErrNotFound = errors.New("event not found")

// DefaultStorePath is used when StoreConfig.Path is empty
const DefaultStorePath = "/var/lib/crashtrail/events.db"

// Store persists delivered events to SQLite for local inspection. Repeats
// of an unresolved error class and message are folded into one row.
type Store struct {
	db            *sql.DB
	path          string
	mu            sync.RWMutex
	retentionDays int
	now           func() time.Time
}

// StoreConfig configures the event store
type StoreConfig struct {
	Path          string // Path to SQLite database file
	RetentionDays int    // Days to keep resolved events (0 = default 30)
}

// DefaultStoreConfig returns default configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path:          DefaultStorePath,
		RetentionDays: 30,
	}
}

// NewStore opens or creates the event store
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultStorePath
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:            db,
		path:          cfg.Path,
		retentionDays: cfg.RetentionDays,
		now:           time.Now,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates or updates the database schema. Times are unix nanoseconds.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id     TEXT PRIMARY KEY,
			error_class  TEXT NOT NULL,
			message      TEXT NOT NULL,
			severity     TEXT NOT NULL,
			unhandled    INTEGER NOT NULL DEFAULT 0,
			context      TEXT NOT NULL DEFAULT '',
			event_json   TEXT NOT NULL,
			first_seen   INTEGER NOT NULL,
			last_seen    INTEGER NOT NULL,
			occurrences  INTEGER NOT NULL DEFAULT 1,
			resolved     INTEGER NOT NULL DEFAULT 0,
			resolved_by  TEXT,
			resolved_at  INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_events_class ON events(error_class);
		CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
		CREATE INDEX IF NOT EXISTS idx_events_resolved ON events(resolved);
		CREATE INDEX IF NOT EXISTS idx_events_last_seen ON events(last_seen);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// StoredEvent is an event row read back from the store
type StoredEvent struct {
	EventID     string         `json:"event_id"`
	ErrorClass  string         `json:"error_class"`
	Message     string         `json:"message"`
	Severity    event.Severity `json:"severity"`
	Unhandled   bool           `json:"unhandled"`
	Context     string         `json:"context,omitempty"`
	Event       *event.Event   `json:"event,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Occurrences int            `json:"occurrences"`
	Resolved    bool           `json:"resolved"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Deliver implements Delivery by saving the event
func (s *Store) Deliver(ctx context.Context, ev *event.Event) (Outcome, error) {
	if err := s.Save(ctx, ev); err != nil {
		return Failed, err
	}
	return Delivered, nil
}

// Save persists an event, folding it into an unresolved row for the same
// error class and message when one exists
func (s *Store) Save(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventJSON, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	var existingID string
	queryErr := s.db.QueryRowContext(ctx,
		"SELECT event_id FROM events WHERE error_class = ? AND message = ? AND resolved = 0 ORDER BY last_seen DESC LIMIT 1",
		ev.ErrorClass(), ev.ErrorMessage(),
	).Scan(&existingID)

	if queryErr == nil && existingID != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE events SET
				event_json = ?,
				severity = ?,
				unhandled = MAX(unhandled, ?),
				last_seen = ?,
				occurrences = occurrences + 1
			WHERE event_id = ?
		`,
			string(eventJSON),
			string(ev.Severity),
			ev.Unhandled,
			ts.UnixNano(),
			existingID,
		)
		if err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		return nil
	}
	if queryErr != nil && !errors.Is(queryErr, sql.ErrNoRows) {
		return fmt.Errorf("lookup failed: %w", queryErr)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, error_class, message, severity, unhandled, context, event_json, first_seen, last_seen, occurrences)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		ev.ID,
		ev.ErrorClass(),
		ev.ErrorMessage(),
		string(ev.Severity),
		ev.Unhandled,
		ev.Context,
		string(eventJSON),
		ts.UnixNano(),
		ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// encodeEvent serializes ev. When a breadcrumb or metadata value cannot be
// encoded (NaN, a func, a chan) it is stored as its fmt.Sprint text instead
// of losing the event.
func encodeEvent(ev *event.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err == nil {
		return data, nil
	}

	c := ev.Clone()
	for i := range c.Breadcrumbs {
		c.Breadcrumbs[i].Metadata = encodableMetadata(c.Breadcrumbs[i].Metadata)
	}
	for tab, md := range c.Metadata {
		c.Metadata[tab] = encodableMetadata(md)
	}

	data, retryErr := json.Marshal(c)
	if retryErr != nil {
		return nil, err
	}
	return data, nil
}

func encodableMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

// EventQuery defines parameters for querying events
type EventQuery struct {
	EventID    string         // Exact event ID
	ErrorClass string         // Filter by error class
	Severity   event.Severity // Filter by severity
	Unhandled  *bool          // Filter by unhandled (nil = all)
	Resolved   *bool          // Filter by resolved status (nil = all)
	Since      time.Time      // Only events last seen after this time
	Until      time.Time      // Only events last seen before this time
	Limit      int            // Max results (default 20, max 1000)
	Offset     int            // Pagination offset
	OrderBy    string         // "first_seen", "last_seen", "occurrences" (default "last_seen")
	Ascending  bool           // Sort ascending (default descending)
}

// Query retrieves events matching the query parameters
func (s *Store) Query(ctx context.Context, q EventQuery) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	query := "SELECT event_id, error_class, message, severity, unhandled, context, event_json, first_seen, last_seen, occurrences, resolved, resolved_by, resolved_at FROM events WHERE 1=1"
	args := []any{}

	if q.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, q.EventID)
	}
	if q.ErrorClass != "" {
		query += " AND error_class = ?"
		args = append(args, q.ErrorClass)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(q.Severity))
	}
	if q.Unhandled != nil {
		query += " AND unhandled = ?"
		args = append(args, *q.Unhandled)
	}
	if q.Resolved != nil {
		query += " AND resolved = ?"
		args = append(args, *q.Resolved)
	}
	if !q.Since.IsZero() {
		query += " AND last_seen >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		query += " AND last_seen <= ?"
		args = append(args, q.Until.UnixNano())
	}

	orderCol := "last_seen"
	switch q.OrderBy {
	case "first_seen", "occurrences":
		orderCol = q.OrderBy
	}
	orderDir := "DESC"
	if q.Ascending {
		orderDir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderCol, orderDir)

	query += " LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var results []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var severity, eventJSON string
		var firstSeen, lastSeen int64
		var resolvedBy sql.NullString
		var resolvedAt sql.NullInt64

		err := rows.Scan(
			&se.EventID,
			&se.ErrorClass,
			&se.Message,
			&severity,
			&se.Unhandled,
			&se.Context,
			&eventJSON,
			&firstSeen,
			&lastSeen,
			&se.Occurrences,
			&se.Resolved,
			&resolvedBy,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		se.Severity = event.Severity(severity)
		se.FirstSeen = time.Unix(0, firstSeen)
		se.LastSeen = time.Unix(0, lastSeen)

		var ev event.Event
		if json.Unmarshal([]byte(eventJSON), &ev) == nil {
			se.Event = &ev
		}

		if resolvedBy.Valid {
			se.ResolvedBy = resolvedBy.String
		}
		if resolvedAt.Valid {
			at := time.Unix(0, resolvedAt.Int64)
			se.ResolvedAt = &at
		}

		results = append(results, se)
	}

	return results, rows.Err()
}

// Get retrieves a single event by ID
func (s *Store) Get(ctx context.Context, eventID string) (*StoredEvent, error) {
	results, err := s.Query(ctx, EventQuery{EventID: eventID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return &results[0], nil
}

// Resolve marks an event as resolved
func (s *Store) Resolve(ctx context.Context, eventID, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			resolved = 1,
			resolved_by = ?,
			resolved_at = ?
		WHERE event_id = ?
	`, resolvedBy, s.now().UnixNano(), eventID)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	return expectRow(result, eventID)
}

// Unresolve reopens an event
func (s *Store) Unresolve(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			resolved = 0,
			resolved_by = NULL,
			resolved_at = NULL
		WHERE event_id = ?
	`, eventID)
	if err != nil {
		return fmt.Errorf("unresolve failed: %w", err)
	}
	return expectRow(result, eventID)
}

// Delete removes an event permanently
func (s *Store) Delete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE event_id = ?", eventID)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return expectRow(result, eventID)
}

func expectRow(result sql.Result, eventID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return nil
}

// Cleanup removes resolved events older than the retention period
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE resolved = 1 AND resolved_at < ?",
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected()
}

// StoreStats holds statistics about the event store
type StoreStats struct {
	TotalEvents      int                    `json:"total_events"`
	UnresolvedEvents int                    `json:"unresolved_events"`
	UnhandledEvents  int                    `json:"unhandled_events"`
	TotalOccurrences int                    `json:"total_occurrences"`
	UniqueClasses    int                    `json:"unique_classes"`
	BySeverity       map[event.Severity]int `json:"by_severity"`
	ByClass          map[string]int         `json:"by_class"`
}

// Stats returns statistics about stored events
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN unhandled = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(occurrences), 0),
			COUNT(DISTINCT error_class)
		FROM events
	`).Scan(
		&stats.TotalEvents,
		&stats.UnresolvedEvents,
		&stats.UnhandledEvents,
		&stats.TotalOccurrences,
		&stats.UniqueClasses,
	)
	if err != nil {
		return stats, err
	}

	stats.BySeverity = make(map[event.Severity]int)
	if err := s.groupCount(ctx, "severity", func(key string, n int) {
		stats.BySeverity[event.Severity(key)] = n
	}); err != nil {
		return stats, err
	}

	stats.ByClass = make(map[string]int)
	if err := s.groupCount(ctx, "error_class", func(key string, n int) {
		stats.ByClass[key] = n
	}); err != nil {
		return stats, err
	}

	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, column string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM events GROUP BY %s", column, column),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		fn(key, count)
	}
	return rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}
