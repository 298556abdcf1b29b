package pipeline

import (
	"sync"
	"time"

	"github.com/armorclaw/crashtrail/pkg/event"
)

// SampleRecord tracks occurrences of one error identity
type SampleRecord struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
	EventID   string    `json:"event_id"`
}

// SamplerConfig configures a Sampler
type SamplerConfig struct {
	Window    time.Duration // repeats inside the window are vetoed (default 5m)
	Retention time.Duration // idle records are dropped after this (default 24h)
}

// DefaultSamplerConfig returns default configuration
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Window:    5 * time.Minute,
		Retention: 24 * time.Hour,
	}
}

// Sampler is an on-error callback that suppresses repeats of the same
// error class and message. Unhandled events always pass.
type Sampler struct {
	mu          sync.Mutex
	seen        map[string]*SampleRecord
	window      time.Duration
	retention   time.Duration
	lastCleanup time.Time
	suppressed  int
	now         func() time.Time
}

// NewSampler creates a sampler
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	return &Sampler{
		seen:        make(map[string]*SampleRecord),
		window:      cfg.Window,
		retention:   cfg.Retention,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func sampleKey(ev *event.Event) string {
	return ev.ErrorClass() + "\x00" + ev.ErrorMessage()
}

// OnError implements OnError:
// - unhandled: always approve, still counted
// - first occurrence: approve
// - repeat within window: veto, just count
// - repeat after window: approve with the accumulated count attached
func (s *Sampler) OnError(ev *event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanup()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	key := sampleKey(ev)
	record, exists := s.seen[key]

	if !exists {
		s.seen[key] = &SampleRecord{
			FirstSeen: ts,
			LastSeen:  ts,
			Count:     1,
			EventID:   ev.ID,
		}
		return true
	}

	if ev.Unhandled {
		record.Count++
		record.LastSeen = ts
		record.EventID = ev.ID
		return true
	}

	if ts.Sub(record.LastSeen) < s.window {
		record.Count++
		record.LastSeen = ts
		s.suppressed++
		return false
	}

	ev.AddMetadata("sampling", "repeat_count", record.Count)
	record.LastSeen = ts
	record.Count = 1
	record.EventID = ev.ID
	return true
}

// Record returns a copy of the record for an error identity
func (s *Sampler) Record(class, message string) (SampleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.seen[class+"\x00"+message]
	if !ok {
		return SampleRecord{}, false
	}
	return *record, true
}

// Clear removes all records
func (s *Sampler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = make(map[string]*SampleRecord)
	s.suppressed = 0
}

// SamplerStats holds sampler statistics
type SamplerStats struct {
	UniqueErrors     int           `json:"unique_errors"`
	TotalOccurrences int           `json:"total_occurrences"`
	Suppressed       int           `json:"suppressed"`
	Window           time.Duration `json:"window"`
	Retention        time.Duration `json:"retention"`
}

// Stats returns statistics about the sampler
func (s *Sampler) Stats() SamplerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	for _, record := range s.seen {
		total += record.Count
	}

	return SamplerStats{
		UniqueErrors:     len(s.seen),
		TotalOccurrences: total,
		Suppressed:       s.suppressed,
		Window:           s.window,
		Retention:        s.retention,
	}
}

// maybeCleanup drops idle records at most once an hour
func (s *Sampler) maybeCleanup() {
	now := s.now()
	if now.Sub(s.lastCleanup) < time.Hour {
		return
	}
	s.cleanup(now)
}

// ForceCleanup drops idle records immediately
func (s *Sampler) ForceCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup(s.now())
}

func (s *Sampler) cleanup(now time.Time) {
	s.lastCleanup = now
	for key, record := range s.seen {
		if now.Sub(record.LastSeen) > s.retention {
			delete(s.seen, key)
		}
	}
}
