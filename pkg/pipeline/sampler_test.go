package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/crashtrail/pkg/event"
)

func sampledEvent(class, msg string, ts time.Time, unhandled bool) *event.Event {
	ev := event.New(event.ErrorInfo{Class: class, Message: msg}, nil)
	ev.Timestamp = ts
	ev.Unhandled = unhandled
	return ev
}

func TestSampler_FirstOccurrenceApproved(t *testing.T) {
	s := NewSampler(DefaultSamplerConfig())
	assert.True(t, s.OnError(sampledEvent("E", "m", time.Now(), false)))
}

func TestSampler_RepeatsWithinWindowVetoed(t *testing.T) {
	s := NewSampler(SamplerConfig{Window: time.Second})
	base := time.Now()

	require.True(t, s.OnError(sampledEvent("E", "m", base, false)))
	assert.False(t, s.OnError(sampledEvent("E", "m", base.Add(500*time.Millisecond), false)))
	assert.False(t, s.OnError(sampledEvent("E", "m", base.Add(800*time.Millisecond), false)))

	// different message is a different identity
	assert.True(t, s.OnError(sampledEvent("E", "other", base.Add(900*time.Millisecond), false)))

	rec, ok := s.Record("E", "m")
	require.True(t, ok)
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, 2, s.Stats().Suppressed)
}

func TestSampler_AfterWindowAnnotatesRepeatCount(t *testing.T) {
	s := NewSampler(SamplerConfig{Window: time.Second})
	base := time.Now()

	s.OnError(sampledEvent("E", "m", base, false))
	s.OnError(sampledEvent("E", "m", base.Add(100*time.Millisecond), false))
	s.OnError(sampledEvent("E", "m", base.Add(200*time.Millisecond), false))

	ev := sampledEvent("E", "m", base.Add(2*time.Second), false)
	require.True(t, s.OnError(ev))

	v, ok := ev.GetMetadata("sampling", "repeat_count")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	rec, _ := s.Record("E", "m")
	assert.Equal(t, 1, rec.Count)
}

func TestSampler_UnhandledNeverSampled(t *testing.T) {
	s := NewSampler(SamplerConfig{Window: time.Hour})
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, s.OnError(sampledEvent("panic", "nil map", now, true)), "attempt %d", i+1)
	}
	rec, _ := s.Record("panic", "nil map")
	assert.Equal(t, 5, rec.Count)
}

func TestSampler_StatsAndClear(t *testing.T) {
	s := NewSampler(SamplerConfig{Window: time.Minute, Retention: time.Hour})
	now := time.Now()
	s.OnError(sampledEvent("A", "1", now, false))
	s.OnError(sampledEvent("A", "1", now, false))
	s.OnError(sampledEvent("B", "2", now, false))

	stats := s.Stats()
	assert.Equal(t, 2, stats.UniqueErrors)
	assert.Equal(t, 3, stats.TotalOccurrences)
	assert.Equal(t, time.Minute, stats.Window)
	assert.Equal(t, time.Hour, stats.Retention)

	s.Clear()
	assert.Zero(t, s.Stats().UniqueErrors)
	assert.Zero(t, s.Stats().Suppressed)
}

func TestSampler_ForceCleanup(t *testing.T) {
	s := NewSampler(SamplerConfig{Window: time.Minute, Retention: time.Hour})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.OnError(sampledEvent("old", "x", now.Add(-2*time.Hour), false))
	s.OnError(sampledEvent("fresh", "y", now, false))

	s.ForceCleanup()

	_, ok := s.Record("old", "x")
	assert.False(t, ok)
	_, ok = s.Record("fresh", "y")
	assert.True(t, ok)
}

func TestSampler_InPipeline(t *testing.T) {
	p := New()
	p.Add(NewSampler(SamplerConfig{Window: time.Hour}))

	now := time.Now()
	assert.Equal(t, Approved, p.Run(sampledEvent("E", "m", now, false)).State)
	assert.Equal(t, Vetoed, p.Run(sampledEvent("E", "m", now.Add(time.Second), false)).State)
}
