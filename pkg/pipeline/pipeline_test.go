package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

type fakeRecorder struct {
	mu       sync.Mutex
	faults   int
	outcomes []string
}

func (r *fakeRecorder) CallbackFault() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults++
}

func (r *fakeRecorder) PipelineOutcome(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, state)
}

func newEvent() *event.Event {
	ev := event.New(event.ErrorInfo{Class: "*errors.errorString", Message: "boom"}, nil)
	ev.Breadcrumbs = []breadcrumb.Breadcrumb{{Message: "start", Metadata: map[string]any{"k": "v"}}}
	return ev
}

// counting returns a callback that records its invocation and returns result
func counting(calls *[]int, id int, result bool) OnError {
	return OnErrorFunc(func(*event.Event) bool {
		*calls = append(*calls, id)
		return result
	})
}

func TestPipeline_ShortCircuit(t *testing.T) {
	tests := []struct {
		name      string
		results   []bool
		wantState State
		wantCalls []int
	}{
		{
			name:      "veto stops the run",
			results:   []bool{true, false, true},
			wantState: Vetoed,
			wantCalls: []int{0, 1},
		},
		{
			name:      "all approve",
			results:   []bool{true, true},
			wantState: Approved,
			wantCalls: []int{0, 1},
		},
		{
			name:      "no callbacks",
			results:   nil,
			wantState: Approved,
			wantCalls: []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			calls := []int{}
			for i, r := range tt.results {
				p.Add(counting(&calls, i, r))
			}

			res := p.Run(newEvent())
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, len(tt.wantCalls), res.Ran)
			assert.Equal(t, tt.wantState == Approved, res.Approved())
		})
	}
}

func TestPipeline_ExtraCallbacksRunLast(t *testing.T) {
	p := New()
	calls := []int{}
	p.Add(counting(&calls, 0, true))

	res := p.Run(newEvent(), counting(&calls, 1, true), nil, counting(&calls, 2, false))
	assert.Equal(t, Vetoed, res.State)
	assert.Equal(t, []int{0, 1, 2}, calls)

	// one-shot callbacks are not retained
	calls = calls[:0]
	res = p.Run(newEvent())
	assert.Equal(t, Approved, res.State)
	assert.Equal(t, []int{0}, calls)
}

func TestPipeline_FaultingCallback(t *testing.T) {
	for _, second := range []bool{true, false} {
		var buf bytes.Buffer
		log := logger.NewWithWriter(&buf, logger.Config{Level: "debug", Format: "json"})
		rec := &fakeRecorder{}
		p := New(WithLogger(log), WithRecorder(rec))

		p.Add(OnErrorFunc(func(ev *event.Event) bool {
			ev.Context = "mutated before panic"
			ev.Breadcrumbs[0].Metadata["k"] = "mutated"
			ev.Breadcrumbs = nil
			panic("callback exploded")
		}))
		p.Add(OnErrorFunc(func(*event.Event) bool { return second }))

		ev := newEvent()
		ev.Context = "original"

		var res Result
		require.NotPanics(t, func() { res = p.Run(ev) })

		want := Vetoed
		if second {
			want = Approved
		}
		assert.Equal(t, want, res.State)
		assert.Equal(t, 2, res.Ran)
		require.Len(t, res.Faults, 1)
		assert.Equal(t, 0, res.Faults[0].Index)
		assert.Equal(t, "callback exploded", res.Faults[0].Panic)

		assert.Equal(t, "original", ev.Context, "event should be restored")
		require.Len(t, ev.Breadcrumbs, 1)
		assert.Equal(t, "v", ev.Breadcrumbs[0].Metadata["k"])

		assert.Equal(t, 1, rec.faults)
		assert.Equal(t, []string{want.String()}, rec.outcomes)

		var line map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
		assert.Equal(t, "WARN", line["level"])
		assert.Equal(t, "pipeline", line["component"])
		assert.EqualValues(t, 0, line["callback_index"])
		assert.Equal(t, "callback exploded", line["panic"])
	}
}

func TestPipeline_CallbackMutationsAreKept(t *testing.T) {
	p := New()
	p.Add(OnErrorFunc(func(ev *event.Event) bool {
		ev.Severity = event.SeverityInfo
		ev.AddMetadata("extra", "seen", true)
		return true
	}))

	ev := newEvent()
	res := p.Run(ev)
	require.True(t, res.Approved())
	assert.Equal(t, event.SeverityInfo, ev.Severity)
	v, ok := ev.GetMetadata("extra", "seen")
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestPipeline_AddRemove(t *testing.T) {
	p := New()
	calls := []int{}
	removeA := p.Add(counting(&calls, 0, true))
	p.Add(counting(&calls, 1, true))
	p.Add(nil)
	assert.Equal(t, 2, p.Len())

	removeA()
	removeA()
	assert.Equal(t, 1, p.Len())

	p.Run(newEvent())
	assert.Equal(t, []int{1}, calls)

	p.Clear()
	assert.Equal(t, 0, p.Len())
}

func TestPipeline_CallbackMayRegister(t *testing.T) {
	p := New()
	p.Add(OnErrorFunc(func(*event.Event) bool {
		p.Add(OnErrorFunc(func(*event.Event) bool { return true }))
		return true
	}))

	done := make(chan Result, 1)
	go func() { done <- p.Run(newEvent()) }()

	res := <-done
	assert.Equal(t, Approved, res.State)
	assert.Equal(t, 1, res.Ran, "callbacks added during a run apply to later runs")
	assert.Equal(t, 2, p.Len())
}

func TestPipeline_NilEvent(t *testing.T) {
	res := New().Run(nil)
	assert.Equal(t, Vetoed, res.State)
	assert.Zero(t, res.Ran)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, Pending.CanTransition(Running))
	assert.False(t, Pending.CanTransition(Approved))
	assert.True(t, Running.CanTransition(Vetoed))
	assert.True(t, Running.CanTransition(Approved))

	for _, terminal := range []State{Vetoed, Approved} {
		assert.True(t, terminal.Terminal())
		for _, next := range []State{Pending, Running, Vetoed, Approved} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}

	assert.True(t, strings.HasPrefix(State(9).String(), "state("))
}
