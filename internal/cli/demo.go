package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/crashtrail/internal/setup"
	"github.com/armorclaw/crashtrail/pkg/agent"
	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/featureflag"
	"github.com/armorclaw/crashtrail/pkg/pipeline"
)

var (
	demoWorkers int
	demoCrumbs  int
	demoFlags   []string
	demoShow    int
)

func init() {
	demoCmd.Flags().IntVarP(&demoWorkers, "workers", "w", 4, "concurrent workers leaving breadcrumbs")
	demoCmd.Flags().IntVar(&demoCrumbs, "crumbs", 20, "breadcrumbs per worker")
	demoCmd.Flags().StringSliceVar(&demoFlags, "flag", nil, "feature flag as name or name=variant (repeatable)")
	demoCmd.Flags().IntVar(&demoShow, "show", 3, "events to print")
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Capture a few errors and a panic to exercise the configured pipeline",
	Long:  "Runs concurrent workers that leave breadcrumbs, report errors and recover a panic through an agent built from the configuration. Captured events go to the configured deliveries.",
	RunE:  runDemo,
}

// eventSink keeps the events that reached delivery
type eventSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *eventSink) Deliver(_ context.Context, ev *event.Event) (delivery.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return delivery.Delivered, nil
}

func (s *eventSink) all() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.events...)
}

func parseFlagArgs(args []string) []featureflag.Flag {
	flags := make([]featureflag.Flag, 0, len(args))
	for _, arg := range args {
		name, variant, _ := strings.Cut(arg, "=")
		if name = strings.TrimSpace(name); name != "" {
			flags = append(flags, featureflag.Flag{Name: name, Variant: strings.TrimSpace(variant)})
		}
	}
	return flags
}

// errTimeout is the kind of error the demo workers hit
type errTimeout struct {
	op string
}

func (e *errTimeout) Error() string { return e.op + ": deadline exceeded" }

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, l, err := loadConfig()
	if err != nil {
		return err
	}

	sink := &eventSink{}
	rt, err := setup.Build(cfg, l, sink)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := rt.Agent.Start(ctx); err != nil {
		rt.Agent.Stop()
		return err
	}
	defer rt.Agent.Stop()

	rt.Agent.AddFeatureFlags(parseFlagArgs(demoFlags)...)
	rt.Agent.SetContext("demo")

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < demoWorkers; w++ {
		g.Go(func() error {
			runWorker(gctx, rt.Agent, w, demoCrumbs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// A panic on the calling goroutine, reported as unhandled
	func() {
		defer rt.Agent.Recover(ctx)
		rt.Agent.LeaveBreadcrumb("about to index past the end", nil, breadcrumb.Log)
		var jobs []string
		_ = jobs[len(jobs)]
	}()

	printDemoReport(cmd.OutOrStdout(), rt, sink.all(), time.Since(start))
	return nil
}

func runWorker(ctx context.Context, a *agent.Agent, id, crumbs int) {
	types := breadcrumb.Types()
	for i := 0; i < crumbs; i++ {
		typ := types[(id+i)%len(types)]
		if typ == breadcrumb.Error {
			typ = breadcrumb.Log
		}
		a.LeaveBreadcrumb(fmt.Sprintf("worker %d step %d", id, i), map[string]any{
			"worker": id,
			"step":   i,
		}, typ)
	}

	err := fmt.Errorf("worker %d: %w", id, &errTimeout{op: "fetch inventory"})
	if id%2 == 1 {
		err = errors.New("payment declined")
	}
	a.Notify(ctx, err, pipeline.OnErrorFunc(func(ev *event.Event) bool {
		ev.AddMetadata("worker", "id", id)
		return true
	}))
}

func printDemoReport(w io.Writer, rt *setup.Runtime, events []*event.Event, took time.Duration) {
	fmt.Fprintln(w, paint(styleTitle, "crashtrail demo"))
	fmt.Fprintf(w, "%s %d events delivered in %s\n",
		paint(styleOK, "✓"), len(events), took.Round(time.Millisecond))

	if s := rt.Agent.Sampler(); s != nil {
		stats := s.Stats()
		fmt.Fprintf(w, "%s %d repeats suppressed by sampling\n", paint(styleWarn, "•"), stats.Suppressed)
	}
	if rt.Throttle != nil {
		fmt.Fprintf(w, "%s %d events dropped by rate limit\n", paint(styleWarn, "•"), rt.Throttle.Dropped())
	}
	fmt.Fprintf(w, "%s %d breadcrumbs held, %d feature flags active\n",
		paint(styleDim, "•"), len(rt.Agent.Breadcrumbs()), len(rt.Agent.FeatureFlags()))
	if rt.Store != nil {
		fmt.Fprintf(w, "%s events stored in %s\n", paint(styleDim, "•"), rt.Store.Path())
	}
	if rt.Server != nil {
		fmt.Fprintf(w, "%s metrics at http://%s/metrics\n", paint(styleDim, "•"), rt.Server.Addr())
	}

	show := min(max(demoShow, 0), len(events))
	for _, ev := range events[len(events)-show:] {
		fmt.Fprintln(w)
		summary := strings.TrimRight(ev.FormatSummary(), "\n")
		if colorOutput {
			summary = styleBox.Render(summary)
		}
		fmt.Fprintln(w, summary)
	}
}
