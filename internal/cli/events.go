package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/event"
)

var (
	eventsDB         string
	eventsJSON       bool
	eventsClass      string
	eventsSeverity   string
	eventsUnresolved bool
	eventsUnhandled  bool
	eventsSince      time.Duration
	eventsLimit      int
	eventsResolvedBy string
)

func init() {
	eventsCmd.PersistentFlags().StringVar(&eventsDB, "db", "", "event store path (default from config)")
	eventsCmd.PersistentFlags().BoolVar(&eventsJSON, "json", false, "print JSON")

	eventsListCmd.Flags().StringVar(&eventsClass, "class", "", "only this error class")
	eventsListCmd.Flags().StringVar(&eventsSeverity, "severity", "", "only this severity (info, warning, error)")
	eventsListCmd.Flags().BoolVar(&eventsUnresolved, "unresolved", false, "only unresolved events")
	eventsListCmd.Flags().BoolVar(&eventsUnhandled, "unhandled", false, "only unhandled events")
	eventsListCmd.Flags().DurationVar(&eventsSince, "since", 0, "only events seen within this duration")
	eventsListCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "maximum events to list")

	eventsResolveCmd.Flags().StringVar(&eventsResolvedBy, "by", os.Getenv("USER"), "who resolved the event")

	eventsCmd.AddCommand(eventsListCmd, eventsShowCmd, eventsResolveCmd, eventsReopenCmd, eventsStatsCmd, eventsCleanupCmd)
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect events kept in the local store",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored events, most recent first",
	RunE:  runEventsList,
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event with its breadcrumbs and stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsShow,
}

var eventsResolveCmd = &cobra.Command{
	Use:   "resolve <event-id>",
	Short: "Mark an event resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsResolve,
}

var eventsReopenCmd = &cobra.Command{
	Use:   "reopen <event-id>",
	Short: "Mark a resolved event unresolved again",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsReopen,
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the event store",
	RunE:  runEventsStats,
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove resolved events past the retention period",
	RunE:  runEventsCleanup,
}

func openStore() (*delivery.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sc := cfg.ToStoreConfig()
	if eventsDB != "" {
		sc.Path = eventsDB
	}
	store, err := delivery.NewStore(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	return store, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runEventsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	q := delivery.EventQuery{
		ErrorClass: eventsClass,
		Limit:      eventsLimit,
	}
	if eventsSeverity != "" {
		q.Severity = event.ParseSeverity(eventsSeverity)
	}
	if eventsUnresolved {
		resolved := false
		q.Resolved = &resolved
	}
	if eventsUnhandled {
		unhandled := true
		q.Unhandled = &unhandled
	}
	if eventsSince > 0 {
		q.Since = time.Now().Add(-eventsSince)
	}

	list, err := store.Query(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	if eventsJSON {
		return printJSON(cmd, list)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}

	fmt.Fprintln(out, paint(styleTitle, fmt.Sprintf("%-36s %-8s %-5s %-30s %-30s %s",
		"ID", "SEVERITY", "COUNT", "CLASS", "MESSAGE", "LAST SEEN")))
	for _, se := range list {
		sev := fmt.Sprintf("%-8s", se.Severity)
		switch {
		case se.Resolved:
			sev = paint(styleDim, sev)
		case se.Unhandled || se.Severity == event.SeverityError:
			sev = paint(styleError, sev)
		case se.Severity == event.SeverityWarning:
			sev = paint(styleWarn, sev)
		}
		fmt.Fprintf(out, "%-36s %s %-5d %-30s %-30s %s\n",
			se.EventID,
			sev,
			se.Occurrences,
			truncate(se.ErrorClass, 30),
			truncate(se.Message, 30),
			se.LastSeen.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func runEventsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	se, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if eventsJSON {
		return printJSON(cmd, se)
	}

	out := cmd.OutOrStdout()
	status := paint(styleWarn, "unresolved")
	if se.Resolved {
		status = paint(styleOK, "resolved")
		if se.ResolvedBy != "" {
			status += " by " + se.ResolvedBy
		}
	}
	fmt.Fprintf(out, "%s  %d occurrences, first seen %s\n\n",
		status, se.Occurrences, se.FirstSeen.Local().Format(time.RFC3339))

	if se.Event == nil {
		fmt.Fprintf(out, "%s: %s\n", se.ErrorClass, se.Message)
		return nil
	}

	fmt.Fprint(out, se.Event.FormatSummary())
	if trail := se.Event.FormatTrail(); trail != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, paint(styleTitle, "Breadcrumbs"))
		fmt.Fprint(out, trail)
	}
	if stack := se.Event.FormatStack(); stack != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, paint(styleTitle, "Stack"))
		fmt.Fprint(out, stack)
	}
	return nil
}

func runEventsResolve(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Resolve(cmd.Context(), args[0], eventsResolvedBy); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s resolved\n", paint(styleOK, "✓"), args[0])
	return nil
}

func runEventsReopen(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Unresolve(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s reopened\n", paint(styleOK, "✓"), args[0])
	return nil
}

func runEventsStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	if eventsJSON {
		return printJSON(cmd, stats)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, paint(styleTitle, "Event store "+store.Path()))
	fmt.Fprintf(out, "  events:       %d (%d unresolved, %d unhandled)\n",
		stats.TotalEvents, stats.UnresolvedEvents, stats.UnhandledEvents)
	fmt.Fprintf(out, "  occurrences:  %d\n", stats.TotalOccurrences)
	fmt.Fprintf(out, "  classes:      %d\n", stats.UniqueClasses)

	if len(stats.BySeverity) > 0 {
		fmt.Fprintln(out, "  by severity:")
		for _, sev := range []event.Severity{event.SeverityError, event.SeverityWarning, event.SeverityInfo} {
			if n := stats.BySeverity[sev]; n > 0 {
				fmt.Fprintf(out, "    %-10s %d\n", sev, n)
			}
		}
	}
	if len(stats.ByClass) > 0 {
		classes := make([]string, 0, len(stats.ByClass))
		for class := range stats.ByClass {
			classes = append(classes, class)
		}
		sort.Slice(classes, func(i, j int) bool {
			return stats.ByClass[classes[i]] > stats.ByClass[classes[j]]
		})
		fmt.Fprintln(out, "  by class:")
		for _, class := range classes {
			fmt.Fprintf(out, "    %-30s %d\n", truncate(class, 30), stats.ByClass[class])
		}
	}
	return nil
}

func runEventsCleanup(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s removed %d resolved events\n", paint(styleOK, "✓"), n)
	return nil
}
