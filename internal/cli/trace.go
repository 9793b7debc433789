package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - show one run instead of listing
	Scenario string // optional - filter the run list
	Channel  string // optional - filter events to one channel
	Type     string // optional - filter events to one type
}

// TraceEvent is one event of a recorded run.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	At      string `json:"at"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Detail  string `json:"detail"`
}

// TraceRun is a recorded run with its events.
type TraceRun struct {
	ID        string                       `json:"id"`
	Scenario  string                       `json:"scenario"`
	Passed    bool                         `json:"passed"`
	Errors    []string                     `json:"errors,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
	Stats     map[string]engine.QueueStats `json:"stats,omitempty"`
	Events    []TraceEvent                 `json:"events"`
}

// TraceSummary is one line of the run list.
type TraceSummary struct {
	ID        string    `json:"id"`
	Scenario  string    `json:"scenario"`
	Passed    bool      `json:"passed"`
	CreatedAt time.Time `json:"created_at"`
	Events    int       `json:"events"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded simulation runs",
		Long: `Inspect simulation runs recorded with "simulate --db".

Without --run, lists recorded runs (oldest first), optionally restricted
to one scenario. With --run, shows that run's trace events and final
queue statistics, optionally restricted to one channel or event type.

Examples:
  gpuchan trace --db runs.db
  gpuchan trace --db runs.db --scenario preempt_bounded
  gpuchan trace --db runs.db --run 0190... --channel fast
  gpuchan trace --db runs.db --run 0190... --type preemption --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to show")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "list only runs of this scenario")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "show only events of this channel")
	cmd.Flags().StringVar(&opts.Type, "type", "", "show only events of this type")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.RunID == "" {
		return listRuns(ctx, opts, st, cmd)
	}
	return showRun(ctx, opts, st, cmd)
}

func listRuns(ctx context.Context, opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	runs, err := st.ListRuns(ctx, opts.Scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	summaries := make([]TraceSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, TraceSummary{
			ID:        r.ID,
			Scenario:  r.Scenario,
			Passed:    r.Passed,
			CreatedAt: r.CreatedAt,
			Events:    r.Events,
		})
	}

	if opts.Format == "json" {
		return encodeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: summaries})
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%s  %s  %s  %-24s %d events\n",
			passMark(s.Passed), s.CreatedAt.Format(time.RFC3339), s.ID, s.Scenario, s.Events)
	}
	return nil
}

func showRun(ctx context.Context, opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	run, err := st.ReadRun(ctx, opts.RunID)
	if errors.Is(err, store.ErrNotFound) {
		if opts.Format == "json" {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if encErr := formatter.Error(ErrCodeRunNotFound, fmt.Sprintf("run %s not found", opts.RunID), nil); encErr != nil {
				return encErr
			}
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	events := run.Events
	if opts.Channel != "" {
		events, err = st.ReadEvents(ctx, run.ID, opts.Channel)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
	}

	result := TraceRun{
		ID:        run.ID,
		Scenario:  run.Scenario,
		Passed:    run.Passed,
		Errors:    run.Errors,
		CreatedAt: run.CreatedAt,
		Stats:     run.Stats,
		Events:    make([]TraceEvent, 0, len(events)),
	}
	for _, ev := range events {
		if opts.Type != "" && ev.Type != opts.Type {
			continue
		}
		result.Events = append(result.Events, TraceEvent{
			Seq:     ev.Seq,
			At:      ev.At.String(),
			Channel: ev.Channel,
			Type:    ev.Type,
			Detail:  ev.Detail,
		})
	}

	if opts.Format == "json" {
		return encodeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: result.ID})
	}
	return outputTraceText(cmd.OutOrStdout(), result)
}

// outputTraceText outputs a run as text.
func outputTraceText(w io.Writer, run TraceRun) error {
	fmt.Fprintf(w, "Run: %s\n", run.ID)
	fmt.Fprintf(w, "Scenario: %s\n", run.Scenario)
	fmt.Fprintf(w, "Status: %s\n", passStatus(run.Passed))
	for _, e := range run.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Events ===")
	if len(run.Events) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range run.Events {
		fmt.Fprintf(w, "  %04d %s %s %s %s\n", ev.Seq, ev.At, ev.Channel, ev.Type, ev.Detail)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	if len(run.Stats) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	// Sort channels for deterministic output
	channels := make([]string, 0, len(run.Stats))
	for ch := range run.Stats {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		writeStats(w, ch, run.Stats[ch])
	}
	return nil
}

func writeStats(w io.Writer, channel string, s engine.QueueStats) {
	fmt.Fprintf(w, "  %s: enqueued=%d dequeued=%d requeued=%d dropped=%d sync_points=%d/%d max_depth=%d\n",
		channel, s.Enqueued, s.Dequeued, s.Requeued, s.Dropped,
		s.SyncPointsRetired, s.SyncPointsAllocated, s.MaxDepth)
}

func encodeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func passMark(passed bool) string {
	if passed {
		return "✓"
	}
	return "✗"
}

func passStatus(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}
