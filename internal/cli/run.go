package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/syncpoint"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Channels int
	Duration time.Duration
	Interval time.Duration
	Work     time.Duration

	// Clock drives producers, unit work and preemption timers.
	// If nil, defaults to the wall clock.
	Clock clock.Clock
}

// ChannelSummary reports one channel after a live run.
type ChannelSummary struct {
	ID       string            `json:"id"`
	Role     string            `json:"role"` // "preempting" or "yielding"
	Executed int               `json:"executed"`
	Replies  int64             `json:"replies"`
	Stats    engine.QueueStats `json:"stats"`
}

// LiveSummary reports a finished live run.
type LiveSummary struct {
	Duration    string           `json:"duration"`
	Channels    []ChannelSummary `json:"channels"`
	Preemptions int64            `json:"preemptions"`
	Allocated   uint32           `json:"sync_points_allocated"`
	Retired     int64            `json:"sync_points_retired"`
	Outstanding int              `json:"sync_points_outstanding"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run channels under synthetic load",
		Long: `Run the scheduler live: one I/O loop, one shared worker loop and
N channels fed by synthetic producers.

Channel 0 may preempt; every other channel yields to it. Producers send
commands, waits and sync point requests every interval; each execution
unit spends --work per message. Logs go to stderr, the final per-channel
statistics to stdout.

Examples:
  gpuchan run
  gpuchan run --channels 4 --duration 5s --interval 2ms --work 3ms
  gpuchan run --config gpuchan.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE config file (defaults apply when omitted)")
	cmd.Flags().IntVar(&opts.Channels, "channels", 3, "number of channels")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 2*time.Second, "how long producers run (0 = until interrupted)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 5*time.Millisecond, "producer tick interval")
	cmd.Flags().DurationVar(&opts.Work, "work", time.Millisecond, "simulated execution time per message")

	return cmd
}

func runLive(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Channels < 1 {
		return NewExitError(ExitCommandError, "--channels must be at least 1")
	}
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = clk.WithTimeout(ctx, opts.Duration)
		defer stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ioLoop := engine.NewLoop("io")
	worker := engine.NewLoop("worker")
	var loops sync.WaitGroup
	for _, l := range []*engine.Loop{ioLoop, worker} {
		loops.Add(1)
		go func(l *engine.Loop) {
			defer loops.Done()
			// Loops stop through Stop so queued teardown tasks still run.
			_ = l.Run(context.Background())
		}(l)
	}

	mgr := syncpoint.NewManager()
	flag := engine.NewPreemptionFlag()
	orders := engine.NewOrderCounter()
	obs := &liveObserver{logger: logger}
	var retired atomic.Int64

	live := make([]*liveChannel, opts.Channels)
	for i := range live {
		lc := &liveChannel{
			role: "yielding",
			unit: &demoUnit{clock: clk, work: opts.Work},
			transport: &demoTransport{
				logger:  logger,
				mgr:     mgr,
				retired: &retired,
			},
		}
		chOpts := []engine.Option{
			engine.WithID(fmt.Sprintf("ch%d", i)),
			engine.WithPreemptionConfig(thresholds),
			engine.WithTimers(engine.NewClockTimers(clk)),
			engine.WithObserver(obs),
			engine.WithLogger(logger),
		}
		if i == 0 {
			lc.role = "preempting"
			chOpts = append(chOpts, engine.WithPreemptingFlag(flag), engine.WithFutureSyncPoints(true))
		} else {
			chOpts = append(chOpts, engine.WithPreemptedByFlag(flag))
		}
		lc.ch = engine.New(ioLoop, worker, mgr, lc.transport, orders, chOpts...)
		lc.ch.AddUnit(0, lc.unit)
		live[i] = lc
	}

	logger.Info("scheduler started",
		"channels", opts.Channels,
		"preempt_wait", thresholds.PreemptWait,
		"max_preempt", thresholds.MaxPreempt,
		"stop_threshold", thresholds.StopThreshold,
	)
	started := clk.Now()

	var producers sync.WaitGroup
	for _, lc := range live {
		producers.Add(1)
		go func(lc *liveChannel) {
			defer producers.Done()
			produce(ctx, clk, opts.Interval, lc.ch, logger)
		}(lc)
	}

	<-ctx.Done()
	producers.Wait()
	elapsed := clk.Since(started)

	for _, lc := range live {
		lc.ch.Close()
	}
	ioLoop.Stop()
	worker.Stop()
	loops.Wait()
	logger.Info("scheduler stopped", "elapsed", elapsed)

	summary := LiveSummary{
		Duration:    elapsed.Round(time.Millisecond).String(),
		Channels:    make([]ChannelSummary, 0, len(live)),
		Preemptions: obs.preemptions.Load(),
		Retired:     retired.Load(),
		Outstanding: mgr.Outstanding(),
	}
	for _, lc := range live {
		stats := lc.ch.Stats()
		summary.Allocated += uint32(stats.SyncPointsAllocated)
		summary.Channels = append(summary.Channels, ChannelSummary{
			ID:       lc.ch.ID(),
			Role:     lc.role,
			Executed: lc.unit.executed,
			Replies:  lc.transport.replies.Load(),
			Stats:    stats,
		})
	}

	if opts.Format == "json" {
		return encodeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: summary})
	}
	return outputLiveText(cmd, summary)
}

type liveChannel struct {
	ch        *engine.Channel
	role      string
	unit      *demoUnit
	transport *demoTransport
}

// produce feeds ch one tick at a time until ctx is done. The pattern
// mixes ordered commands, priority waits and sync point requests.
func produce(ctx context.Context, clk clock.Clock, interval time.Duration, ch *engine.Channel, logger *slog.Logger) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs := []message.Message{{RoutingID: 0, Kind: message.KindCommand}}
		if tick%4 == 0 {
			msgs = append(msgs, message.Message{RoutingID: 0, Kind: message.KindInsertSyncPoint, Sync: true, Retire: true})
		}
		if tick%6 == 0 {
			msgs = append(msgs, message.Message{RoutingID: 0, Kind: message.KindWaitForToken, Sync: true})
		}
		for _, msg := range msgs {
			if err := ch.Deliver(msg); err != nil {
				logger.Debug("deliver failed", "channel", ch.ID(), "error", err)
				return
			}
		}
	}
}

// demoUnit spends a fixed amount of clock time per message and asks for
// one Continue after every fifth command.
type demoUnit struct {
	clock    clock.Clock
	work     time.Duration
	executed int
	more     bool
}

func (u *demoUnit) IsSchedulable() bool    { return true }
func (u *demoUnit) IsBeingPreempted() bool { return false }

func (u *demoUnit) HasMoreInternalWork() bool {
	more := u.more
	u.more = false
	return more
}

func (u *demoUnit) Execute(msg *message.ChannelMessage) {
	u.executed++
	if msg.Payload.Kind == message.KindCommand && u.executed%5 == 0 {
		u.more = true
	}
	if u.work > 0 {
		u.clock.Sleep(u.work)
	}
}

// demoTransport counts replies and tracks retirement of every sync point
// it hands out.
type demoTransport struct {
	logger  *slog.Logger
	mgr     *syncpoint.Manager
	replies atomic.Int64
	retired *atomic.Int64
}

func (t *demoTransport) Send(reply message.Reply) error {
	t.replies.Add(1)
	if reply.Error {
		t.logger.Debug("error reply", "to", reply.To, "reason", reply.Reason)
		return nil
	}
	if reply.To == message.KindInsertSyncPoint {
		t.mgr.Wait(reply.SyncPoint, func() { t.retired.Add(1) })
	}
	return nil
}

// liveObserver logs preemption transitions and counts entries into
// PREEMPTING.
type liveObserver struct {
	engine.NopObserver
	logger      *slog.Logger
	preemptions atomic.Int64
}

func (o *liveObserver) PreemptionChanged(channel string, from, to engine.PreemptionState) {
	if to == engine.PreemptionPreempting {
		o.preemptions.Add(1)
	}
	o.logger.Debug("preemption state changed", "channel", channel, "from", from, "to", to)
}

func (o *liveObserver) MessageDropped(channel string, msg *message.ChannelMessage, err error) {
	o.logger.Warn("message dropped", "channel", channel, "kind", msg.Payload.Kind, "order", msg.Order, "error", err)
}

// outputLiveText outputs the live summary as text.
func outputLiveText(cmd *cobra.Command, s LiveSummary) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Ran %d channel(s) for %s\n", len(s.Channels), s.Duration)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Channels ===")
	for _, ch := range s.Channels {
		fmt.Fprintf(w, "  %s (%s): executed=%d replies=%d\n", ch.ID, ch.Role, ch.Executed, ch.Replies)
		writeStats(w, "    queue", ch.Stats)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Sync Points ===")
	fmt.Fprintf(w, "  Allocated:   %d\n", s.Allocated)
	fmt.Fprintf(w, "  Retired:     %d\n", s.Retired)
	fmt.Fprintf(w, "  Outstanding: %d\n", s.Outstanding)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Preemptions: %d\n", s.Preemptions)
	return nil
}
