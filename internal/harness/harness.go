package harness

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/gpuchan/internal/config"
	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/testutil"
)

const settleLimit = 1 << 20

// Harness runs one scenario.
//
// Every channel shares one I/O runner, one worker runner, one order
// counter, one sync point coordinator and one preemption flag. Runners are
// manual and time is virtual, so a scenario always produces the same trace.
type Harness struct {
	scenario *Scenario
	cfg      engine.PreemptionConfig
	maxSteps int
	logger   *slog.Logger

	io     *testutil.ManualRunner
	worker *testutil.ManualRunner
	timers *testutil.VirtualTimers
	coord  *testutil.RecordingCoordinator
	orders *engine.OrderCounter
	flag   *engine.PreemptionFlag
	tracer *tracer

	channels map[string]*simChannel
	result   *Result
}

type simChannel struct {
	spec      ChannelSpec
	ch        *engine.Channel
	transport *testutil.RecordingTransport
	units     map[int32]*testutil.FakeUnit
}

// Option configures a harness run.
type Option func(*Harness) error

// WithConfig sets the preemption thresholds and the drain step cap.
// Default: config.Default().
func WithConfig(cfg config.Config) Option {
	return func(h *Harness) error {
		thresholds, err := cfg.Thresholds()
		if err != nil {
			return err
		}
		h.cfg = thresholds
		h.maxSteps = cfg.Simulation.MaxSteps
		return nil
	}
}

// WithLogger routes engine logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) error {
		h.logger = l
		return nil
	}
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create channels and register their units
// 2. Run the steps in order, checking expect steps as they come
// 3. Return result with pass/fail, trace, errors and final queue stats
//
// The returned error reports a harness failure (bad configuration); a
// scenario whose expectations fail still returns a Result with Pass false.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		io:       testutil.NewManualRunner(),
		worker:   testutil.NewManualRunner(),
		timers:   testutil.NewVirtualTimers(time.Time{}),
		coord:    testutil.NewRecordingCoordinator(),
		orders:   engine.NewOrderCounter(),
		flag:     engine.NewPreemptionFlag(),
		channels: make(map[string]*simChannel),
		result:   NewResult(),
	}
	if err := WithConfig(config.Default())(h); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("harness option: %w", err)
		}
	}

	start := h.timers.Now()
	h.tracer = &tracer{now: func() time.Duration { return h.timers.Now().Sub(start) }}
	h.coord.OnRetire(h.tracer.retired)

	h.setup()

	for i, step := range scenario.Steps {
		h.execute(i, step)
	}

	h.result.Trace = h.tracer.snapshot()
	for name, sc := range h.channels {
		h.result.Stats[name] = sc.ch.Stats()
	}
	return h.result, nil
}

func (h *Harness) setup() {
	for _, spec := range h.scenario.Channels {
		sc := &simChannel{
			spec:      spec,
			transport: testutil.NewRecordingTransport(),
			units:     make(map[int32]*testutil.FakeUnit),
		}

		opts := []engine.Option{
			engine.WithID(spec.Name),
			engine.WithFutureSyncPoints(spec.Trusted),
			engine.WithPreemptionConfig(h.cfg),
			engine.WithTimers(h.timers),
			engine.WithObserver(h.tracer),
			engine.WithLogger(h.logger),
		}
		if spec.Preempts {
			opts = append(opts, engine.WithPreemptingFlag(h.flag))
		}
		if spec.Yields {
			opts = append(opts, engine.WithPreemptedByFlag(h.flag))
		}
		sc.ch = engine.New(h.io, h.worker, h.coord, sc.transport, h.orders, opts...)

		for _, route := range spec.Units {
			h.addUnit(sc, route)
		}
		h.channels[spec.Name] = sc
	}
	h.worker.RunUntilIdle(settleLimit)
	h.settleIO()
}

func (h *Harness) execute(index int, step Step) {
	switch {
	case step.Send != nil:
		h.send(step.Send)
	case step.Run > 0:
		h.tracer.add("-", EventStep, "run %d", step.Run)
		for i := 0; i < step.Run && h.worker.RunOne(); i++ {
			h.settleIO()
		}
	case step.Drain:
		h.tracer.add("-", EventStep, "drain")
		h.drain(index)
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance) // validated on load
		h.tracer.add("-", EventStep, "advance %s", d)
		h.timers.AdvanceWith(d, h.settleIO)
	case step.Deschedule != nil:
		h.setSchedulable(index, *step.Deschedule, false)
	case step.Schedule != nil:
		h.setSchedulable(index, *step.Schedule, true)
	case step.Preempt != nil:
		h.setPreempted(index, *step.Preempt, true)
	case step.Release != nil:
		h.setPreempted(index, *step.Release, false)
	case step.MoreWork != nil:
		ref := UnitRef{Channel: step.MoreWork.Channel, Route: step.MoreWork.Route}
		if unit := h.unit(index, ref); unit != nil {
			h.tracer.add(ref.Channel, EventStep, "more_work route=%d count=%d", ref.Route, step.MoreWork.Count)
			unit.SetMoreWork(step.MoreWork.Count)
		}
	case step.AddUnit != nil:
		sc := h.channels[step.AddUnit.Channel]
		h.tracer.add(sc.spec.Name, EventStep, "add_unit route=%d", step.AddUnit.Route)
		h.addUnit(sc, step.AddUnit.Route)
	case step.RemoveUnit != nil:
		sc := h.channels[step.RemoveUnit.Channel]
		h.tracer.add(sc.spec.Name, EventStep, "remove_unit route=%d", step.RemoveUnit.Route)
		delete(sc.units, step.RemoveUnit.Route)
		sc.ch.RemoveUnit(step.RemoveUnit.Route)
	case step.Teardown != "":
		sc := h.channels[step.Teardown]
		h.tracer.add(sc.spec.Name, EventStep, "teardown")
		sc.ch.Close()
		h.settleIO()
	case step.Expect != nil:
		for _, msg := range h.check(step.Expect) {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s", index, msg))
		}
	}
}

func (h *Harness) send(s *SendStep) {
	sc := h.channels[s.Channel]
	kind, _ := message.ParseKind(s.Kind) // validated on load
	count := s.Count
	if count == 0 {
		count = 1
	}
	h.tracer.add(sc.spec.Name, EventStep, "send %s route=%d x%d", kind, s.Route, count)

	msg := message.Message{
		RoutingID: s.Route,
		Kind:      kind,
		Sync:      s.Sync,
		Reply:     s.Reply,
		Unblock:   s.Unblock,
		Retire:    s.Retire,
		SyncPoint: s.SyncPoint,
	}
	for i := 0; i < count; i++ {
		if err := sc.ch.Deliver(msg); err != nil {
			h.logger.Warn("deliver failed", "channel", sc.spec.Name, "error", err)
		}
	}
	h.settleIO()
}

// drain runs worker tasks round by round. It stops when the worker is idle,
// when a round only produced preemption requeues (nothing can move until
// time advances), or at the step cap.
func (h *Harness) drain(index int) {
	quota := newStepQuota(h.maxSteps)
	for h.worker.Len() > 0 {
		progress, spins := h.tracer.counters()

		n := h.worker.Len()
		for i := 0; i < n; i++ {
			if err := quota.Check(index); err != nil {
				h.result.AddError(err.Error())
				return
			}
			h.worker.RunOne()
			h.settleIO()
		}

		afterProgress, afterSpins := h.tracer.counters()
		if afterProgress == progress && afterSpins > spins {
			h.logger.Debug("drain stalled on preemption", "pending", h.worker.Len(), "tasks", quota.Current())
			return
		}
	}
}

// settleIO runs the I/O runner dry. I/O tasks only fan out through timers,
// which fire on Advance, so this always terminates well below the limit.
func (h *Harness) settleIO() {
	h.io.RunUntilIdle(settleLimit)
}

func (h *Harness) addUnit(sc *simChannel, route int32) {
	unit := testutil.NewFakeUnit()
	sc.units[route] = unit
	sc.ch.AddUnit(route, unit)
}

func (h *Harness) unit(index int, ref UnitRef) *testutil.FakeUnit {
	unit, ok := h.channels[ref.Channel].units[ref.Route]
	if !ok {
		h.result.AddError(fmt.Sprintf("steps[%d]: channel %q has no unit on route %d", index, ref.Channel, ref.Route))
		return nil
	}
	return unit
}

func (h *Harness) setSchedulable(index int, ref UnitRef, v bool) {
	unit := h.unit(index, ref)
	if unit == nil {
		return
	}
	verb := "deschedule"
	if v {
		verb = "schedule"
	}
	h.tracer.add(ref.Channel, EventStep, "%s route=%d", verb, ref.Route)
	unit.SetSchedulable(v)
	h.channels[ref.Channel].ch.SchedulingChanged(ref.Route)
}

func (h *Harness) setPreempted(index int, ref UnitRef, v bool) {
	unit := h.unit(index, ref)
	if unit == nil {
		return
	}
	verb := "release"
	if v {
		verb = "preempt"
	}
	h.tracer.add(ref.Channel, EventStep, "%s route=%d", verb, ref.Route)
	unit.SetPreempted(v)
}
