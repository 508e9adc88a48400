package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/checkpoint"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/registry"
)

// ErrCycleInFlight is returned by Tick while another cycle is dispatching or
// aggregating.
var ErrCycleInFlight = errors.New("cycle already in flight")

// State is the scheduler's position in a cycle.
type State int

const (
	StateIdle State = iota
	StateTickPending
	StateDispatching
	StateAggregating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTickPending:
		return "tick_pending"
	case StateDispatching:
		return "dispatching"
	case StateAggregating:
		return "aggregating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateIdle:        {StateTickPending},
	StateTickPending: {StateIdle, StateDispatching},
	StateDispatching: {StateAggregating},
	StateAggregating: {StateIdle},
}

// MailboxRunner syncs one mailbox for one cycle. *Worker implements it.
type MailboxRunner interface {
	Run(ctx context.Context, address string, win Window) Outcome
}

// SchedulerConfig holds the cycle settings.
type SchedulerConfig struct {
	TickInterval  time.Duration
	MaxConcurrent int
	Lookback      time.Duration
}

type SchedulerOption func(*Scheduler)

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithNotifier hands every cycle report to n.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// Scheduler drives cycles: on every tick it dispatches the due mailboxes to
// workers under a concurrency bound, joins them, reschedules each mailbox and
// advances the checkpoint only when every mailbox succeeded. It is the only
// writer of the registry schedule and of the checkpoint.
type Scheduler struct {
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	runner      MailboxRunner
	notifier    Notifier
	log         logging.Logger
	cfg         SchedulerConfig
	now         func() time.Time

	mu     stdsync.Mutex
	state  State
	last   *CycleReport
	cycles uint64
}

func NewScheduler(reg *registry.Registry, cps *checkpoint.Store, runner MailboxRunner, log logging.Logger, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Scheduler{
		registry:    reg,
		checkpoints: cps,
		runner:      runner,
		log:         log,
		cfg:         cfg,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately and then every TickInterval until ctx is cancelled or
// a cycle fails fatally. Ticks that arrive while a cycle is in flight are
// dropped. On cancellation Run waits for the in-flight cycle to finish
// aggregating before it returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	var inflight stdsync.WaitGroup
	fatal := make(chan error, 1)

	tick := func() {
		if !s.begin() {
			s.log.Debug(ctx, "tick dropped, cycle in flight")
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if _, err := s.cycle(ctx); err != nil {
				select {
				case fatal <- err:
				default:
				}
			}
		}()
	}

	s.log.Info(ctx, "scheduler started",
		"tick", s.cfg.TickInterval,
		"max_concurrent", s.cfg.MaxConcurrent,
		"mailboxes", s.registry.Len())
	tick()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "scheduler stopping, waiting for in-flight cycle")
			inflight.Wait()
			return nil
		case err := <-fatal:
			inflight.Wait()
			s.log.Error(ctx, "scheduler stopped", "error", err)
			return err
		case <-ticker.C:
			tick()
		}
	}
}

// Tick runs one cycle synchronously. It returns a nil report when no mailbox
// was due, and ErrCycleInFlight when another cycle holds the guard.
func (s *Scheduler) Tick(ctx context.Context) (*CycleReport, error) {
	if !s.begin() {
		return nil, ErrCycleInFlight
	}
	return s.cycle(ctx)
}

// Trigger makes a registered mailbox due on the next tick.
func (s *Scheduler) Trigger(address string) error {
	return s.registry.MarkDue(address, s.now())
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	State      State                     `json:"state"`
	Cycles     uint64                    `json:"cycles"`
	Checkpoint checkpoint.CycleCheckpoint `json:"checkpoint"`
	Mailboxes  []registry.MailboxState   `json:"mailboxes"`
	LastReport *CycleReport              `json:"last_report,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	st := Snapshot{State: s.state, Cycles: s.cycles, LastReport: s.last}
	s.mu.Unlock()
	st.Checkpoint = s.checkpoints.Current()
	st.Mailboxes = s.registry.Snapshot()
	return st
}

// State returns the current cycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin takes the single-flight guard.
func (s *Scheduler) begin() bool {
	return s.transition(StateIdle, StateTickPending) == nil
}

func (s *Scheduler) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return fmt.Errorf("transition %s -> %s from state %s", from, to, s.state)
	}
	for _, next := range transitions[from] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}

// release returns the guard after a fatal cycle.
func (s *Scheduler) release() {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

// cycle runs from TickPending back to Idle. Only a panic escaping dispatch or
// aggregation, or an unknown mailbox in strict mode, produces an error.
func (s *Scheduler) cycle(ctx context.Context) (report *CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSchedulerPanic, r)
		}
		if err != nil {
			s.release()
		}
	}()

	start := s.now()
	due := s.registry.DueMailboxes(start)
	if len(due) == 0 {
		return nil, s.transition(StateTickPending, StateIdle)
	}
	if err := s.transition(StateTickPending, StateDispatching); err != nil {
		return nil, err
	}

	// Workers and aggregation must finish even when the service is stopping.
	runCtx := context.WithoutCancel(ctx)
	cp := s.checkpoints.Current()
	win := Window{FirstRun: cp.FirstRun, LastSyncTick: cp.LastSyncTick, Lookback: s.cfg.Lookback}

	id := uuid.NewString()
	log := s.log.With("cycle", id)
	log.Info(ctx, "cycle started",
		"due", due,
		"first_run", cp.FirstRun,
		"last_sync_tick", cp.LastSyncTick)

	outcomes := s.dispatch(runCtx, due, win)

	if err := s.transition(StateDispatching, StateAggregating); err != nil {
		return nil, err
	}
	report, err = s.aggregate(runCtx, log, id, start, cp, outcomes)
	if err != nil {
		return nil, err
	}
	// The guard stays held while the report is recorded so that reports of
	// consecutive cycles are written in order.
	if s.notifier != nil {
		if err := s.notifier.Notify(runCtx, *report); err != nil {
			log.Warn(ctx, "notify cycle report", "error", err)
		}
	}
	if err := s.transition(StateAggregating, StateIdle); err != nil {
		return nil, err
	}
	return report, nil
}

// dispatch runs one worker per address with at most MaxConcurrent in flight
// and returns the outcomes in address order.
func (s *Scheduler) dispatch(ctx context.Context, due []string, win Window) []Outcome {
	outcomes := make([]Outcome, len(due))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, address := range due {
		g.Go(func() error {
			outcomes[i] = s.runOne(ctx, address, win)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Scheduler) runOne(ctx context.Context, address string, win Window) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Address: address, Status: StatusFailure, Err: fmt.Errorf("%w: %v", ErrWorkerPanic, r)}
			out.Error = out.Err.Error()
		}
	}()
	out = s.runner.Run(ctx, address, win)
	out.Address = address
	return out
}

func (s *Scheduler) aggregate(ctx context.Context, log logging.Logger, id string, start time.Time, cp checkpoint.CycleCheckpoint, outcomes []Outcome) (*CycleReport, error) {
	report := &CycleReport{
		ID:        id,
		StartedAt: start,
		Outcomes:  outcomes,
		FirstRun:  cp.FirstRun,
	}

	for _, o := range outcomes {
		if o.OK() {
			continue
		}
		report.Failures++
		log.Error(ctx, "mailbox sync failed",
			"mailbox", o.Address,
			"items", o.ItemsProcessed,
			"error", o.Err)
	}

	for _, o := range outcomes {
		next, err := s.registry.Reschedule(o.Address, o.OK(), start)
		if err != nil {
			return nil, err
		}
		if o.OK() {
			log.Debug(ctx, "mailbox rescheduled", "mailbox", o.Address, "next", next)
		} else {
			log.Warn(ctx, "mailbox backed off", "mailbox", o.Address, "next", next)
		}
	}

	if report.Failures == 0 {
		s.advance(ctx, log, report, start)
	} else {
		log.Warn(ctx, "checkpoint withheld", "failures", report.Failures, "checkpoint", cp.LastSyncTick)
	}

	report.Checkpoint = s.checkpoints.Current().LastSyncTick
	report.FinishedAt = s.now()
	log.Info(ctx, "cycle completed",
		"duration", report.FinishedAt.Sub(start),
		"mailboxes", len(outcomes),
		"failures", report.Failures,
		"items", report.ItemsProcessed())

	s.mu.Lock()
	s.last = report
	s.cycles++
	s.mu.Unlock()
	return report, nil
}

func (s *Scheduler) advance(ctx context.Context, log logging.Logger, report *CycleReport, start time.Time) {
	if err := s.checkpoints.Commit(ctx, start); err != nil {
		log.Error(ctx, "commit checkpoint", "tick", start, "error", err)
		return
	}
	report.CheckpointAdvanced = true
	log.Info(ctx, "checkpoint advanced", "tick", start)

	if !report.FirstRun {
		return
	}
	if err := s.checkpoints.ClearFirstRun(ctx); err != nil {
		log.Error(ctx, "clear first run", "error", err)
		return
	}
	report.FirstRunCleared = true
	log.Info(ctx, "first run completed")
}
