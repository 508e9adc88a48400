package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/checkpoint"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/registry"
)

var policy = registry.Policy{PollInterval: time.Minute, BackoffInterval: 10 * time.Minute}

type harness struct {
	clock    *fakeClock
	backend  *checkpoint.MemoryBackend
	cps      *checkpoint.Store
	reg      *registry.Registry
	fetcher  *fakeFetcher
	sink     *memSink
	notifier *recordingNotifier
	sched    *Scheduler
}

func newHarness(t *testing.T, addresses []string, maxConcurrent int, seed func(b *checkpoint.MemoryBackend)) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: tick0},
		backend:  checkpoint.NewMemoryBackend(),
		fetcher:  newFakeFetcher(),
		sink:     newMemSink(),
		notifier: &recordingNotifier{},
	}
	if seed != nil {
		seed(h.backend)
	}
	h.cps = checkpoint.New(h.backend, checkpoint.WithClock(h.clock.Now))
	_, err := h.cps.Load(context.Background())
	require.NoError(t, err)

	h.reg = registry.New(addresses, policy, tick0)
	for _, a := range addresses {
		h.fetcher.add(a, &fakeMailbox{items: makeItems(a, 3)})
	}
	worker := NewWorker(h.fetcher, h.sink, logging.Discard(), WithPageSizeCap(50))
	h.sched = NewScheduler(h.reg, h.cps, worker, logging.Discard(),
		SchedulerConfig{TickInterval: 10 * time.Millisecond, MaxConcurrent: maxConcurrent, Lookback: 24 * time.Hour},
		WithClock(h.clock.Now), WithNotifier(h.notifier))
	return h
}

func seedCheckpoint(tick time.Time) func(b *checkpoint.MemoryBackend) {
	return func(b *checkpoint.MemoryBackend) {
		_ = b.Set(context.Background(), checkpoint.KeyLastSyncTick, tick.Format(time.RFC3339))
		_ = b.Set(context.Background(), checkpoint.KeyFirstRun, "false")
	}
}

func TestScheduler_FirstRunScenario(t *testing.T) {
	h := newHarness(t, []string{"a@x", "b@x"}, 2, nil)
	require.True(t, h.cps.Current().FirstRun)

	start := tick0.Add(5 * time.Second)
	h.clock.Advance(5 * time.Second)

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Zero(t, report.Failures)
	assert.True(t, report.FirstRun)
	assert.True(t, report.CheckpointAdvanced)
	assert.True(t, report.FirstRunCleared)
	assert.Equal(t, 6, report.ItemsProcessed())

	cp := h.cps.Current()
	assert.False(t, cp.FirstRun)
	assert.Equal(t, start, cp.LastSyncTick)

	for _, a := range []string{"a@x", "b@x"} {
		assert.Equal(t, []Filter{{}}, h.fetcher.filters[a], "full inbox for %s", a)
		st, ok := h.reg.Get(a)
		require.True(t, ok)
		assert.Equal(t, start.Add(policy.PollInterval), st.NextEligibleAt)
	}
	assert.Equal(t, StateIdle, h.sched.State())
	require.Len(t, h.notifier.reports, 1)
	assert.Equal(t, report.ID, h.notifier.reports[0].ID)
}

func TestScheduler_PartialFailureWithholdsCheckpoint(t *testing.T) {
	prev := tick0.Add(-time.Hour)
	h := newHarness(t, []string{"a@x", "b@x", "c@x"}, 2, seedCheckpoint(prev))
	h.fetcher.add("b@x", &fakeMailbox{items: makeItems("b", 150), failPageAt: 2})
	before := h.cps.Current()

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 1, report.Failures)
	assert.False(t, report.CheckpointAdvanced)
	assert.Equal(t, before, h.cps.Current(), "checkpoint and first run unchanged")

	var failed Outcome
	for _, o := range report.Outcomes {
		if o.Address == "b@x" {
			failed = o
		}
	}
	assert.Equal(t, StatusFailure, failed.Status)
	assert.Equal(t, 50, failed.ItemsProcessed)

	b, _ := h.reg.Get("b@x")
	assert.Equal(t, tick0.Add(policy.BackoffInterval), b.NextEligibleAt)
	for _, a := range []string{"a@x", "c@x"} {
		st, _ := h.reg.Get(a)
		assert.Equal(t, tick0.Add(policy.PollInterval), st.NextEligibleAt)
		assert.Equal(t, 3, h.sink.count(a))
	}

	since := prev.Add(-24 * time.Hour)
	assert.Equal(t, Filter{Since: since}, h.fetcher.filters["a@x"][0])
}

func TestScheduler_OutcomesInRegistryOrder(t *testing.T) {
	h := newHarness(t, []string{"c@x", "a@x", "b@x"}, 3, seedCheckpoint(tick0))
	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	var got []string
	for _, o := range report.Outcomes {
		got = append(got, o.Address)
	}
	assert.Equal(t, []string{"c@x", "a@x", "b@x"}, got)
}

func TestScheduler_CheckpointMonotonic(t *testing.T) {
	h := newHarness(t, []string{"a@x"}, 1, seedCheckpoint(tick0.Add(-time.Hour)))

	var ticks []time.Time
	for i := 0; i < 3; i++ {
		_, err := h.sched.Tick(context.Background())
		require.NoError(t, err)
		ticks = append(ticks, h.cps.Current().LastSyncTick)
		h.clock.Advance(policy.PollInterval)
	}
	for i := 1; i < len(ticks); i++ {
		assert.False(t, ticks[i].Before(ticks[i-1]))
	}
	assert.Equal(t, tick0.Add(2*policy.PollInterval), ticks[2])
}

func TestScheduler_NothingDue(t *testing.T) {
	h := newHarness(t, []string{"a@x"}, 1, seedCheckpoint(tick0))
	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, StateIdle, h.sched.State())
	assert.Equal(t, 1, h.fetcher.calls("a@x"))
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	addrs := []string{"a@x", "b@x", "c@x", "d@x", "e@x"}
	h := newHarness(t, addrs, 2, seedCheckpoint(tick0))
	h.fetcher.delay = 20 * time.Millisecond

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failures)
	assert.Equal(t, 5, h.fetcher.opened)
	assert.LessOrEqual(t, h.fetcher.maxOpen, 2)
}

type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingRunner) Run(_ context.Context, address string, _ Window) Outcome {
	r.calls.Add(1)
	r.entered <- struct{}{}
	<-r.release
	return Outcome{Address: address, Status: StatusSuccess}
}

func newBlockingScheduler(t *testing.T) (*Scheduler, *blockingRunner, *checkpoint.Store) {
	t.Helper()
	clock := &fakeClock{now: tick0}
	cps := checkpoint.New(checkpoint.NewMemoryBackend(), checkpoint.WithClock(clock.Now))
	_, err := cps.Load(context.Background())
	require.NoError(t, err)
	runner := &blockingRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	reg := registry.New([]string{"a@x"}, policy, tick0)
	s := NewScheduler(reg, cps, runner, logging.Discard(),
		SchedulerConfig{TickInterval: 5 * time.Millisecond, MaxConcurrent: 1}, WithClock(clock.Now))
	return s, runner, cps
}

func TestScheduler_ReentrantTickDropped(t *testing.T) {
	s, runner, _ := newBlockingScheduler(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(context.Background())
		done <- err
	}()
	<-runner.entered

	assert.Equal(t, StateDispatching, s.State())
	_, err := s.Tick(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)

	close(runner.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestScheduler_RunWaitsForInFlightCycle(t *testing.T) {
	s, runner, cps := newBlockingScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-runner.entered

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the cycle finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(runner.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int32(1), runner.calls.Load(), "ticks during the cycle were dropped")
	assert.False(t, cps.Current().FirstRun, "cycle aggregated after cancellation")
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, string, Window) Outcome {
	panic("worker bug")
}

func TestScheduler_WorkerPanicIsMailboxFailure(t *testing.T) {
	cps := checkpoint.New(checkpoint.NewMemoryBackend())
	_, err := cps.Load(context.Background())
	require.NoError(t, err)
	before := cps.Current()
	reg := registry.New([]string{"a@x"}, policy, tick0)
	s := NewScheduler(reg, cps, panicRunner{}, logging.Discard(),
		SchedulerConfig{MaxConcurrent: 1}, WithClock(func() time.Time { return tick0 }))

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.ErrorIs(t, report.Outcomes[0].Err, ErrWorkerPanic)
	assert.Equal(t, before, cps.Current())

	st, _ := reg.Get("a@x")
	assert.Equal(t, tick0.Add(policy.BackoffInterval), st.NextEligibleAt)
}

func TestScheduler_DispatcherPanicIsFatal(t *testing.T) {
	h := newHarness(t, []string{"a@x"}, 1, seedCheckpoint(tick0))
	h.notifier.panics = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.sched.Run(ctx)
	assert.ErrorIs(t, err, ErrSchedulerPanic)
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestScheduler_NotifyHoldsCycleGuard(t *testing.T) {
	h := newHarness(t, []string{"a@x"}, 1, seedCheckpoint(tick0))

	var (
		state   State
		tickErr error
	)
	h.notifier.during = func() {
		state = h.sched.State()
		_, tickErr = h.sched.Tick(context.Background())
	}

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, StateAggregating, state)
	assert.ErrorIs(t, tickErr, ErrCycleInFlight)
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestScheduler_Trigger(t *testing.T) {
	h := newHarness(t, []string{"a@x", "b@x"}, 2, seedCheckpoint(tick0))
	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	require.NoError(t, h.sched.Trigger("b@x"))
	assert.ErrorIs(t, h.sched.Trigger("zz@x"), registry.ErrUnknownMailbox)

	report, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "b@x", report.Outcomes[0].Address)
}

func TestScheduler_Snapshot(t *testing.T) {
	h := newHarness(t, []string{"a@x"}, 1, seedCheckpoint(tick0))
	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	snap := h.sched.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, uint64(1), snap.Cycles)
	require.NotNil(t, snap.LastReport)
	require.Len(t, snap.Mailboxes, 1)
	assert.Equal(t, tick0, snap.Checkpoint.LastSyncTick)
}

func TestStateTransitions(t *testing.T) {
	s := &Scheduler{}
	assert.Error(t, s.transition(StateIdle, StateDispatching))
	require.NoError(t, s.transition(StateIdle, StateTickPending))
	assert.Error(t, s.transition(StateIdle, StateTickPending))
	require.NoError(t, s.transition(StateTickPending, StateDispatching))
	assert.Error(t, s.transition(StateDispatching, StateIdle))
	require.NoError(t, s.transition(StateDispatching, StateAggregating))
	require.NoError(t, s.transition(StateAggregating, StateIdle))
	assert.Equal(t, "aggregating", StateAggregating.String())
}
