package orchestrator

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/closedloop/internal/audit"
	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/glucose"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/logger"
)

type fakeGlucose struct {
	status glucose.Status
	err    error
}

func (f *fakeGlucose) Status(time.Time) (glucose.Status, error) { return f.status, f.err }

type scriptedAlgorithm struct {
	mu    sync.Mutex
	next  Suggestion
	calls int32
}

func (a *scriptedAlgorithm) Suggest(context.Context, Input) (Suggestion, error) {
	atomic.AddInt32(&a.calls, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next, nil
}

func (a *scriptedAlgorithm) set(s Suggestion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = s
}

type harness struct {
	loop     *Loop
	store    *runningmode.Store
	queue    *commandqueue.Queue
	device   *pump.Virtual
	sync     *pump.LocalSync
	algo     *scriptedAlgorithm
	sink     *audit.MemorySink
	notes    *audit.Recorder
	clock    time.Time
	glucose  *fakeGlucose
	quietLog logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		device:   pump.NewVirtual(1.0),
		sync:     pump.NewLocalSync(),
		algo:     &scriptedAlgorithm{},
		sink:     audit.NewMemorySink(),
		notes:    &audit.Recorder{},
		glucose:  &fakeGlucose{status: glucose.Status{Glucose: 140, Delta: 3}},
		quietLog: logger.New(io.Discard, "error"),
	}
	h.store = runningmode.NewStore(runningmode.NewMemoryRepository(), h.quietLog)
	// not started: enqueued commands stay pending for inspection
	h.queue = commandqueue.New(h.device, h.sync, commandqueue.Options{Logger: h.quietLog})
	h.loop = New(Deps{
		Store:       h.store,
		Queue:       h.queue,
		Device:      h.device,
		Sync:        h.sync,
		Glucose:     h.glucose,
		Algorithm:   h.algo,
		Constraints: Limits{MaxBasal: 4, MaxSMB: 1},
		Audit:       h.sink,
		Notifier:    h.notes,
		Logger:      h.quietLog,
		Now:         func() time.Time { return h.clock },
	})
	return h
}

func (h *harness) setMode(t *testing.T, m runningmode.Mode) {
	t.Helper()
	_, err := h.store.InsertOrUpdate(context.Background(), runningmode.Record{
		Mode: m, Timestamp: h.clock.Add(-time.Hour), IsValid: true,
	})
	require.NoError(t, err)
}

func TestInvoke_SkipsWhenLoopNotRunning(t *testing.T) {
	h := newHarness(t)
	h.setMode(t, runningmode.DisabledLoop)
	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, run.Outcome)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.algo.calls))
}

func TestInvoke_SkipsWhenPumpUnavailable(t *testing.T) {
	h := newHarness(t)
	h.device.SetSuspended(true)
	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, run.Outcome)
	assert.Equal(t, "pump suspended", run.Reason)

	h.device.SetSuspended(false)
	h.device.SetInitialized(false)
	run, _ = h.loop.Invoke(context.Background(), "test", false, false)
	assert.Equal(t, "pump not initialized", run.Reason)
}

func TestInvoke_SkipsWhileBolusQueued(t *testing.T) {
	h := newHarness(t)
	h.queue.Enqueue(commandqueue.NewBolus(2))
	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, "bolus in progress", run.Reason)
}

func TestInvoke_StaleGlucose(t *testing.T) {
	h := newHarness(t)
	h.glucose.err = errors.New(errors.ErrCodeStaleData, "Status", "newest sample too old", nil)
	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	assert.True(t, errors.Is(err, errors.ErrCodeStaleData))
	require.NotNil(t, run)
	assert.Equal(t, OutcomeSkipped, run.Outcome)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.algo.calls))
}

func TestInvoke_ClosedLoopEnactsConstrainedTempBasal(t *testing.T) {
	h := newHarness(t)
	h.algo.set(Suggestion{TempBasal: true, Rate: 9, Duration: 30 * time.Minute, Reason: "high"})

	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnacted, run.Outcome)
	assert.Equal(t, 9.0, run.Suggestion.Rate)
	assert.Equal(t, 4.0, run.Constrained.Rate)
	assert.Len(t, run.Futures, 1)
	assert.True(t, h.queue.IsQueued(commandqueue.TypeTempBasalAbsolute))
}

func TestInvoke_SMBUnlessFallback(t *testing.T) {
	h := newHarness(t)
	h.algo.set(Suggestion{SMB: 0.4, Reason: "rising"})

	run, err := h.loop.Invoke(context.Background(), "test", false, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnacted, run.Outcome)
	assert.False(t, h.queue.IsQueued(commandqueue.TypeSMB), "temp basal fallback drops SMB")

	_, err = h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.True(t, h.queue.IsQueued(commandqueue.TypeSMB))
}

func TestInvoke_NoChangeAtScheduledRate(t *testing.T) {
	h := newHarness(t)
	h.algo.set(Suggestion{TempBasal: true, Rate: 1.0, Duration: 30 * time.Minute, Reason: "in range"})

	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, run.Outcome)
	assert.Equal(t, 0, h.queue.Size())

	// with a temp basal running the same decision cancels it
	h.sync.SyncTempBasal(pump.TempBasal{Start: h.clock.Add(-10 * time.Minute), Duration: time.Hour, Rate: 2})
	run, err = h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnacted, run.Outcome)
	assert.True(t, h.queue.IsQueued(commandqueue.TypeCancelTempBasal))
}

func TestInvoke_LowGlucoseSuspendCapsInsulin(t *testing.T) {
	h := newHarness(t)
	h.setMode(t, runningmode.ClosedLoopLGS)
	h.algo.set(Suggestion{TempBasal: true, Rate: 3, Duration: 30 * time.Minute, SMB: 0.5, Reason: "high"})

	run, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, run.Constrained.Rate)
	assert.Equal(t, 0.0, run.Constrained.SMB)
	assert.Equal(t, OutcomeNoChange, run.Outcome)

	// reductions still pass through
	h.algo.set(Suggestion{TempBasal: true, Rate: 0, Duration: 30 * time.Minute, Reason: "low"})
	run, err = h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnacted, run.Outcome)
	assert.Equal(t, 0.0, run.Constrained.Rate)
}

func TestInvoke_OpenLoopWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	h.setMode(t, runningmode.OpenLoop)
	h.algo.set(Suggestion{TempBasal: true, Rate: 2, Duration: 30 * time.Minute, Reason: "high"})

	assert.False(t, h.loop.AcceptChangeRequest(context.Background()), "nothing pending yet")

	run, err := h.loop.Invoke(context.Background(), "test", true, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, run.Outcome)
	assert.Equal(t, 0, h.queue.Size())
	assert.Len(t, h.notes.All(), 1)
	_, pending := h.loop.Pending()
	assert.True(t, pending)

	assert.True(t, h.loop.AcceptChangeRequest(context.Background()))
	run, err = h.loop.Invoke(context.Background(), "accept", false, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnacted, run.Outcome)
	assert.True(t, h.queue.IsQueued(commandqueue.TypeTempBasalAbsolute))
	_, pending = h.loop.Pending()
	assert.False(t, pending)

	entries := h.sink.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "accept-change-request", entries[len(entries)-1].Action)
}

func TestAcceptChangeRequest_Expires(t *testing.T) {
	h := newHarness(t)
	h.setMode(t, runningmode.OpenLoop)
	h.algo.set(Suggestion{TempBasal: true, Rate: 2, Duration: 30 * time.Minute})

	_, err := h.loop.Invoke(context.Background(), "test", false, false)
	require.NoError(t, err)
	h.clock = h.clock.Add(20 * time.Minute)
	assert.False(t, h.loop.AcceptChangeRequest(context.Background()))
}

type blockingAlgorithm struct {
	calls      int32
	suggestion Suggestion
	started    chan struct{}
	release    chan struct{}
}

func (a *blockingAlgorithm) Suggest(context.Context, Input) (Suggestion, error) {
	if atomic.AddInt32(&a.calls, 1) == 1 {
		close(a.started)
	}
	<-a.release
	if a.suggestion.Reason == "" {
		return Suggestion{Reason: "hold"}, nil
	}
	return a.suggestion, nil
}

func TestInvoke_ConcurrentCallsCoalesce(t *testing.T) {
	h := newHarness(t)
	algo := &blockingAlgorithm{started: make(chan struct{}), release: make(chan struct{})}
	h.loop.algorithm = algo

	runs := make(chan *Run, 2)
	go func() {
		r, _ := h.loop.Invoke(context.Background(), "timer", false, false)
		runs <- r
	}()
	<-algo.started
	go func() {
		r, _ := h.loop.Invoke(context.Background(), "user", false, false)
		runs <- r
	}()
	time.Sleep(50 * time.Millisecond)
	close(algo.release)

	a, b := <-runs, <-runs
	assert.Same(t, a, b)
	assert.Equal(t, int32(1), atomic.LoadInt32(&algo.calls))
}

func TestInvoke_DifferentFlagsDoNotCoalesce(t *testing.T) {
	h := newHarness(t)
	algo := &blockingAlgorithm{
		suggestion: Suggestion{SMB: 0.4, Reason: "rising"},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	h.loop.algorithm = algo

	ctx, cancel := context.WithCancel(context.Background())
	fallback := make(chan *Run, 1)
	go func() {
		r, _ := h.loop.Invoke(ctx, "timer", false, true)
		fallback <- r
	}()
	<-algo.started
	smb := make(chan *Run, 1)
	go func() {
		r, _ := h.loop.Invoke(context.Background(), "user", false, false)
		smb <- r
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&algo.calls) == 2 }, time.Second, 5*time.Millisecond)
	// the first caller going away must not abort its pass
	cancel()
	close(algo.release)

	a, b := <-fallback, <-smb
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotSame(t, a, b)
	assert.True(t, h.queue.IsQueued(commandqueue.TypeSMB), "the pass without fallback delivers its SMB")
}

func TestRun_InvokesPeriodically(t *testing.T) {
	h := newHarness(t)
	h.loop.now = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.loop.Run(ctx, 10*time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.algo.calls) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	last, ok := h.loop.LastRun()
	require.True(t, ok)
	assert.Equal(t, "timer", last.Initiator)
}

func TestLimits_Apply(t *testing.T) {
	l := Limits{MaxBasal: 3, MaxSMB: 0.5}
	s := l.Apply(Suggestion{TempBasal: true, Rate: -1, SMB: 2}, Input{})
	assert.Equal(t, 0.0, s.Rate)
	assert.Equal(t, 0.5, s.SMB)
	assert.Contains(t, s.Reason, "SMB limited")
}
