package commandqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/closedloop/internal/monitor"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/fsm"
	"github.com/turtacn/closedloop/pkg/logger"
)

// Observer sees every terminal result, including cancellations.
type Observer func(cmd Command, r pump.Result)

// Options tunes a Queue. Zero values select defaults.
type Options struct {
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	Logger         logger.Logger
	Now            func() time.Time
}

// Queue runs commands against a single device in FIFO order with at most
// one command executing at a time.
type Queue struct {
	mu        sync.Mutex
	pending   []Command
	executing Command
	observers []Observer
	closed    bool

	wake     chan struct{}
	env      Env
	opts     Options
	log      logger.Logger
	progress *pump.BolusProgress

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(device pump.Device, ps pump.Sync, opts Options) *Queue {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = consts.DefaultCommandTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = consts.DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.OrDefault(opts.Logger)
	progress := &pump.BolusProgress{}
	return &Queue{
		wake:     make(chan struct{}, 1),
		opts:     opts,
		log:      log,
		progress: progress,
		env: Env{
			Device:   device,
			Sync:     ps,
			Progress: progress,
			Now:      opts.Now,
			Log:      log,
		},
	}
}

// OnResult registers an observer. Observers run on the worker goroutine and
// must not block.
func (q *Queue) OnResult(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

// Progress exposes the bolus progress owned by the queue.
func (q *Queue) Progress() *pump.BolusProgress { return q.progress }

// Enqueue adds cmd and returns its future. A pending command with the same
// merge key is removed and resolved as cancelled. Enqueueing the same
// command twice returns the original future. After Stop the command is
// resolved as cancelled at once.
func (q *Queue) Enqueue(cmd Command) *Future {
	b := cmd.base()

	q.mu.Lock()
	if b.enqueued {
		q.mu.Unlock()
		return b.future
	}
	b.enqueued = true
	b.enqueuedAt = q.opts.Now()
	if q.closed {
		q.mu.Unlock()
		q.abandon(cmd, "queue stopped")
		return b.future
	}

	var superseded []Command
	if key := cmd.MergeKey(); key != "" {
		kept := q.pending[:0]
		for _, p := range q.pending {
			if p.MergeKey() == key {
				superseded = append(superseded, p)
				continue
			}
			kept = append(kept, p)
		}
		q.pending = kept
	}
	q.pending = append(q.pending, cmd)
	depth := len(q.pending)
	q.mu.Unlock()

	monitor.QueueDepth.Set(float64(depth))
	q.log.Info("Command queued", "command", b.id, "type", cmd.Type(), "desc", cmd.Describe(), "pending", depth)

	for _, old := range superseded {
		q.abandon(old, fmt.Sprintf("superseded by %s", cmd.Describe()))
	}
	q.signal()
	return b.future
}

// Cancel removes a pending command. It returns false when the command is
// executing, finished, or was never queued here.
func (q *Queue) Cancel(cmd Command) bool {
	q.mu.Lock()
	found := false
	for i, p := range q.pending {
		if p == cmd {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			found = true
			break
		}
	}
	depth := len(q.pending)
	q.mu.Unlock()

	if !found {
		return false
	}
	monitor.QueueDepth.Set(float64(depth))
	q.abandon(cmd, "cancelled by request")
	return true
}

// Clear abandons every pending command and returns how many were removed.
func (q *Queue) Clear(reason string) int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	monitor.QueueDepth.Set(0)
	for _, c := range dropped {
		q.abandon(c, reason)
	}
	return len(dropped)
}

// Size counts pending commands, excluding the one executing.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Performing returns the executing command, or nil.
func (q *Queue) Performing() Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing
}

// IsRunning reports whether a command of type t is executing.
func (q *Queue) IsRunning(t CommandType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing != nil && q.executing.Type() == t
}

// IsQueued reports whether a command of type t is pending.
func (q *Queue) IsQueued(t CommandType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p.Type() == t {
			return true
		}
	}
	return false
}

// BolusInQueue reports whether any bolus is pending or executing.
func (q *Queue) BolusInQueue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing != nil && isBolus(q.executing) {
		return true
	}
	for _, p := range q.pending {
		if isBolus(p) {
			return true
		}
	}
	return false
}

func isBolus(c Command) bool {
	return c.Type() == TypeBolus || c.Type() == TypeSMB
}

// Start launches the worker. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.stopped = make(chan struct{})
	go q.loop(ctx, q.stopped)
}

// Stop cancels the executing command's context, waits for the worker to
// exit and abandons whatever is still pending. Commands enqueued afterwards
// are cancelled immediately.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.runMu.Lock()
	cancel, stopped := q.cancel, q.stopped
	q.cancel = nil
	q.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	q.Clear("queue stopped")
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	q.log.Info("Command queue started")
	for {
		cmd := q.next()
		if cmd == nil {
			select {
			case <-ctx.Done():
				q.log.Info("Command queue stopped")
				return
			case <-q.wake:
				continue
			}
		}
		q.execute(ctx, cmd)
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the head and marks it executing.
func (q *Queue) next() Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	q.executing = cmd
	cmd.base().machine.Fire(StateExecuting)
	monitor.QueueDepth.Set(float64(len(q.pending)))
	return cmd
}

func (q *Queue) execute(ctx context.Context, cmd Command) {
	b := cmd.base()
	started := time.Now()
	q.log.Info("Command executing", "command", b.id, "type", cmd.Type(), "desc", cmd.Describe())

	r := q.run(ctx, cmd)

	final := StateSucceeded
	if !r.Success {
		final = StateFailed
	}
	b.machine.Fire(final)

	monitor.CommandDuration.WithLabelValues(string(cmd.Type())).Observe(time.Since(started).Seconds())
	if r.Success {
		q.log.Info("Command finished", "command", b.id, "type", cmd.Type(), "result", r.String())
	} else {
		q.log.Warn("Command failed", "command", b.id, "type", cmd.Type(), "code", r.Code, "comment", r.Comment)
	}
	q.finish(cmd, final, r)

	// The slot is released only after the result is published, so a drained
	// queue never has an unresolved command.
	q.mu.Lock()
	q.executing = nil
	idle := len(q.pending) == 0
	q.mu.Unlock()

	if idle {
		q.env.Device.Disconnect()
	}
}

// run connects and executes with the configured bounds. Panics become
// failed results.
func (q *Queue) run(ctx context.Context, cmd Command) (r pump.Result) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("Command panicked", "command", cmd.base().id, "type", cmd.Type(), "panic", p)
			r = pump.Failed(errors.ErrCodeDeviceRejected, fmt.Sprintf("command panicked: %v", p))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, q.opts.ConnectTimeout)
	err := q.env.Device.Connect(cctx)
	cancel()
	if err != nil {
		return pump.Failed(errors.ErrCodeCommunicationTimeout, "connect failed: "+err.Error())
	}

	timeout := cmd.Timeout()
	if timeout <= 0 {
		timeout = q.opts.CommandTimeout
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r = cmd.Execute(ectx, q.env)
	if !r.Success && r.Code == 0 {
		r.Code = errors.ErrCodeDeviceRejected
		if stderrors.Is(ectx.Err(), context.DeadlineExceeded) {
			r.Code = errors.ErrCodeCommunicationTimeout
		}
	}
	return r
}

func (q *Queue) abandon(cmd Command, reason string) {
	b := cmd.base()
	if err := b.machine.Fire(StateCancelled); err != nil {
		return
	}
	q.log.Info("Command cancelled", "command", b.id, "type", cmd.Type(), "reason", reason)
	q.finish(cmd, StateCancelled, cmd.Cancel(reason))
}

func (q *Queue) finish(cmd Command, state fsm.State, r pump.Result) {
	if !cmd.base().future.resolve(r) {
		return
	}
	monitor.CommandsTotal.WithLabelValues(string(cmd.Type()), resultLabel(state)).Inc()

	q.mu.Lock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, o := range observers {
		q.notify(o, cmd, r)
	}
}

func resultLabel(s fsm.State) string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (q *Queue) notify(o Observer, cmd Command, r pump.Result) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("Result observer panicked", "command", cmd.base().id, "panic", p)
		}
	}()
	o(cmd, r)
}

// Personal.AI order the ending
