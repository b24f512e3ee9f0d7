// Package orchestrator drives the controller: it resolves the running mode,
// asks the dosing algorithm for a decision, constrains it and hands the
// resulting commands to the pump queue.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/closedloop/internal/audit"
	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/glucose"
	"github.com/turtacn/closedloop/internal/monitor"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/logger"
)

// Outcome of a loop pass.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeNoChange        Outcome = "no-change"
	OutcomePendingApproval Outcome = "pending-approval"
	OutcomeEnacted         Outcome = "enacted"
	OutcomeFailed          Outcome = "failed"
)

// Run records one pass of the loop.
type Run struct {
	ID          uuid.UUID
	Initiator   string
	Started     time.Time
	Mode        runningmode.Mode
	Glucose     *glucose.Status
	Suggestion  *Suggestion
	Constrained *Suggestion
	Outcome     Outcome
	Reason      string
	Futures     []*commandqueue.Future
}

// GlucoseSource yields the current glucose status, failing with StaleData
// when the data is too old to act on.
type GlucoseSource interface {
	Status(now time.Time) (glucose.Status, error)
}

// Queue is the part of the command queue the loop drives.
type Queue interface {
	Enqueue(cmd commandqueue.Command) *commandqueue.Future
	BolusInQueue() bool
}

// Deps wires a Loop. Store, Queue, Device and Glucose are required.
type Deps struct {
	Store       *runningmode.Store
	Queue       Queue
	Device      pump.Device
	Sync        pump.Sync
	Glucose     GlucoseSource
	Algorithm   Algorithm
	Constraints Constraints
	Audit       audit.Sink
	Notifier    audit.Notifier
	Logger      logger.Logger
	Now         func() time.Time
	// ApprovalTTL bounds how long an open-loop suggestion waits for approval.
	ApprovalTTL time.Duration
}

// Loop is the decision orchestrator.
type Loop struct {
	store       *runningmode.Store
	queue       Queue
	device      pump.Device
	sync        pump.Sync
	glucose     GlucoseSource
	algorithm   Algorithm
	constraints Constraints
	audit       audit.Sink
	notifier    audit.Notifier
	log         logger.Logger
	now         func() time.Time
	approvalTTL time.Duration

	group singleflight.Group

	mu       sync.Mutex
	pending  *Run
	approved bool
	last     *Run
}

func New(d Deps) *Loop {
	l := &Loop{
		store:       d.Store,
		queue:       d.Queue,
		device:      d.Device,
		sync:        d.Sync,
		glucose:     d.Glucose,
		algorithm:   d.Algorithm,
		constraints: d.Constraints,
		audit:       d.Audit,
		notifier:    d.Notifier,
		log:         logger.OrDefault(d.Logger),
		now:         d.Now,
		approvalTTL: d.ApprovalTTL,
	}
	if l.sync == nil {
		l.sync = pump.NewLocalSync()
	}
	if l.algorithm == nil {
		l.algorithm = Hold{}
	}
	if l.constraints == nil {
		l.constraints = Limits{}
	}
	if l.audit == nil {
		l.audit = audit.NewLogSink(l.log)
	}
	if l.notifier == nil {
		l.notifier = audit.Discard{}
	}
	l.notifier = audit.NewBestEffort(l.notifier, l.log)
	if l.now == nil {
		l.now = time.Now
	}
	if l.approvalTTL <= 0 {
		l.approvalTTL = consts.DefaultFreshnessBound
	}
	return l
}

// Invoke runs one decision pass. Calls with the same flags that overlap an
// in-flight pass share its result. A pass skipped for mode or pump reasons
// returns a nil error; stale glucose returns StaleData alongside the skipped
// run.
func (l *Loop) Invoke(ctx context.Context, initiator string, allowNotification, tempBasalFallback bool) (*Run, error) {
	// only callers asking for the same pass share it; the pass outlives
	// the caller that started it
	key := fmt.Sprintf("invoke:%t:%t", allowNotification, tempBasalFallback)
	shared := context.WithoutCancel(ctx)
	v, err, coalesced := l.group.Do(key, func() (interface{}, error) {
		return l.invoke(shared, initiator, allowNotification, tempBasalFallback)
	})
	if coalesced {
		l.log.Debug("Loop invocation coalesced", "initiator", initiator)
	}
	run, _ := v.(*Run)
	return run, err
}

func (l *Loop) invoke(ctx context.Context, initiator string, allowNotification, tempBasalFallback bool) (*Run, error) {
	now := l.now()
	run := &Run{ID: uuid.New(), Initiator: initiator, Started: now}
	defer func() {
		monitor.LoopRuns.WithLabelValues(string(run.Outcome)).Inc()
		l.mu.Lock()
		l.last = run
		l.mu.Unlock()
	}()

	rec, err := l.store.ActiveAt(ctx, now)
	if err != nil {
		run.Outcome, run.Reason = OutcomeFailed, err.Error()
		return run, err
	}
	run.Mode = rec.Mode

	if reason := l.skipReason(rec.Mode); reason != "" {
		run.Outcome, run.Reason = OutcomeSkipped, reason
		l.log.Info("Loop skipped", "initiator", initiator, "reason", reason)
		return run, nil
	}

	gs, err := l.glucose.Status(now)
	if err != nil {
		run.Outcome, run.Reason = OutcomeSkipped, err.Error()
		l.log.Warn("Loop skipped", "initiator", initiator, "err", err)
		return run, err
	}
	run.Glucose = &gs

	in := Input{Now: now, Mode: rec.Mode, Glucose: gs, BaseBasal: l.device.BaseBasal(now)}
	if tb, ok := l.sync.ExpectedTempBasal(now); ok {
		in.TempBasal = &tb
	}

	s, err := l.algorithm.Suggest(ctx, in)
	if err != nil {
		run.Outcome, run.Reason = OutcomeFailed, err.Error()
		l.log.Error("Algorithm failed", "initiator", initiator, "err", err)
		return run, err
	}
	run.Suggestion = &s

	c := l.constraints.Apply(s, in)
	if rec.Mode == runningmode.ClosedLoopLGS {
		c = lowGlucoseSuspendOnly(c, in.BaseBasal)
	}
	run.Constrained = &c
	l.log.Info("Loop decision", "initiator", initiator, "mode", rec.Mode, "bg", gs.Glucose,
		"delta", gs.Delta, "suggestion", c.String())

	if !l.changesDelivery(c, in) {
		run.Outcome, run.Reason = OutcomeNoChange, c.Reason
		return run, nil
	}

	if rec.Mode == runningmode.OpenLoop && !l.takeApproval() {
		run.Outcome, run.Reason = OutcomePendingApproval, c.String()
		l.mu.Lock()
		l.pending = run
		l.mu.Unlock()
		if allowNotification {
			l.notifier.Notify(ctx, "Loop suggestion", c.String())
		}
		return run, nil
	}

	run.Futures = l.enact(c, in, tempBasalFallback)
	run.Outcome, run.Reason = OutcomeEnacted, c.String()
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	return run, nil
}

func (l *Loop) skipReason(mode runningmode.Mode) string {
	switch {
	case !mode.IsLoopRunning():
		return fmt.Sprintf("loop not running in %s", mode)
	case !l.device.IsInitialized():
		return "pump not initialized"
	case l.device.IsSuspended():
		return "pump suspended"
	case l.queue.BolusInQueue():
		return "bolus in progress"
	}
	return ""
}

func (l *Loop) changesDelivery(c Suggestion, in Input) bool {
	if c.SMB > 0 {
		return true
	}
	if !c.TempBasal {
		return false
	}
	if sameRate(c.Rate, in.BaseBasal) {
		return in.TempBasal != nil
	}
	return true
}

func (l *Loop) enact(c Suggestion, in Input, tempBasalFallback bool) []*commandqueue.Future {
	var out []*commandqueue.Future
	if c.TempBasal {
		switch {
		case sameRate(c.Rate, in.BaseBasal) && in.TempBasal != nil:
			out = append(out, l.queue.Enqueue(commandqueue.NewCancelTempBasal(false, false)))
		case !sameRate(c.Rate, in.BaseBasal):
			out = append(out, l.queue.Enqueue(commandqueue.NewSetTempBasalAbsolute(c.Rate, c.Duration, false)))
		}
	}
	if c.SMB > 0 && !tempBasalFallback {
		out = append(out, l.queue.Enqueue(commandqueue.NewSMB(c.SMB)))
	}
	return out
}

// AcceptChangeRequest approves the pending open-loop suggestion so the next
// Invoke enacts its decision. It reports false when nothing is pending or
// the suggestion has gone stale.
func (l *Loop) AcceptChangeRequest(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return false
	}
	if l.now().Sub(l.pending.Started) > l.approvalTTL {
		l.log.Warn("Open loop suggestion expired before approval", "run", l.pending.ID)
		l.pending = nil
		return false
	}
	l.approved = true
	l.audit.Record(ctx, audit.NewEntry(audit.ActorUser, "accept-change-request", l.now(), l.pending.Reason))
	return true
}

func (l *Loop) takeApproval() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.approved
	l.approved = false
	return ok
}

// Pending returns the open-loop suggestion awaiting approval.
func (l *Loop) Pending() (*Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending, l.pending != nil
}

// LastRun returns the most recent completed pass.
func (l *Loop) LastRun() (*Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.last != nil
}

// Run invokes the loop every interval until ctx ends. The guard, when set,
// is checked before each pass.
func (l *Loop) Run(ctx context.Context, interval time.Duration, guard *DSTGuard) {
	if interval <= 0 {
		interval = consts.DefaultLoopInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		if guard != nil {
			if _, err := guard.Check(ctx, l.now()); err != nil {
				l.log.Error("DST guard failed", "err", err)
			}
		}
		if _, err := l.Invoke(ctx, "timer", true, false); err != nil && !errors.Is(err, errors.ErrCodeStaleData) {
			l.log.Error("Loop pass failed", "err", err)
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Personal.AI order the ending
