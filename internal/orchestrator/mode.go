package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/closedloop/internal/audit"
	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/monitor"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/errors"
)

// ModeChange is a request to switch the running mode.
type ModeChange struct {
	Mode   runningmode.Mode
	Action string
	// Source is the actor, one of the audit.Actor* values.
	Source          string
	Reasons         []string
	DurationMinutes int
	Profile         string
	AutoForced      bool
}

// HandleRunningModeChange validates the request against the transition
// table, persists it and issues the pump commands the new mode implies.
// Permanent modes are stored without duration; temporary modes last
// DurationMinutes and cut off any temporary mode still running. RESUME ends
// every active temporary mode early.
func (l *Loop) HandleRunningModeChange(ctx context.Context, req ModeChange) (bool, error) {
	now := l.now()
	reasons := strings.Join(req.Reasons, ", ")
	current, err := l.store.Transition(ctx, now, req.Mode, func(runningmode.Record) (runningmode.Record, error) {
		if req.Mode == runningmode.Resume {
			return runningmode.Record{Reasons: "resumed by " + req.Source}, nil
		}
		if req.Mode.IsTemporary() && req.DurationMinutes <= 0 {
			return runningmode.Record{}, errors.New(errors.ErrCodeInvalidTransition, "HandleRunningModeChange",
				fmt.Sprintf("%s requires a positive duration", req.Mode), nil)
		}
		rec := runningmode.Record{
			Timestamp:  now,
			UTCOffset:  utcOffset(now),
			Mode:       req.Mode,
			AutoForced: req.AutoForced,
			Reasons:    reasons,
			IsValid:    true,
		}
		if req.Mode.IsTemporary() {
			rec.Duration = time.Duration(req.DurationMinutes) * time.Minute
		}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidTransition) {
			l.reject(ctx, req, current.Mode, err.Error())
		}
		return false, err
	}

	l.applySideEffects(req)

	resolved, err := l.store.ActiveAt(ctx, now)
	if err == nil {
		monitor.SetActiveMode(string(resolved.Mode))
	}
	monitor.ModeChanges.WithLabelValues(string(req.Mode), "true").Inc()

	entry := audit.NewEntry(req.Source, "mode:"+string(req.Mode), now, req.Reasons...)
	entry.Fields = map[string]string{
		"from":   string(current.Mode),
		"action": req.Action,
	}
	if req.Mode.IsTemporary() {
		entry.Fields["minutes"] = strconv.Itoa(req.DurationMinutes)
	}
	if req.Profile != "" {
		entry.Fields["profile"] = req.Profile
	}
	if err := l.audit.Record(ctx, entry); err != nil {
		l.log.Warn("Audit record failed", "err", err)
	}
	l.notifier.Notify(ctx, "Running mode", describeChange(current.Mode, req))
	l.log.Info("Running mode changed", "from", current.Mode, "to", req.Mode, "source", req.Source,
		"minutes", req.DurationMinutes, "reasons", reasons)
	return true, nil
}

func (l *Loop) reject(ctx context.Context, req ModeChange, from runningmode.Mode, why string) {
	monitor.ModeChanges.WithLabelValues(string(req.Mode), "false").Inc()
	l.log.Warn("Running mode change rejected", "from", from, "to", req.Mode, "source", req.Source, "err", why)
	entry := audit.NewEntry(req.Source, "mode-rejected:"+string(req.Mode), l.now(), why)
	entry.Fields = map[string]string{"from": string(from)}
	if err := l.audit.Record(ctx, entry); err != nil {
		l.log.Warn("Audit record failed", "err", err)
	}
}

// applySideEffects enqueues the actuation each mode implies. Results are
// observed through the queue; the mode record stands regardless.
func (l *Loop) applySideEffects(req ModeChange) {
	d := time.Duration(req.DurationMinutes) * time.Minute
	switch req.Mode {
	case runningmode.DisconnectedPump, runningmode.SuperBolus:
		l.queue.Enqueue(commandqueue.NewSetTempBasalAbsolute(0, d, true))
	case runningmode.SuspendedByUser, runningmode.DisabledLoop:
		l.queue.Enqueue(commandqueue.NewCancelTempBasal(true, false))
	case runningmode.SuspendedByPump, runningmode.SuspendedByDST, runningmode.Resume:
		l.queue.Enqueue(commandqueue.NewCancelTempBasal(true, true))
	}
}

// MinutesToEndOfSuspend returns the whole minutes, rounded up, until the
// active SUSPENDED_* interval ends, or 0 when no suspension is active.
func (l *Loop) MinutesToEndOfSuspend(ctx context.Context, now time.Time) (int, error) {
	rec, ok, err := l.store.TemporaryModeActiveAt(ctx, now)
	if err != nil || !ok || !rec.Mode.IsSuspended() {
		return 0, err
	}
	left := rec.End().Sub(now)
	if left <= 0 {
		return 0, nil
	}
	return int(math.Ceil(float64(left) / float64(time.Minute))), nil
}

func describeChange(from runningmode.Mode, req ModeChange) string {
	msg := fmt.Sprintf("%s -> %s", from, req.Mode)
	if req.Mode.IsTemporary() {
		msg += fmt.Sprintf(" for %d min", req.DurationMinutes)
	}
	if req.Action != "" {
		msg += " (" + req.Action + ")"
	}
	return msg
}

func utcOffset(t time.Time) time.Duration {
	_, off := t.Zone()
	return time.Duration(off) * time.Second
}

// Personal.AI order the ending
