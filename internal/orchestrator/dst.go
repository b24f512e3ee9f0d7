package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/turtacn/closedloop/internal/audit"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
)

// DSTGuard suspends the loop ahead of a UTC offset change on pumps that
// cannot follow a clock jump. The suspension lasts until one step past the
// change.
type DSTGuard struct {
	loop       *Loop
	loc        *time.Location
	window     time.Duration
	step       time.Duration
	handlesDST bool
}

func NewDSTGuard(l *Loop, loc *time.Location, window time.Duration, pumpHandlesDST bool) *DSTGuard {
	if loc == nil {
		loc = time.Local
	}
	if window <= 0 {
		window = consts.DefaultDSTWindow
	}
	return &DSTGuard{loop: l, loc: loc, window: window, step: consts.DefaultDSTStep, handlesDST: pumpHandlesDST}
}

// NextChange returns the first instant within the window after now at which
// the offset differs from the offset at now, to the minute.
func (g *DSTGuard) NextChange(now time.Time) (time.Time, bool) {
	_, base := now.In(g.loc).Zone()
	offsetAt := func(t time.Time) int {
		_, off := t.In(g.loc).Zone()
		return off
	}

	prev := now
	for t := now.Add(g.step); !t.After(now.Add(g.window)); t = t.Add(g.step) {
		if offsetAt(t) != base {
			for m := prev.Add(time.Minute); !m.After(t); m = m.Add(time.Minute) {
				if offsetAt(m) != base {
					return m.Truncate(time.Minute), true
				}
			}
			return t, true
		}
		prev = t
	}
	return time.Time{}, false
}

// Check forces SUSPENDED_BY_DST when an offset change is near. It reports
// whether a suspension was requested.
func (g *DSTGuard) Check(ctx context.Context, now time.Time) (bool, error) {
	if g.handlesDST {
		return false, nil
	}
	change, ok := g.NextChange(now)
	if !ok {
		return false, nil
	}

	current, err := g.loop.store.ActiveAt(ctx, now)
	if err != nil {
		return false, err
	}
	if current.Mode.IsSuspended() {
		// a new temporary record would cut the running suspension short
		return false, nil
	}
	if g.loop.store.CheckTransition(current.Mode, runningmode.SuspendedByDST) != nil {
		g.loop.log.Info("DST change ahead but current mode wins", "mode", current.Mode, "change", change)
		return false, nil
	}

	minutes := int(math.Ceil(float64(change.Sub(now)+g.step) / float64(time.Minute)))
	accepted, err := g.loop.HandleRunningModeChange(ctx, ModeChange{
		Mode:            runningmode.SuspendedByDST,
		Action:          "dst guard",
		Source:          audit.ActorDSTGuard,
		Reasons:         []string{fmt.Sprintf("UTC offset changes at %s", change.In(g.loc).Format(time.RFC3339))},
		DurationMinutes: minutes,
		AutoForced:      true,
	})
	if errors.Is(err, errors.ErrCodeInvalidTransition) {
		// another change landed between the check above and the write
		g.loop.log.Info("DST suspension lost to a concurrent mode change", "change", change)
		return false, nil
	}
	return accepted, err
}

// Personal.AI order the ending
