// Package commandqueue serializes pump-bound actions: one command talks to the
// device at a time, pending commands of the same kind replace each other, and
// every command resolves its Future exactly once.
package commandqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/fsm"
	"github.com/turtacn/closedloop/pkg/logger"
)

// CommandType identifies the kind of action.
type CommandType string

const (
	TypeCancelTempBasal   CommandType = "cancel-temp-basal"
	TypeTempBasalAbsolute CommandType = "set-temp-basal-absolute"
	TypeTempBasalPercent  CommandType = "set-temp-basal-percent"
	TypeBolus             CommandType = "bolus"
	TypeSMB               CommandType = "smb-bolus"
	TypeCustom            CommandType = "custom"
)

// Lifecycle states.
const (
	StateQueued    fsm.State = "QUEUED"
	StateExecuting fsm.State = "EXECUTING"
	StateSucceeded fsm.State = "SUCCEEDED"
	StateFailed    fsm.State = "FAILED"
	StateCancelled fsm.State = "CANCELLED"
)

var lifecycle = fsm.NewPolicy().
	AddTransition(StateQueued, StateExecuting, StateCancelled).
	AddTransition(StateExecuting, StateSucceeded, StateFailed)

// Env is what a command may touch while it executes.
type Env struct {
	Device   pump.Device
	Sync     pump.Sync
	Progress *pump.BolusProgress
	Now      func() time.Time
	Log      logger.Logger
}

// Command is a single pump-bound action. Implementations embed *Base.
type Command interface {
	Type() CommandType
	// MergeKey groups commands that supersede each other while still pending.
	// An empty key never merges.
	MergeKey() string
	Execute(ctx context.Context, env Env) pump.Result
	// Cancel builds the result delivered when the command is abandoned
	// before it ran.
	Cancel(reason string) pump.Result
	// Timeout bounds Execute; zero selects the queue default.
	Timeout() time.Duration
	Describe() string

	base() *Base
}

// Base carries identity, lifecycle and the result future.
type Base struct {
	id         uuid.UUID
	autoForced bool
	enqueuedAt time.Time
	enqueued   bool
	machine    *fsm.StateMachine
	future     *Future
}

func newBase(autoForced bool) *Base {
	return &Base{
		id:         uuid.New(),
		autoForced: autoForced,
		machine:    fsm.New(StateQueued, lifecycle),
		future:     newFuture(),
	}
}

func (b *Base) base() *Base { return b }

func (b *Base) ID() uuid.UUID          { return b.id }
func (b *Base) AutoForced() bool       { return b.autoForced }
func (b *Base) EnqueuedAt() time.Time  { return b.enqueuedAt }
func (b *Base) Future() *Future        { return b.future }
func (b *Base) State() fsm.State       { return b.machine.Current() }
func (b *Base) Timeout() time.Duration { return 0 }

// StateOf returns the lifecycle state of c.
func StateOf(c Command) fsm.State { return c.base().machine.Current() }

// Cancel is the default abandonment result.
func (b *Base) Cancel(reason string) pump.Result {
	return pump.Failed(errors.ErrCodeCommandCancelled, reason)
}

// Future delivers a command's terminal result.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result pump.Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result and whether it is available yet.
func (f *Future) Result() (pump.Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return pump.Result{}, false
	}
}

// Wait blocks until the result is available or ctx ends. Giving up does
// not cancel the command.
func (f *Future) Wait(ctx context.Context) (pump.Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return pump.Result{}, ctx.Err()
	}
}

func (f *Future) resolve(r pump.Result) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Personal.AI order the ending
