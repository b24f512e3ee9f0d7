package pump

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/turtacn/closedloop/pkg/errors"
)

// Operation names accepted by Virtual.FailNext.
const (
	OpConnect         = "connect"
	OpSetTempBasal    = "set-temp-basal"
	OpCancelTempBasal = "cancel-temp-basal"
	OpBolus           = "bolus"
	OpCustom          = "custom"
)

const bolusStep = 0.05

// Virtual is a software pump. It answers every capability immediately (or
// after Latency) and tracks its own temp basal, so the daemon and tests can
// run without hardware.
type Virtual struct {
	mu          sync.Mutex
	baseBasal   float64
	initialized bool
	suspended   bool
	connected   bool
	latency     time.Duration
	failNext    map[string]errors.ErrorCode
	tempBasal   *TempBasal
	calls       []string
	now         func() time.Time
}

func NewVirtual(baseBasal float64) *Virtual {
	return &Virtual{
		baseBasal:   baseBasal,
		initialized: true,
		failNext:    make(map[string]errors.ErrorCode),
		now:         time.Now,
	}
}

func (v *Virtual) Name() string { return "virtual" }

// SetLatency makes every call block for d (or until ctx ends).
func (v *Virtual) SetLatency(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.latency = d
}

func (v *Virtual) SetSuspended(s bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.suspended = s
}

func (v *Virtual) SetInitialized(i bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialized = i
}

// FailNext makes the next call of op fail with code.
func (v *Virtual) FailNext(op string, code errors.ErrorCode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext[op] = code
}

// Calls lists the operations executed so far.
func (v *Virtual) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.calls))
	copy(out, v.calls)
	return out
}

// RunningTempBasal is the temp basal the pump itself is running.
func (v *Virtual) RunningTempBasal() (TempBasal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tempBasal == nil || !v.tempBasal.ActiveAt(v.now()) {
		return TempBasal{}, false
	}
	return *v.tempBasal, true
}

func (v *Virtual) Connect(ctx context.Context) error {
	if err := v.wait(ctx); err != nil {
		return errors.New(errors.ErrCodeCommunicationTimeout, "Connect", "virtual pump did not answer", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if code, ok := v.takeFailure(OpConnect); ok {
		return errors.New(code, "Connect", "injected connect failure", nil)
	}
	v.connected = true
	return nil
}

func (v *Virtual) Disconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
}

func (v *Virtual) IsInitialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

func (v *Virtual) IsSuspended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.suspended
}

func (v *Virtual) BaseBasal(time.Time) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baseBasal
}

func (v *Virtual) SetTempBasalAbsolute(ctx context.Context, rate float64, d time.Duration) Result {
	if r, ok := v.begin(ctx, OpSetTempBasal); !ok {
		return r
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tempBasal = &TempBasal{Start: v.now(), Duration: d, Rate: rate}
	return Result{Success: true, Enacted: true, Absolute: rate, Duration: d,
		Comment: fmt.Sprintf("temp basal %.2f U/h for %s", rate, d)}
}

func (v *Virtual) SetTempBasalPercent(ctx context.Context, percent int, d time.Duration) Result {
	if r, ok := v.begin(ctx, OpSetTempBasal); !ok {
		return r
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tempBasal = &TempBasal{Start: v.now(), Duration: d, Percent: percent, IsPercent: true}
	return Result{Success: true, Enacted: true, Percent: percent, IsPercent: true, Duration: d,
		Comment: fmt.Sprintf("temp basal %d%% for %s", percent, d)}
}

func (v *Virtual) CancelTempBasal(ctx context.Context, enforceNew bool) Result {
	if r, ok := v.begin(ctx, OpCancelTempBasal); !ok {
		return r
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	running := v.tempBasal != nil && v.tempBasal.ActiveAt(v.now())
	v.tempBasal = nil
	return Result{Success: true, Enacted: running || enforceNew, IsTempCancel: true, Comment: "temp basal cancelled"}
}

func (v *Virtual) DeliverBolus(ctx context.Context, req BolusRequest, progress *BolusProgress) Result {
	if r, ok := v.begin(ctx, OpBolus); !ok {
		return r
	}
	if progress != nil {
		progress.Begin(req.Units)
	}

	delivered := 0.0
	for delivered+bolusStep/2 < req.Units {
		if progress != nil && progress.StopRequested() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		delivered = math.Min(req.Units, delivered+bolusStep)
		if progress != nil {
			progress.Update(delivered, fmt.Sprintf("delivering %.2f U", delivered))
		}
	}
	delivered = math.Round(delivered*100) / 100

	status := "delivered"
	if delivered < req.Units {
		status = "stopped"
	}
	if progress != nil {
		progress.Finish(status)
	}
	return Result{
		Success:        delivered > 0 || req.Units == 0,
		Enacted:        delivered > 0,
		BolusDelivered: delivered,
		IsSMB:          req.SMB,
		Comment:        fmt.Sprintf("bolus %s %.2f/%.2f U", status, delivered, req.Units),
	}
}

func (v *Virtual) CustomCommand(ctx context.Context, cmd Custom) Result {
	if r, ok := v.begin(ctx, OpCustom); !ok {
		return r
	}
	return Result{Success: true, Enacted: true, Comment: "custom command " + cmd.Name}
}

// begin applies latency, records the call and consumes injected failures.
func (v *Virtual) begin(ctx context.Context, op string) (Result, bool) {
	if err := v.wait(ctx); err != nil {
		return Failed(errors.ErrCodeCommunicationTimeout, op+": "+err.Error()), false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, op)
	if code, ok := v.takeFailure(op); ok {
		return Failed(code, op+": injected failure"), false
	}
	if v.suspended && op != OpCancelTempBasal && op != OpCustom {
		return Failed(errors.ErrCodeDeviceRejected, op+": pump suspended"), false
	}
	return Result{}, true
}

func (v *Virtual) takeFailure(op string) (errors.ErrorCode, bool) {
	code, ok := v.failNext[op]
	if ok {
		delete(v.failNext, op)
	}
	return code, ok
}

func (v *Virtual) wait(ctx context.Context) error {
	v.mu.Lock()
	d := v.latency
	v.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Personal.AI order the ending
