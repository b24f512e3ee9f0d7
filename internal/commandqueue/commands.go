package commandqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/closedloop/internal/pump"
)

const mergeTempBasal = "temp-basal"

// SetTempBasalAbsolute sets a temp basal in U/h.
type SetTempBasalAbsolute struct {
	*Base
	Rate     float64
	Duration time.Duration
}

func NewSetTempBasalAbsolute(rate float64, d time.Duration, autoForced bool) *SetTempBasalAbsolute {
	return &SetTempBasalAbsolute{Base: newBase(autoForced), Rate: rate, Duration: d}
}

func (c *SetTempBasalAbsolute) Type() CommandType { return TypeTempBasalAbsolute }
func (c *SetTempBasalAbsolute) MergeKey() string  { return mergeTempBasal }
func (c *SetTempBasalAbsolute) Describe() string {
	return fmt.Sprintf("TEMP BASAL %.2f U/h %s", c.Rate, c.Duration)
}

func (c *SetTempBasalAbsolute) Execute(ctx context.Context, env Env) pump.Result {
	r := env.Device.SetTempBasalAbsolute(ctx, c.Rate, c.Duration)
	if r.Success && r.Enacted {
		env.Sync.SyncTempBasal(pump.TempBasal{Start: env.Now(), Duration: c.Duration, Rate: c.Rate})
	}
	return r
}

// SetTempBasalPercent sets a temp basal relative to the scheduled rate.
type SetTempBasalPercent struct {
	*Base
	Percent  int
	Duration time.Duration
}

func NewSetTempBasalPercent(percent int, d time.Duration, autoForced bool) *SetTempBasalPercent {
	return &SetTempBasalPercent{Base: newBase(autoForced), Percent: percent, Duration: d}
}

func (c *SetTempBasalPercent) Type() CommandType { return TypeTempBasalPercent }
func (c *SetTempBasalPercent) MergeKey() string  { return mergeTempBasal }
func (c *SetTempBasalPercent) Describe() string {
	return fmt.Sprintf("TEMP BASAL %d%% %s", c.Percent, c.Duration)
}

func (c *SetTempBasalPercent) Execute(ctx context.Context, env Env) pump.Result {
	r := env.Device.SetTempBasalPercent(ctx, c.Percent, c.Duration)
	if r.Success && r.Enacted {
		env.Sync.SyncTempBasal(pump.TempBasal{Start: env.Now(), Duration: c.Duration, Percent: c.Percent, IsPercent: true})
	}
	return r
}

// CancelTempBasal returns the pump to its scheduled basal. It shares the
// temp basal merge key, so it supersedes a pending set and vice versa.
type CancelTempBasal struct {
	*Base
	EnforceNew bool
}

func NewCancelTempBasal(enforceNew, autoForced bool) *CancelTempBasal {
	return &CancelTempBasal{Base: newBase(autoForced), EnforceNew: enforceNew}
}

func (c *CancelTempBasal) Type() CommandType { return TypeCancelTempBasal }
func (c *CancelTempBasal) MergeKey() string  { return mergeTempBasal }
func (c *CancelTempBasal) Describe() string  { return "CANCEL TEMP BASAL" }

// Execute asks the device to cancel. When the command is auto-forced and the
// device fails while local bookkeeping still shows a temp basal, the local
// record is stopped and the result is overridden to success without enactment.
func (c *CancelTempBasal) Execute(ctx context.Context, env Env) pump.Result {
	r := env.Device.CancelTempBasal(ctx, c.EnforceNew)
	now := env.Now()
	if r.Success {
		env.Sync.SyncStopTempBasal(now)
		r.IsTempCancel = true
		return r
	}
	if !c.AutoForced() {
		return r
	}
	if _, running := env.Sync.ExpectedTempBasal(now); !running {
		return r
	}
	env.Sync.SyncStopTempBasal(now)
	env.Log.Warn("Device failed to cancel temp basal; stopped locally",
		"command", c.ID(), "deviceComment", r.Comment)
	return pump.Result{
		Success:      true,
		Enacted:      false,
		IsTempCancel: true,
		Comment:      "temp basal stopped locally: " + r.Comment,
	}
}

// Bolus delivers a user bolus. Boluses never merge.
type Bolus struct {
	*Base
	Units float64
}

func NewBolus(units float64) *Bolus {
	return &Bolus{Base: newBase(false), Units: units}
}

func (c *Bolus) Type() CommandType { return TypeBolus }
func (c *Bolus) MergeKey() string  { return "" }
func (c *Bolus) Describe() string  { return fmt.Sprintf("BOLUS %.2f U", c.Units) }

func (c *Bolus) Execute(ctx context.Context, env Env) pump.Result {
	return deliver(ctx, env, pump.BolusRequest{Units: c.Units})
}

// SMB is an algorithm-issued micro bolus. A newer pending SMB replaces an
// older one, since only the latest recommendation is current.
type SMB struct {
	*Base
	Units float64
}

func NewSMB(units float64) *SMB {
	return &SMB{Base: newBase(true), Units: units}
}

func (c *SMB) Type() CommandType { return TypeSMB }
func (c *SMB) MergeKey() string  { return "smb" }
func (c *SMB) Describe() string  { return fmt.Sprintf("SMB %.2f U", c.Units) }

func (c *SMB) Execute(ctx context.Context, env Env) pump.Result {
	return deliver(ctx, env, pump.BolusRequest{Units: c.Units, SMB: true})
}

func deliver(ctx context.Context, env Env, req pump.BolusRequest) pump.Result {
	r := env.Device.DeliverBolus(ctx, req, env.Progress)
	if r.BolusDelivered > 0 {
		env.Sync.SyncBolus(pump.Bolus{Time: env.Now(), Units: r.BolusDelivered, SMB: req.SMB})
	}
	r.IsSMB = req.SMB
	return r
}

// CustomCommand passes a vendor command through to the device.
type CustomCommand struct {
	*Base
	Custom  pump.Custom
	timeout time.Duration
}

func NewCustomCommand(c pump.Custom, timeout time.Duration) *CustomCommand {
	return &CustomCommand{Base: newBase(false), Custom: c, timeout: timeout}
}

func (c *CustomCommand) Type() CommandType      { return TypeCustom }
func (c *CustomCommand) Timeout() time.Duration { return c.timeout }
func (c *CustomCommand) Describe() string       { return "CUSTOM " + c.Custom.Name }

func (c *CustomCommand) MergeKey() string {
	if c.Custom.MergeKey == "" {
		return ""
	}
	return "custom:" + c.Custom.MergeKey
}

func (c *CustomCommand) Execute(ctx context.Context, env Env) pump.Result {
	return env.Device.CustomCommand(ctx, c.Custom)
}

// Personal.AI order the ending
