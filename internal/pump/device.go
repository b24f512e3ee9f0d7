// Package pump defines the capability surface of the active insulin pump and
// the local bookkeeping kept alongside it.
package pump

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/closedloop/pkg/errors"
)

// Device is the currently selected pump. Vendor drivers implement it; the
// queue and orchestrator never see concrete types. Calls may block for the
// duration of a radio round-trip and must honour ctx.
type Device interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	IsInitialized() bool
	IsSuspended() bool
	// BaseBasal is the scheduled basal rate in U/h at t.
	BaseBasal(t time.Time) float64

	SetTempBasalAbsolute(ctx context.Context, rate float64, d time.Duration) Result
	SetTempBasalPercent(ctx context.Context, percent int, d time.Duration) Result
	CancelTempBasal(ctx context.Context, enforceNew bool) Result
	DeliverBolus(ctx context.Context, req BolusRequest, progress *BolusProgress) Result
	CustomCommand(ctx context.Context, cmd Custom) Result
}

// BolusRequest describes a bolus to deliver.
type BolusRequest struct {
	Units float64
	SMB   bool
}

// Custom is a vendor specific command, opaque to the core.
type Custom struct {
	Name    string
	Payload []byte
	// MergeKey, when set, lets a newer custom command with the same key
	// replace a pending one.
	MergeKey string
}

// Result is what a device call produced.
type Result struct {
	Success bool
	Enacted bool
	Comment string
	Code    errors.ErrorCode

	IsTempCancel bool
	Absolute     float64
	Percent      int
	IsPercent    bool
	Duration     time.Duration

	BolusDelivered float64
	IsSMB          bool
}

func (r Result) String() string {
	return fmt.Sprintf("success=%t enacted=%t comment=%q", r.Success, r.Enacted, r.Comment)
}

// Failed builds an unsuccessful result.
func Failed(code errors.ErrorCode, comment string) Result {
	return Result{Success: false, Code: code, Comment: comment}
}

// Personal.AI order the ending
