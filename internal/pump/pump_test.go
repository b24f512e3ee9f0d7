package pump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/closedloop/pkg/errors"
)

func TestLocalSync_TempBasalLifecycle(t *testing.T) {
	s := NewLocalSync()
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	_, ok := s.ExpectedTempBasal(start)
	assert.False(t, ok)

	s.SyncTempBasal(TempBasal{Start: start, Duration: 30 * time.Minute, Rate: 0.5})
	tb, ok := s.ExpectedTempBasal(start.Add(10 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 0.5, tb.Rate)

	assert.True(t, s.SyncStopTempBasal(start.Add(12*time.Minute)))
	_, ok = s.ExpectedTempBasal(start.Add(13 * time.Minute))
	assert.False(t, ok)
	assert.False(t, s.SyncStopTempBasal(start.Add(14*time.Minute)), "nothing left to stop")
}

func TestLocalSync_LastBolus(t *testing.T) {
	s := NewLocalSync()
	_, ok := s.LastBolus()
	assert.False(t, ok)

	s.SyncBolus(Bolus{Units: 1})
	s.SyncBolus(Bolus{Units: 0.3, SMB: true})
	b, ok := s.LastBolus()
	require.True(t, ok)
	assert.Equal(t, 0.3, b.Units)
	assert.True(t, b.SMB)
}

func TestBolusProgress(t *testing.T) {
	var p BolusProgress
	assert.False(t, p.RequestStop(), "no bolus running")

	p.Begin(2)
	p.Update(0.5, "delivering")
	assert.True(t, p.RequestStop())
	snap := p.Snapshot()
	assert.True(t, snap.Active)
	assert.True(t, snap.StopRequested)
	assert.Equal(t, 0.5, snap.Delivered)

	p.Finish("stopped")
	assert.False(t, p.Snapshot().Active)
}

func TestVirtual_TempBasalAndCancel(t *testing.T) {
	v := NewVirtual(1.2)
	ctx := context.Background()

	r := v.SetTempBasalAbsolute(ctx, 2.0, 30*time.Minute)
	require.True(t, r.Success)
	assert.Equal(t, 2.0, r.Absolute)
	tb, ok := v.RunningTempBasal()
	require.True(t, ok)
	assert.Equal(t, 2.0, tb.Rate)

	r = v.CancelTempBasal(ctx, false)
	assert.True(t, r.Success)
	assert.True(t, r.Enacted)
	assert.True(t, r.IsTempCancel)
	_, ok = v.RunningTempBasal()
	assert.False(t, ok)

	assert.Equal(t, []string{OpSetTempBasal, OpCancelTempBasal}, v.Calls())
}

func TestVirtual_InjectedFailureIsOneShot(t *testing.T) {
	v := NewVirtual(1)
	v.FailNext(OpCancelTempBasal, errors.ErrCodeDeviceRejected)

	r := v.CancelTempBasal(context.Background(), true)
	assert.False(t, r.Success)
	assert.Equal(t, errors.ErrCodeDeviceRejected, r.Code)

	r = v.CancelTempBasal(context.Background(), true)
	assert.True(t, r.Success)
}

func TestVirtual_SuspendedRejectsDelivery(t *testing.T) {
	v := NewVirtual(1)
	v.SetSuspended(true)

	r := v.DeliverBolus(context.Background(), BolusRequest{Units: 1}, nil)
	assert.False(t, r.Success)
	assert.Equal(t, errors.ErrCodeDeviceRejected, r.Code)
}

func TestVirtual_BolusReportsProgress(t *testing.T) {
	v := NewVirtual(1)
	var p BolusProgress

	r := v.DeliverBolus(context.Background(), BolusRequest{Units: 0.4, SMB: true}, &p)
	require.True(t, r.Success)
	assert.InDelta(t, 0.4, r.BolusDelivered, 1e-9)
	assert.True(t, r.IsSMB)
	snap := p.Snapshot()
	assert.False(t, snap.Active)
	assert.Equal(t, "delivered", snap.Status)
}

func TestVirtual_LatencyHonoursContext(t *testing.T) {
	v := NewVirtual(1)
	v.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := v.SetTempBasalPercent(ctx, 150, 30*time.Minute)
	assert.False(t, r.Success)
	assert.Equal(t, errors.ErrCodeCommunicationTimeout, r.Code)

	err := v.Connect(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeCommunicationTimeout))
}
