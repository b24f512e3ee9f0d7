package status

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/logger"
)

var at = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func TestFromResult_CancelReportsZero(t *testing.T) {
	e := FromResult(commandqueue.TypeCancelTempBasal, pump.Result{Success: true, Enacted: true, IsTempCancel: true}, 1.0, at)
	require.NotNil(t, e.Rate)
	require.NotNil(t, e.Duration)
	assert.Equal(t, 0.0, *e.Rate)
	assert.Equal(t, 0, *e.Duration)
	assert.Nil(t, e.SMB)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"rate":0`)
	assert.Contains(t, string(raw), `"duration":0`)
}

func TestFromResult_PercentConvertsAgainstBaseBasal(t *testing.T) {
	cases := []struct {
		percent int
		base    float64
		want    float64
	}{
		{150, 0.8, 1.2},
		{33, 1.15, 0.38},
		{0, 1.0, 0},
		{200, 0.333, 0.67},
	}
	for _, c := range cases {
		r := pump.Result{Success: true, Enacted: true, IsPercent: true, Percent: c.percent, Duration: 30 * time.Minute}
		e := FromResult(commandqueue.TypeTempBasalPercent, r, c.base, at)
		require.NotNil(t, e.Rate)
		assert.InDelta(t, c.want, *e.Rate, 1e-9, "%d%% of %.3f", c.percent, c.base)
		assert.Equal(t, 30, *e.Duration)
	}
}

func TestFromResult_BolusReportsSMBOnly(t *testing.T) {
	e := FromResult(commandqueue.TypeSMB, pump.Result{Success: true, Enacted: true, BolusDelivered: 0.35, IsSMB: true}, 1.0, at)
	require.NotNil(t, e.SMB)
	assert.Equal(t, 0.35, *e.SMB)
	assert.Nil(t, e.Rate)
	assert.Nil(t, e.Duration)
}

func TestFromResult_Absolute(t *testing.T) {
	e := FromResult(commandqueue.TypeTempBasalAbsolute, pump.Result{Success: true, Absolute: 1.256, Duration: time.Hour}, 1.0, at)
	assert.Equal(t, 1.26, *e.Rate)
	assert.Equal(t, 60, *e.Duration)
}

func TestTracker_FollowsQueue(t *testing.T) {
	ctx := context.Background()
	quiet := logger.New(io.Discard, "error")
	v := pump.NewVirtual(0.8)
	ps := pump.NewLocalSync()
	q := commandqueue.New(v, ps, commandqueue.Options{Logger: quiet})
	store := runningmode.NewStore(runningmode.NewMemoryRepository(), quiet)

	tr := NewTracker(store, v, q, ps)
	q.OnResult(tr.Observe)

	// superseded command never reaches the tracker
	q.Enqueue(commandqueue.NewSetTempBasalAbsolute(2, 30*time.Minute, true))
	f := q.Enqueue(commandqueue.NewSetTempBasalPercent(150, 30*time.Minute, true))
	_, ok := tr.LastEnacted()
	assert.False(t, ok)

	q.Start(ctx)
	defer q.Stop()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := f.Wait(wctx)
	require.NoError(t, err)

	doc, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED_LOOP", doc.OperatingMode)
	require.NotNil(t, doc.Enacted)
	assert.Equal(t, 1.2, *doc.Enacted.Rate)
	assert.Nil(t, doc.ModeEndsAt)

	var buf bytes.Buffer
	require.NoError(t, doc.Encode(&buf))
	assert.Contains(t, buf.String(), `"operatingMode": "CLOSED_LOOP"`)
}

func TestTracker_TemporaryModeEnd(t *testing.T) {
	ctx := context.Background()
	quiet := logger.New(io.Discard, "error")
	v := pump.NewVirtual(1)
	ps := pump.NewLocalSync()
	q := commandqueue.New(v, ps, commandqueue.Options{Logger: quiet})
	store := runningmode.NewStore(runningmode.NewMemoryRepository(), quiet)

	start := time.Now().Add(-time.Minute)
	_, err := store.InsertOrUpdate(ctx, runningmode.Record{
		Mode: runningmode.SuspendedByUser, Timestamp: start, Duration: 30 * time.Minute, IsValid: true,
	})
	require.NoError(t, err)

	doc, err := NewTracker(store, v, q, ps).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SUSPENDED_BY_USER", doc.OperatingMode)
	require.NotNil(t, doc.ModeEndsAt)
	assert.WithinDuration(t, start.Add(30*time.Minute), *doc.ModeEndsAt, time.Millisecond)
}
