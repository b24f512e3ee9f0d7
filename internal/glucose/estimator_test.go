package glucose

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/closedloop/pkg/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minAgo float64, v float64) Sample {
	return Sample{Value: v, Time: t0.Add(-time.Duration(minAgo * float64(time.Minute)))}
}

func TestEstimate_FewerThanTwoSamples(t *testing.T) {
	assert.Equal(t, Trend{}, Estimate(nil, 0))
	assert.Equal(t, Trend{}, Estimate([]Sample{}, 0))
	assert.Equal(t, Trend{}, Estimate([]Sample{at(0, 180)}, 0))
}

func TestEstimate_ThreeSampleBuffer(t *testing.T) {
	trend := Estimate([]Sample{at(0, 200), at(5, 150), at(20, 100)}, 0)

	assert.InDelta(t, 50, trend.Delta, 1e-9)
	assert.InDelta(t, 50, trend.ShortAvgDelta, 1e-9)
	assert.InDelta(t, 25, trend.LongAvgDelta, 1e-9)
}

func TestEstimate_DeltaFallsBackToShortAverage(t *testing.T) {
	// nothing inside (2.5, 7.5]
	trend := Estimate([]Sample{at(0, 120), at(10, 100), at(15, 90)}, 0)

	short := ((120.0-100)/10*5 + (120.0-90)/15*5) / 2
	assert.InDelta(t, short, trend.ShortAvgDelta, 1e-9)
	assert.InDelta(t, short, trend.Delta, 1e-9)
	assert.Zero(t, trend.LongAvgDelta)
}

func TestEstimate_BucketBoundaries(t *testing.T) {
	samples := []Sample{
		at(0, 100),
		at(2.5, 90),  // excluded: not > 2.5
		at(7.5, 85),  // last + short
		at(17.5, 80), // short only
		at(42.5, 70), // long
	}
	trend := Estimate(samples, 0)

	lastDelta := (100.0 - 85) / 7.5 * 5
	shortB := (100.0 - 80) / 17.5 * 5
	assert.InDelta(t, lastDelta, trend.Delta, 1e-9)
	assert.InDelta(t, (lastDelta+shortB)/2, trend.ShortAvgDelta, 1e-9)
	assert.InDelta(t, (100.0-70)/42.5*5, trend.LongAvgDelta, 1e-9)
}

func TestEstimate_StopsBeyondLongWindow(t *testing.T) {
	trend := Estimate([]Sample{at(0, 100), at(45, 300), at(30, 40)}, 0)
	// sample at 30m comes after the 45m one and is never reached
	assert.Zero(t, trend.LongAvgDelta)
}

func TestEstimate_IgnoresNoise(t *testing.T) {
	trend := Estimate([]Sample{at(0, 100), at(5, 38), at(10, 90)}, 0)

	assert.InDelta(t, (100.0-90)/10*5, trend.ShortAvgDelta, 1e-9)
	assert.InDelta(t, trend.ShortAvgDelta, trend.Delta, 1e-9)
}

func TestSortNewestFirst_DoesNotMutateInput(t *testing.T) {
	in := []Sample{at(10, 1), at(0, 2), at(5, 3)}
	out := SortNewestFirst(in)

	require.Len(t, out, 3)
	assert.Equal(t, 2.0, out[0].Value)
	assert.Equal(t, 3.0, out[1].Value)
	assert.Equal(t, 1.0, out[2].Value)
	assert.Equal(t, 1.0, in[0].Value)
}

func TestBuffer_OrdersReplacesAndBounds(t *testing.T) {
	b := NewBuffer(3)
	b.Add(at(10, 100))
	b.Add(at(0, 120))
	b.Add(at(5, 110))
	b.Add(at(5, 111)) // backfill correction

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []float64{120, 111, 100}, []float64{snap[0].Value, snap[1].Value, snap[2].Value})

	b.Add(at(-5, 130))
	snap = b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 130.0, snap[0].Value)
	assert.Equal(t, 111.0, snap[2].Value)
}

func TestBuffer_ConcurrentAdds(t *testing.T) {
	b := NewBuffer(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Add(at(float64(i), 100))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, b.Len())
}

func TestProvider_Status(t *testing.T) {
	b := NewBuffer(0)
	b.Add(at(20, 100))
	b.Add(at(5, 150))
	b.Add(at(0, 200))

	st, err := NewProvider(b, 7*time.Minute, 0).Status(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 200.0, st.Glucose)
	assert.Equal(t, t0, st.Date)
	assert.InDelta(t, 50, st.Delta, 1e-9)
	assert.InDelta(t, 25, st.LongAvgDelta, 1e-9)
	assert.Zero(t, st.Noise, "noise is not estimated from the feed")
}

func TestProvider_StaleAndEmpty(t *testing.T) {
	b := NewBuffer(0)
	p := NewProvider(b, 7*time.Minute, 0)

	_, err := p.Status(t0)
	assert.True(t, errors.Is(err, errors.ErrCodeStaleData))

	b.Add(at(0, 120))
	_, err = p.Status(t0.Add(8 * time.Minute))
	assert.True(t, errors.Is(err, errors.ErrCodeStaleData))

	st, err := p.Status(t0.Add(6 * time.Minute))
	require.NoError(t, err)
	assert.Zero(t, st.Delta, "single sample is a valid no-trend state")
}
