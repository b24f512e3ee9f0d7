// Package glucose turns a CGM sample series into trend statistics.
package glucose

import (
	"sort"
	"time"

	"github.com/turtacn/closedloop/pkg/consts"
)

// Sample is a single sensor reading in mg/dL.
type Sample struct {
	Value float64
	Time  time.Time
}

// Status is the trend snapshot handed to the dosing algorithm. Deltas are
// expressed in mg/dL per 5 minutes.
type Status struct {
	Glucose       float64
	Delta         float64
	ShortAvgDelta float64
	LongAvgDelta  float64
	Noise         float64
	Date          time.Time
}

// Trend holds the three averaged deltas.
type Trend struct {
	Delta         float64
	ShortAvgDelta float64
	LongAvgDelta  float64
}

// Estimate computes the trend from samples sorted newest first. Fewer than two
// samples yield a zero trend. Readings below noiseFloor are ignored; a
// noiseFloor of 0 selects the default.
//
// The scan stops at the first sample older than the long window, which is only
// correct for sorted input. Use SortNewestFirst when the order is not guaranteed.
func Estimate(samples []Sample, noiseFloor float64) Trend {
	if len(samples) < 2 {
		return Trend{}
	}
	if noiseFloor <= 0 {
		noiseFloor = consts.GlucoseNoiseFloor
	}

	now := samples[0]
	var last, short, long []float64

	for _, then := range samples[1:] {
		minutesAgo := now.Time.Sub(then.Time).Minutes()
		if minutesAgo > consts.TrendLongWindowMinutes {
			break
		}
		if then.Value < noiseFloor || minutesAgo <= consts.TrendMinMinutes {
			continue
		}

		avgDelta := (now.Value - then.Value) / minutesAgo * 5

		if minutesAgo <= consts.TrendShortWindowMinutes {
			short = append(short, avgDelta)
			if minutesAgo <= consts.TrendLastWindowMinutes {
				last = append(last, avgDelta)
			}
		} else {
			long = append(long, avgDelta)
		}
	}

	t := Trend{
		ShortAvgDelta: mean(short),
		LongAvgDelta:  mean(long),
	}
	if len(last) > 0 {
		t.Delta = mean(last)
	} else {
		t.Delta = t.ShortAvgDelta
	}
	return t
}

// SortNewestFirst returns a sorted copy of samples.
func SortNewestFirst(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Personal.AI order the ending
