package glucose

import (
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
)

// Source supplies recent samples, newest first.
type Source interface {
	Snapshot() []Sample
}

// Buffer is a bounded, concurrency-safe sample store. Samples with a timestamp
// already present replace the stored value (CGM backfill).
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	samples  []Sample // newest first
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = consts.DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Add inserts s keeping newest-first order and drops the oldest beyond capacity.
func (b *Buffer) Add(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.samples) && b.samples[i].Time.After(s.Time) {
		i++
	}
	if i < len(b.samples) && b.samples[i].Time.Equal(s.Time) {
		b.samples[i] = s
		return
	}
	b.samples = append(b.samples, Sample{})
	copy(b.samples[i+1:], b.samples[i:])
	b.samples[i] = s

	if len(b.samples) > b.capacity {
		b.samples = b.samples[:b.capacity]
	}
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Snapshot returns a copy, newest first.
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Provider gates estimation on freshness and assembles a Status.
type Provider struct {
	source     Source
	freshness  time.Duration
	noiseFloor float64
}

func NewProvider(source Source, freshness time.Duration, noiseFloor float64) *Provider {
	if freshness <= 0 {
		freshness = consts.DefaultFreshnessBound
	}
	return &Provider{source: source, freshness: freshness, noiseFloor: noiseFloor}
}

// Status returns the current glucose status or a StaleData error when the
// newest sample is missing or older than the freshness bound.
func (p *Provider) Status(now time.Time) (Status, error) {
	samples := SortNewestFirst(p.source.Snapshot())
	if len(samples) == 0 {
		return Status{}, errors.New(errors.ErrCodeStaleData, "GlucoseStatus", "no glucose samples", nil)
	}
	newest := samples[0]
	if age := now.Sub(newest.Time); age > p.freshness {
		return Status{}, errors.New(errors.ErrCodeStaleData, "GlucoseStatus",
			fmt.Sprintf("newest sample is %s old (bound %s)", age.Round(time.Second), p.freshness), nil)
	}

	trend := Estimate(samples, p.noiseFloor)
	return Status{
		Glucose:       newest.Value,
		Delta:         trend.Delta,
		ShortAvgDelta: trend.ShortAvgDelta,
		LongAvgDelta:  trend.LongAvgDelta,
		Noise:         0, // the feed carries no noise estimate
		Date:          newest.Time,
	}, nil
}

// Personal.AI order the ending
