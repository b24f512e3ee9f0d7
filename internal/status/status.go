// Package status renders the controller state for downstream reporting.
package status

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/runningmode"
)

// Enacted is the export form of a command result. Pointers distinguish a
// reported zero from an absent field.
type Enacted struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	Enacted   bool      `json:"enacted"`
	Comment   string    `json:"comment,omitempty"`
	Rate      *float64  `json:"rate,omitempty"`
	Duration  *int      `json:"duration,omitempty"`
	SMB       *float64  `json:"smb,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LastBolus is the most recent delivered bolus.
type LastBolus struct {
	Time  time.Time `json:"time"`
	Units float64   `json:"units"`
	SMB   bool      `json:"smb"`
}

// Document is the status snapshot.
type Document struct {
	OperatingMode string                 `json:"operatingMode"`
	ModeReasons   string                 `json:"modeReasons,omitempty"`
	ModeEndsAt    *time.Time             `json:"modeEndsAt,omitempty"`
	AutoForced    bool                   `json:"autoForced,omitempty"`
	BaseBasal     float64                `json:"baseBasal"`
	QueueSize     int                    `json:"queueSize"`
	Executing     string                 `json:"executing,omitempty"`
	Enacted       *Enacted               `json:"enacted,omitempty"`
	LastBolus     *LastBolus             `json:"lastBolus,omitempty"`
	Bolus         *pump.ProgressSnapshot `json:"bolusProgress,omitempty"`
	GeneratedAt   time.Time              `json:"generatedAt"`
}

// Encode writes d as indented JSON.
func (d Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// FromResult converts a result. A cancelled temp basal reports rate 0 for
// 0 minutes, a percent temp basal is converted to U/h against baseBasal,
// and a delivered bolus reports smb instead of rate and duration.
func FromResult(t commandqueue.CommandType, r pump.Result, baseBasal float64, at time.Time) Enacted {
	e := Enacted{Type: string(t), Success: r.Success, Enacted: r.Enacted, Comment: r.Comment, Timestamp: at}
	switch {
	case r.BolusDelivered > 0:
		e.SMB = ptr(round2(r.BolusDelivered))
	case r.IsTempCancel:
		e.Rate, e.Duration = ptr(0.0), ptr(0)
	case r.IsPercent:
		e.Rate = ptr(round2(float64(r.Percent) / 100 * baseBasal))
		e.Duration = ptr(int(r.Duration / time.Minute))
	case r.Duration > 0:
		e.Rate = ptr(round2(r.Absolute))
		e.Duration = ptr(int(r.Duration / time.Minute))
	}
	return e
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func ptr[T any](v T) *T { return &v }

// ModeSource resolves the running mode.
type ModeSource interface {
	ActiveAt(ctx context.Context, t time.Time) (runningmode.Record, error)
}

// QueueView is the part of the command queue the tracker reads.
type QueueView interface {
	Size() int
	Performing() commandqueue.Command
	Progress() *pump.BolusProgress
}

// Tracker follows command results and builds Documents on demand.
type Tracker struct {
	mu      sync.RWMutex
	enacted *Enacted

	modes  ModeSource
	device pump.Device
	queue  QueueView
	sync   pump.Sync
	now    func() time.Time
}

func NewTracker(modes ModeSource, device pump.Device, queue QueueView, ps pump.Sync) *Tracker {
	return &Tracker{modes: modes, device: device, queue: queue, sync: ps, now: time.Now}
}

// Observe records a command result. Register it with Queue.OnResult.
// Results of commands that never reached the device are ignored.
func (t *Tracker) Observe(cmd commandqueue.Command, r pump.Result) {
	if commandqueue.StateOf(cmd) == commandqueue.StateCancelled {
		return
	}
	now := t.now()
	e := FromResult(cmd.Type(), r, t.device.BaseBasal(now), now)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.enacted = &e
}

// LastEnacted returns the most recent observed result.
func (t *Tracker) LastEnacted() (Enacted, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.enacted == nil {
		return Enacted{}, false
	}
	return *t.enacted, true
}

// Snapshot builds the current Document.
func (t *Tracker) Snapshot(ctx context.Context) (Document, error) {
	now := t.now()
	rec, err := t.modes.ActiveAt(ctx, now)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		OperatingMode: string(rec.Mode),
		ModeReasons:   rec.Reasons,
		AutoForced:    rec.AutoForced,
		BaseBasal:     t.device.BaseBasal(now),
		QueueSize:     t.queue.Size(),
		GeneratedAt:   now,
	}
	if rec.IsTemporary() {
		end := rec.End()
		doc.ModeEndsAt = &end
	}
	if c := t.queue.Performing(); c != nil {
		doc.Executing = c.Describe()
	}
	if e, ok := t.LastEnacted(); ok {
		doc.Enacted = &e
	}
	if b, ok := t.sync.LastBolus(); ok {
		doc.LastBolus = &LastBolus{Time: b.Time, Units: b.Units, SMB: b.SMB}
	}
	if p := t.queue.Progress(); p != nil {
		if snap := p.Snapshot(); snap.Active {
			doc.Bolus = &snap
		}
	}
	return doc, nil
}

// Personal.AI order the ending
