// Package runningmode records the controller's operating mode as an
// append-only series of time intervals and resolves the mode at any instant.
package runningmode

import (
	"fmt"
	"time"
)

// Mode is the controller's operating posture.
type Mode string

const (
	ClosedLoop       Mode = "CLOSED_LOOP"
	ClosedLoopLGS    Mode = "CLOSED_LOOP_LGS"
	OpenLoop         Mode = "OPEN_LOOP"
	DisabledLoop     Mode = "DISABLED_LOOP"
	SuperBolus       Mode = "SUPER_BOLUS"
	DisconnectedPump Mode = "DISCONNECTED_PUMP"
	SuspendedByUser  Mode = "SUSPENDED_BY_USER"
	SuspendedByPump  Mode = "SUSPENDED_BY_PUMP"
	SuspendedByDST   Mode = "SUSPENDED_BY_DST"

	// Resume is a request value only: end the active temporary mode and fall
	// back to the underlying permanent one. It is never persisted.
	Resume Mode = "RESUME"

	DefaultMode = ClosedLoop
)

// Modes lists every persistable mode.
var Modes = []Mode{
	ClosedLoop, ClosedLoopLGS, OpenLoop, DisabledLoop,
	SuperBolus, DisconnectedPump, SuspendedByUser, SuspendedByPump, SuspendedByDST,
}

func (m Mode) String() string { return string(m) }

// IsPersistable reports whether m may be stored in a Record.
func (m Mode) IsPersistable() bool {
	for _, k := range Modes {
		if k == m {
			return true
		}
	}
	return false
}

// IsTemporary reports whether m is only ever held for a bounded duration.
func (m Mode) IsTemporary() bool {
	switch m {
	case SuperBolus, DisconnectedPump, SuspendedByUser, SuspendedByPump, SuspendedByDST:
		return true
	}
	return false
}

func (m Mode) IsSuspended() bool {
	switch m {
	case SuspendedByUser, SuspendedByPump, SuspendedByDST:
		return true
	}
	return false
}

// IsLoopRunning reports whether the loop may actuate in m.
func (m Mode) IsLoopRunning() bool {
	switch m {
	case ClosedLoop, ClosedLoopLGS, OpenLoop:
		return true
	}
	return false
}

// ParseMode accepts the persisted names plus RESUME.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if m == Resume || m.IsPersistable() {
		return m, nil
	}
	return "", fmt.Errorf("unknown running mode %q", s)
}

// Record is one immutable running-mode interval. Duration 0 means permanent
// until superseded; a positive duration expires at Timestamp+Duration.
type Record struct {
	ID          int64
	ReferenceID *int64
	Version     int
	Timestamp   time.Time
	Duration    time.Duration
	UTCOffset   time.Duration
	Mode        Mode
	AutoForced  bool
	Reasons     string
	IsValid     bool
}

func (r Record) IsTemporary() bool { return r.Duration > 0 }

func (r Record) End() time.Time { return r.Timestamp.Add(r.Duration) }

// Covers reports whether the interval includes t. Permanent records cover
// everything from their start.
func (r Record) Covers(t time.Time) bool {
	if t.Before(r.Timestamp) {
		return false
	}
	return r.Duration == 0 || t.Before(r.End())
}

// IsDefault reports whether r is the synthetic fallback record.
func (r Record) IsDefault() bool { return r.ID == 0 && r.Mode == DefaultMode }

func defaultRecord() Record {
	return Record{Mode: DefaultMode, IsValid: true, Reasons: "default mode"}
}

// Personal.AI order the ending
