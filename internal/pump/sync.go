package pump

import (
	"sync"
	"time"
)

// TempBasal is a temp basal as the controller believes it is running.
type TempBasal struct {
	Start     time.Time
	Duration  time.Duration
	Rate      float64
	Percent   int
	IsPercent bool
}

func (t TempBasal) End() time.Time { return t.Start.Add(t.Duration) }

func (t TempBasal) ActiveAt(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End())
}

// Bolus is a locally recorded delivery.
type Bolus struct {
	Time  time.Time
	Units float64
	SMB   bool
}

// Sync is the local record of what the pump is doing. It lets the controller
// reconcile state when the device cannot acknowledge a command.
type Sync interface {
	ExpectedTempBasal(at time.Time) (TempBasal, bool)
	SyncTempBasal(tb TempBasal)
	// SyncStopTempBasal ends a running temp basal at `at`. It reports
	// whether anything was running.
	SyncStopTempBasal(at time.Time) bool
	SyncBolus(b Bolus)
	LastBolus() (Bolus, bool)
}

// LocalSync is the in-process Sync implementation.
type LocalSync struct {
	mu        sync.Mutex
	tempBasal *TempBasal
	boluses   []Bolus
}

func NewLocalSync() *LocalSync { return &LocalSync{} }

func (s *LocalSync) ExpectedTempBasal(at time.Time) (TempBasal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempBasal == nil || !s.tempBasal.ActiveAt(at) {
		return TempBasal{}, false
	}
	return *s.tempBasal, true
}

func (s *LocalSync) SyncTempBasal(tb TempBasal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempBasal = &tb
}

func (s *LocalSync) SyncStopTempBasal(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempBasal == nil || !s.tempBasal.ActiveAt(at) {
		return false
	}
	s.tempBasal.Duration = at.Sub(s.tempBasal.Start)
	return true
}

func (s *LocalSync) SyncBolus(b Bolus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boluses = append(s.boluses, b)
}

func (s *LocalSync) LastBolus() (Bolus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.boluses) == 0 {
		return Bolus{}, false
	}
	return s.boluses[len(s.boluses)-1], true
}

// Personal.AI order the ending
