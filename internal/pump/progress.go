package pump

import "sync"

// BolusProgress is the in-flight bolus state. One instance exists per running
// controller; the command queue owns it and hands it to the device while a
// bolus command executes. Readers such as the status surface take snapshots.
type BolusProgress struct {
	mu        sync.Mutex
	active    bool
	requested float64
	delivered float64
	status    string
	stop      bool
}

// ProgressSnapshot is a point-in-time copy of BolusProgress.
type ProgressSnapshot struct {
	Active        bool
	Requested     float64
	Delivered     float64
	Status        string
	StopRequested bool
}

func (p *BolusProgress) Begin(units float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.requested = units
	p.delivered = 0
	p.status = "starting"
	p.stop = false
}

// Update is called by the device as delivery advances.
func (p *BolusProgress) Update(delivered float64, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = delivered
	p.status = status
}

func (p *BolusProgress) Finish(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.status = status
}

// RequestStop asks the device to abort the running bolus. Devices poll StopRequested.
func (p *BolusProgress) RequestStop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false
	}
	p.stop = true
	return true
}

func (p *BolusProgress) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop
}

func (p *BolusProgress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{
		Active:        p.active,
		Requested:     p.requested,
		Delivered:     p.delivered,
		Status:        p.status,
		StopRequested: p.stop,
	}
}

// Personal.AI order the ending
