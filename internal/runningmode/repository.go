package runningmode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned by Repository.Get for an unknown id.
var ErrNotFound = fmt.Errorf("running mode record not found")

// Repository persists records. Implementations assign IDs on Insert and never
// modify a stored row. A record is effective when it is valid and no other
// record references it; only effective records take part in the *At queries.
type Repository interface {
	Insert(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	// PermanentAt returns the latest effective record with Timestamp <= t and Duration == 0.
	PermanentAt(ctx context.Context, t time.Time) (Record, bool, error)
	// TemporaryAt returns the latest effective record with Timestamp <= t < Timestamp+Duration.
	TemporaryAt(ctx context.Context, t time.Time) (Record, bool, error)
	// Effective lists effective records with from <= Timestamp <= to, oldest first.
	Effective(ctx context.Context, from, to time.Time) ([]Record, error)
}

// memorySnapshot is immutable once published.
type memorySnapshot struct {
	records    []Record // ordered by (Timestamp, ID)
	byID       map[int64]int
	superseded map[int64]struct{}
}

// MemoryRepository keeps records in process. Readers load the current
// snapshot without locking; writers serialize and publish a new snapshot.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	snap   atomic.Pointer[memorySnapshot]
}

func NewMemoryRepository() *MemoryRepository {
	m := &MemoryRepository{nextID: 1}
	m.snap.Store(&memorySnapshot{byID: map[int64]int{}, superseded: map[int64]struct{}{}})
	return m
}

func (m *MemoryRepository) Insert(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.snap.Load()
	r.ID = m.nextID
	m.nextID++

	i := sort.Search(len(old.records), func(i int) bool {
		return old.records[i].Timestamp.After(r.Timestamp)
	})
	records := make([]Record, 0, len(old.records)+1)
	records = append(records, old.records[:i]...)
	records = append(records, r)
	records = append(records, old.records[i:]...)

	next := &memorySnapshot{
		records:    records,
		byID:       make(map[int64]int, len(records)),
		superseded: make(map[int64]struct{}, len(old.superseded)+1),
	}
	for idx, rec := range records {
		next.byID[rec.ID] = idx
	}
	for id := range old.superseded {
		next.superseded[id] = struct{}{}
	}
	if r.ReferenceID != nil {
		next.superseded[*r.ReferenceID] = struct{}{}
	}
	m.snap.Store(next)
	return r, nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (Record, error) {
	s := m.snap.Load()
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[idx], nil
}

func (m *MemoryRepository) PermanentAt(_ context.Context, t time.Time) (Record, bool, error) {
	r, ok := m.snap.Load().latest(t, func(r Record) bool { return r.Duration == 0 })
	return r, ok, nil
}

func (m *MemoryRepository) TemporaryAt(_ context.Context, t time.Time) (Record, bool, error) {
	r, ok := m.snap.Load().latest(t, func(r Record) bool { return r.Duration > 0 && t.Before(r.End()) })
	return r, ok, nil
}

func (m *MemoryRepository) Effective(_ context.Context, from, to time.Time) ([]Record, error) {
	s := m.snap.Load()
	var out []Record
	for _, r := range s.records {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) || !s.effective(r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// latest scans backwards from the last record with Timestamp <= t. Records
// sharing a timestamp are ordered by ID, so the newest insert wins.
func (s *memorySnapshot) latest(t time.Time, match func(Record) bool) (Record, bool) {
	end := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].Timestamp.After(t)
	})
	for i := end - 1; i >= 0; i-- {
		r := s.records[i]
		if s.effective(r) && match(r) {
			return r, true
		}
	}
	return Record{}, false
}

func (s *memorySnapshot) effective(r Record) bool {
	if !r.IsValid {
		return false
	}
	_, gone := s.superseded[r.ID]
	return !gone
}

// Personal.AI order the ending
