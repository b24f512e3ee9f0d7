package runningmode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/fsm"
	"github.com/turtacn/closedloop/pkg/logger"
)

// Store is the running-mode state machine over a Repository. Writes are
// serialized so two concurrent mode changes cannot interleave an amendment
// with the read it was based on; queries go straight to the repository.
type Store struct {
	mu     sync.Mutex
	repo   Repository
	policy *fsm.Policy
	log    logger.Logger
}

func NewStore(repo Repository, log logger.Logger) *Store {
	return &Store{
		repo:   repo,
		policy: Transitions(),
		log:    logger.OrDefault(log).With("component", "runningmode"),
	}
}

// PermanentModeActiveAt returns the latest permanent record starting at or before t.
func (s *Store) PermanentModeActiveAt(ctx context.Context, t time.Time) (Record, bool, error) {
	r, ok, err := s.repo.PermanentAt(ctx, t)
	if err != nil {
		return Record{}, false, errors.New(errors.ErrCodeStorageFailed, "PermanentModeActiveAt", "query failed", err)
	}
	return r, ok, nil
}

// TemporaryModeActiveAt returns the latest temporary record whose interval contains t.
func (s *Store) TemporaryModeActiveAt(ctx context.Context, t time.Time) (Record, bool, error) {
	r, ok, err := s.repo.TemporaryAt(ctx, t)
	if err != nil {
		return Record{}, false, errors.New(errors.ErrCodeStorageFailed, "TemporaryModeActiveAt", "query failed", err)
	}
	return r, ok, nil
}

// ActiveAt resolves the mode at t: temporary over permanent over DefaultMode.
// Expired temporary records simply stop matching.
func (s *Store) ActiveAt(ctx context.Context, t time.Time) (Record, error) {
	if r, ok, err := s.TemporaryModeActiveAt(ctx, t); err != nil || ok {
		return r, err
	}
	if r, ok, err := s.PermanentModeActiveAt(ctx, t); err != nil || ok {
		return r, err
	}
	return defaultRecord(), nil
}

// InsertOrUpdate appends r. An update is an insert whose ReferenceID names
// the record it supersedes; existing rows are never touched.
func (s *Store) InsertOrUpdate(ctx context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(ctx, r)
}

// Amend appends a corrected copy of record id. fn edits the copy.
func (s *Store) Amend(ctx context.Context, id int64, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amendLocked(ctx, id, fn)
}

// Invalidate soft-deletes record id by appending an invalid amendment.
func (s *Store) Invalidate(ctx context.Context, id int64, reason string) (Record, error) {
	return s.Amend(ctx, id, func(r *Record) {
		r.IsValid = false
		r.Reasons = appendReason(r.Reasons, reason)
	})
}

// EndTemporary truncates every temporary record covering now so the
// underlying permanent mode takes over. It returns the record that was in
// force and reports false when nothing temporary was active.
func (s *Store) EndTemporary(ctx context.Context, now time.Time, reason string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTemporaryLocked(ctx, now, reason)
}

// Transition resolves the mode at now, checks that to is reachable from it
// and persists the change without releasing the write lock in between.
// build turns the current record into the record to store; for RESUME only
// its Reasons are used. A temporary record cuts off any temporary interval
// still covering now. The record active before the change is returned, also
// alongside an error.
func (s *Store) Transition(ctx context.Context, now time.Time, to Mode, build func(current Record) (Record, error)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.ActiveAt(ctx, now)
	if err != nil {
		return Record{}, err
	}
	if err := s.CheckTransition(current.Mode, to); err != nil {
		return current, err
	}
	next, err := build(current)
	if err != nil {
		return current, err
	}

	if to == Resume {
		_, _, err := s.endTemporaryLocked(ctx, now, next.Reasons)
		return current, err
	}
	if next.Mode != to {
		return current, errors.New(errors.ErrCodeInvalidTransition, "Transition",
			fmt.Sprintf("record carries %s, requested %s", next.Mode, to), nil)
	}
	if err := validate(next); err != nil {
		return current, err
	}
	if next.IsTemporary() {
		if _, _, err := s.endTemporaryLocked(ctx, now, "replaced by "+string(to)); err != nil {
			return current, err
		}
	}
	_, err = s.insertLocked(ctx, next)
	return current, err
}

// History lists effective records that start within [from, to].
func (s *Store) History(ctx context.Context, from, to time.Time) ([]Record, error) {
	out, err := s.repo.Effective(ctx, from, to)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageFailed, "History", "query failed", err)
	}
	return out, nil
}

// AllowedNextModes returns the modes reachable from current, RESUME included
// where applicable.
func (s *Store) AllowedNextModes(current Mode) []Mode {
	next := s.policy.Next(fsm.State(current))
	out := make([]Mode, len(next))
	for i, st := range next {
		out[i] = Mode(st)
	}
	return out
}

// CheckTransition returns an InvalidTransition error when to is not reachable from from.
func (s *Store) CheckTransition(from, to Mode) error {
	if err := s.policy.Check(fsm.State(from), fsm.State(to)); err != nil {
		return errors.New(errors.ErrCodeInvalidTransition, "CheckTransition", err.Error(), nil)
	}
	return nil
}

func (s *Store) insertLocked(ctx context.Context, r Record) (Record, error) {
	if err := validate(r); err != nil {
		return Record{}, err
	}
	if r.ReferenceID != nil {
		target, err := s.repo.Get(ctx, *r.ReferenceID)
		if err != nil {
			return Record{}, errors.New(errors.ErrCodeStorageFailed, "InsertOrUpdate",
				fmt.Sprintf("referenced record %d", *r.ReferenceID), err)
		}
		if r.Version <= target.Version {
			r.Version = target.Version + 1
		}
	}
	r.ID = 0

	stored, err := s.repo.Insert(ctx, r)
	if err != nil {
		return Record{}, errors.New(errors.ErrCodeStorageFailed, "InsertOrUpdate", "insert failed", err)
	}
	s.log.Info("Running mode recorded",
		"id", stored.ID, "mode", stored.Mode, "timestamp", stored.Timestamp,
		"duration", stored.Duration, "autoForced", stored.AutoForced, "valid", stored.IsValid)
	return stored, nil
}

func (s *Store) amendLocked(ctx context.Context, id int64, fn func(*Record)) (Record, error) {
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, errors.New(errors.ErrCodeStorageFailed, "Amend", fmt.Sprintf("record %d", id), err)
	}
	next := target
	fn(&next)
	next.ReferenceID = &id
	next.Version = target.Version + 1
	return s.insertLocked(ctx, next)
}

func (s *Store) endTemporaryLocked(ctx context.Context, now time.Time, reason string) (Record, bool, error) {
	var first Record
	ended := false
	for {
		active, ok, err := s.TemporaryModeActiveAt(ctx, now)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			return first, ended, nil
		}

		elapsed := now.Sub(active.Timestamp).Truncate(time.Millisecond)
		r, err := s.amendLocked(ctx, active.ID, func(r *Record) {
			if elapsed <= 0 {
				// a zero duration would turn the record permanent
				r.IsValid = false
			} else {
				r.Duration = elapsed
			}
			r.Reasons = appendReason(r.Reasons, reason)
		})
		if err != nil {
			return Record{}, false, err
		}
		if !ended {
			first, ended = r, true
		}
	}
}

func validate(r Record) error {
	switch {
	case !r.Mode.IsPersistable():
		return errors.New(errors.ErrCodeInvalidTransition, "InsertOrUpdate", fmt.Sprintf("mode %q cannot be stored", r.Mode), nil)
	case r.Timestamp.IsZero():
		return errors.New(errors.ErrCodeInvalidTransition, "InsertOrUpdate", "timestamp is required", nil)
	case r.Duration < 0:
		return errors.New(errors.ErrCodeInvalidTransition, "InsertOrUpdate", "duration must not be negative", nil)
	case r.Duration > 0 && r.Duration < time.Millisecond:
		// stored at millisecond precision, it would read back as permanent
		return errors.New(errors.ErrCodeInvalidTransition, "InsertOrUpdate", "duration below one millisecond", nil)
	case !r.IsValid && r.ReferenceID == nil:
		return errors.New(errors.ErrCodeInvalidTransition, "InsertOrUpdate", "an invalid record must reference its target", nil)
	}
	return nil
}

func appendReason(existing, reason string) string {
	switch {
	case reason == "":
		return existing
	case existing == "":
		return reason
	default:
		return existing + "; " + reason
	}
}

// Personal.AI order the ending
