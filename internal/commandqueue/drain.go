package commandqueue

import (
	"context"
	"time"

	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
)

// Idle reports whether nothing is pending or executing.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.executing == nil
}

// WaitDrained polls until the queue is idle. It fails with
// QueueSaturationTimeout once deadline passes; zero values select defaults.
func (q *Queue) WaitDrained(ctx context.Context, deadline, poll time.Duration) error {
	if deadline <= 0 {
		deadline = consts.DefaultDrainDeadline
	}
	if poll <= 0 {
		poll = consts.DefaultDrainPoll
	}
	if q.Idle() {
		return nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New(errors.ErrCodeQueueSaturationTimeout, "commandqueue.WaitDrained",
				"queue did not drain in "+deadline.String(), nil)
		case <-ticker.C:
			if q.Idle() {
				return nil
			}
		}
	}
}

// Personal.AI order the ending
