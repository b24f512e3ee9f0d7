package runningmode

import "github.com/turtacn/closedloop/pkg/fsm"

// Transitions is the allowed-next-mode table. Permanent modes may not repeat
// themselves; temporary modes may (to change the duration) and leave only
// through RESUME or a more restrictive temporary mode.
func Transitions() *fsm.Policy {
	p := fsm.NewPolicy()
	add := func(from Mode, to ...Mode) {
		states := make([]fsm.State, len(to))
		for i, m := range to {
			states[i] = fsm.State(m)
		}
		p.AddTransition(fsm.State(from), states...)
	}

	add(ClosedLoop, ClosedLoopLGS, OpenLoop, DisabledLoop,
		SuperBolus, DisconnectedPump, SuspendedByUser, SuspendedByPump, SuspendedByDST)
	add(ClosedLoopLGS, ClosedLoop, OpenLoop, DisabledLoop,
		DisconnectedPump, SuspendedByUser, SuspendedByPump, SuspendedByDST)
	add(OpenLoop, ClosedLoop, ClosedLoopLGS, DisabledLoop,
		SuperBolus, DisconnectedPump, SuspendedByUser, SuspendedByPump, SuspendedByDST)
	add(DisabledLoop, ClosedLoop, ClosedLoopLGS, OpenLoop,
		DisconnectedPump, SuspendedByPump, SuspendedByDST)

	add(SuperBolus, Resume, DisconnectedPump, SuspendedByPump, SuspendedByDST)
	add(DisconnectedPump, Resume, DisconnectedPump)
	add(SuspendedByUser, Resume, SuspendedByUser, DisconnectedPump, SuspendedByPump, SuspendedByDST)
	add(SuspendedByPump, Resume, SuspendedByPump, DisconnectedPump)
	add(SuspendedByDST, Resume, SuspendedByDST, DisconnectedPump, SuspendedByPump)
	return p
}

// Personal.AI order the ending
