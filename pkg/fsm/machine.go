package fsm

import (
	"fmt"
	"sort"
	"sync"
)

type State string

// Handler is executed when a transition occurs, before the new state is visible.
type Handler func(from, to State) error

// Policy is a directed transition table. It holds no current state, so one
// Policy can be shared by many machines or consulted directly.
type Policy struct {
	mu          sync.RWMutex
	transitions map[State]map[State]struct{}
}

func NewPolicy() *Policy {
	return &Policy{transitions: make(map[State]map[State]struct{})}
}

// AddTransition allows moving from `from` to each of `to`.
func (p *Policy) AddTransition(from State, to ...State) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.transitions[from]; !ok {
		p.transitions[from] = make(map[State]struct{})
	}
	for _, s := range to {
		p.transitions[from][s] = struct{}{}
	}
	return p
}

// Can reports whether from -> to is in the table.
func (p *Policy) Can(from, to State) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.transitions[from][to]
	return ok
}

// Check is Can with an error describing the rejected transition.
func (p *Policy) Check(from, to State) error {
	if !p.Can(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Next returns the states reachable from `from`, sorted for stable output.
func (p *Policy) Next(from State) []State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]State, 0, len(p.transitions[from]))
	for s := range p.transitions[from] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sources returns every state that has at least one outgoing transition.
func (p *Policy) Sources() []State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]State, 0, len(p.transitions))
	for s := range p.transitions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StateMachine tracks a current state constrained by a Policy.
type StateMachine struct {
	mu       sync.Mutex
	current  State
	policy   *Policy
	onChange Handler
}

func New(initial State, policy *Policy) *StateMachine {
	return &StateMachine{current: initial, policy: policy}
}

// OnChange registers a handler run on every accepted transition.
func (sm *StateMachine) OnChange(h Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = h
}

func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Fire moves the machine to `to`. It is thread-safe. If the handler fails
// the state is left unchanged.
func (sm *StateMachine) Fire(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.policy.Check(sm.current, to); err != nil {
		return err
	}
	if sm.onChange != nil {
		if err := sm.onChange(sm.current, to); err != nil {
			return err
		}
	}
	sm.current = to
	return nil
}

// Personal.AI order the ending
