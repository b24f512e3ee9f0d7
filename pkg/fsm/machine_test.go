package fsm

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestPolicy_NextIsSorted(t *testing.T) {
	p := NewPolicy().AddTransition("idle", "running", "failed", "cancelled")

	got := p.Next("idle")
	want := []State{"cancelled", "failed", "running"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if len(p.Next("unknown")) != 0 {
		t.Error("Expected no transitions from an unknown state")
	}
}

func TestPolicy_Check(t *testing.T) {
	p := NewPolicy().AddTransition("off", "on")
	if err := p.Check("off", "on"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := p.Check("on", "off")
	if err == nil || err.Error() != "invalid transition from on to off" {
		t.Fatalf("Expected invalid transition error, got %v", err)
	}
}

func TestPolicy_Sources(t *testing.T) {
	p := NewPolicy().AddTransition("b", "c").AddTransition("a", "b")
	if got := p.Sources(); !reflect.DeepEqual(got, []State{"a", "b"}) {
		t.Errorf("unexpected sources %v", got)
	}
}

func TestStateMachine_Basic(t *testing.T) {
	sm := New("off", NewPolicy().AddTransition("off", "on"))

	if sm.Current() != "off" {
		t.Errorf("Expected off, got %s", sm.Current())
	}
	if err := sm.Fire("on"); err != nil {
		t.Fatal(err)
	}
	if sm.Current() != "on" {
		t.Errorf("Expected on, got %s", sm.Current())
	}
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := New("start", NewPolicy())
	if err := sm.Fire("end"); err == nil {
		t.Fatal("Expected error for unknown transition")
	}
	if sm.Current() != "start" {
		t.Errorf("state must not change on rejection, got %s", sm.Current())
	}
}

func TestStateMachine_HandlerError(t *testing.T) {
	sm := New("A", NewPolicy().AddTransition("A", "B"))
	sm.OnChange(func(from, to State) error {
		return fmt.Errorf("handler failed")
	})

	err := sm.Fire("B")
	if err == nil || err.Error() != "handler failed" {
		t.Fatalf("Expected handler failed error, got %v", err)
	}
	if sm.Current() != "A" {
		t.Errorf("Expected state A after handler failure, got %s", sm.Current())
	}
}

func TestStateMachine_HandlerSeesBothStates(t *testing.T) {
	sm := New("A", NewPolicy().AddTransition("A", "B"))
	var seenFrom, seenTo State
	sm.OnChange(func(from, to State) error {
		seenFrom, seenTo = from, to
		return nil
	})

	if err := sm.Fire("B"); err != nil {
		t.Fatal(err)
	}
	if seenFrom != "A" || seenTo != "B" {
		t.Errorf("handler saw %s -> %s", seenFrom, seenTo)
	}
}

func TestStateMachine_ConcurrentFireOnlyOneWins(t *testing.T) {
	sm := New("queued", NewPolicy().
		AddTransition("queued", "executing", "cancelled"))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, to := range []State{"executing", "cancelled"} {
		wg.Add(1)
		go func(to State) {
			defer wg.Done()
			results <- sm.Fire(to)
		}(to)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly one transition to win, got %d", ok)
	}
}
