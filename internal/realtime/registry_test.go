package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// chanSubscriber records every event it receives; failAlways simulates
// a dead connection whose every delivery attempt errors.
type chanSubscriber struct {
	mu         sync.Mutex
	events     []Event
	failAlways bool
}

func (s *chanSubscriber) Notify(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAlways {
		return errors.New("connection reset")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *chanSubscriber) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestBroadcastWithoutObserversIsNoOp(t *testing.T) {
	registry := NewRegistry()
	// Must not panic or register anything.
	registry.Broadcast("proj_nobody", "task updated")
	if got := registry.Observers("proj_nobody"); got != 0 {
		t.Fatalf("Observers() = %d, want 0", got)
	}
}

func TestBroadcastReachesAllObserversOfProject(t *testing.T) {
	registry := NewRegistry()
	a := &chanSubscriber{}
	b := &chanSubscriber{}
	other := &chanSubscriber{}
	registry.Connect("proj_1", a)
	registry.Connect("proj_1", b)
	registry.Connect("proj_2", other)

	registry.Broadcast("proj_1", "Amina completed task \"Drill Well #7\"")

	for _, sub := range []*chanSubscriber{a, b} {
		events := sub.received()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Type != "notification" {
			t.Fatalf("event type = %q, want notification", events[0].Type)
		}
		if events[0].Message != "Amina completed task \"Drill Well #7\"" {
			t.Fatalf("unexpected message %q", events[0].Message)
		}
	}
	if events := other.received(); len(events) != 0 {
		t.Fatalf("observer of another project received %d events", len(events))
	}
}

func TestBroadcastDropsDeadObserverAndDeliversToRest(t *testing.T) {
	registry := NewRegistry()
	alive1 := &chanSubscriber{}
	dead := &chanSubscriber{failAlways: true}
	alive2 := &chanSubscriber{}
	registry.Connect("proj_1", alive1)
	registry.Connect("proj_1", dead)
	registry.Connect("proj_1", alive2)

	registry.Broadcast("proj_1", "objective renamed")

	if len(alive1.received()) != 1 || len(alive2.received()) != 1 {
		t.Fatalf("live observers should still receive the message")
	}
	if got := registry.Observers("proj_1"); got != 2 {
		t.Fatalf("Observers() = %d after dead channel removal, want 2", got)
	}

	// Dead channel must be gone: the next broadcast only reaches two.
	registry.Broadcast("proj_1", "again")
	if len(alive1.received()) != 2 || len(alive2.received()) != 2 {
		t.Fatalf("second broadcast lost")
	}
}

func TestDisconnectAbsentSubscriberIsNoOp(t *testing.T) {
	registry := NewRegistry()
	sub := &chanSubscriber{}
	registry.Disconnect("proj_1", sub)

	registry.Connect("proj_1", sub)
	registry.Disconnect("proj_1", sub)
	registry.Disconnect("proj_1", sub)
	if got := registry.Observers("proj_1"); got != 0 {
		t.Fatalf("Observers() = %d, want 0", got)
	}
}

func TestRegistryUnderConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	const projects = 4
	const perProject = 25

	var wg sync.WaitGroup
	keep := make([][]*chanSubscriber, projects)
	for p := 0; p < projects; p++ {
		projectID := fmt.Sprintf("proj_%d", p)
		keep[p] = make([]*chanSubscriber, perProject)
		for i := 0; i < perProject; i++ {
			keep[p][i] = &chanSubscriber{}
			wg.Add(2)
			// Stable subscriber.
			go func(sub *chanSubscriber) {
				defer wg.Done()
				registry.Connect(projectID, sub)
			}(keep[p][i])
			// Churner: connects then immediately disconnects while
			// broadcasts race against it.
			go func() {
				defer wg.Done()
				churn := &chanSubscriber{}
				registry.Connect(projectID, churn)
				registry.Broadcast(projectID, "tick")
				registry.Disconnect(projectID, churn)
			}()
		}
	}
	wg.Wait()

	for p := 0; p < projects; p++ {
		projectID := fmt.Sprintf("proj_%d", p)
		if got := registry.Observers(projectID); got != perProject {
			t.Fatalf("%s: Observers() = %d, want %d (lost or phantom registration)", projectID, got, perProject)
		}
		// One final broadcast reaches exactly the stable subscribers.
		registry.Broadcast(projectID, "final")
		for i, sub := range keep[p] {
			events := sub.received()
			if len(events) == 0 || events[len(events)-1].Message != "final" {
				t.Fatalf("%s subscriber %d missed the final broadcast", projectID, i)
			}
		}
	}
}

func TestConnectAfterDrainedHubIsNotLost(t *testing.T) {
	registry := NewRegistry()
	first := &chanSubscriber{}
	registry.Connect("proj_1", first)
	registry.Disconnect("proj_1", first)

	second := &chanSubscriber{}
	registry.Connect("proj_1", second)
	registry.Broadcast("proj_1", "still here")
	if len(second.received()) != 1 {
		t.Fatalf("subscriber registered after hub drain missed a broadcast")
	}
}
