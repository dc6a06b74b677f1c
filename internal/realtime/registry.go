// Package realtime fans project mutation events out to live observers.
package realtime

import (
	"sync"
)

// Event is the unit delivered to every observer of a project.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Subscriber is one live observer channel. Notify must return quickly;
// a non-nil error marks the subscriber dead and removes it from the
// registry without affecting other recipients.
type Subscriber interface {
	Notify(Event) error
}

// Registry tracks which subscribers are listening to which project.
// All methods are safe for concurrent use; operations on different
// projects never contend with each other.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*projectHub
}

type projectHub struct {
	mu sync.Mutex
	// retired is set once the hub has drained and been unlinked from the
	// registry; a Connect that raced the unlink retries on a fresh hub.
	retired bool
	subs    map[Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]*projectHub)}
}

func (r *Registry) hub(projectID string) *projectHub {
	r.mu.RLock()
	hub := r.projects[projectID]
	r.mu.RUnlock()
	if hub != nil {
		return hub
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if hub = r.projects[projectID]; hub == nil {
		hub = &projectHub{subs: make(map[Subscriber]struct{})}
		r.projects[projectID] = hub
	}
	return hub
}

// Connect registers sub as an observer of projectID. The same logical
// client may hold any number of registrations.
func (r *Registry) Connect(projectID string, sub Subscriber) {
	for {
		hub := r.hub(projectID)
		hub.mu.Lock()
		if hub.retired {
			hub.mu.Unlock()
			continue
		}
		hub.subs[sub] = struct{}{}
		hub.mu.Unlock()
		return
	}
}

// Disconnect removes sub from projectID's observer set. Disconnecting a
// subscriber that is not registered is a no-op.
func (r *Registry) Disconnect(projectID string, sub Subscriber) {
	r.mu.RLock()
	hub := r.projects[projectID]
	r.mu.RUnlock()
	if hub == nil {
		return
	}

	hub.mu.Lock()
	delete(hub.subs, sub)
	drained := len(hub.subs) == 0 && !hub.retired
	if drained {
		hub.retired = true
	}
	hub.mu.Unlock()

	if drained {
		r.mu.Lock()
		if r.projects[projectID] == hub {
			delete(r.projects, projectID)
		}
		r.mu.Unlock()
	}
}

// Broadcast delivers message to every subscriber currently registered
// under projectID. Delivery is independent per recipient: a dead
// subscriber is dropped from the registry and the rest still receive
// the message. Broadcasting to a project with no observers does
// nothing. Broadcast never returns an error to its caller.
func (r *Registry) Broadcast(projectID, message string) {
	r.mu.RLock()
	hub := r.projects[projectID]
	r.mu.RUnlock()
	if hub == nil {
		return
	}

	hub.mu.Lock()
	snapshot := make([]Subscriber, 0, len(hub.subs))
	for sub := range hub.subs {
		snapshot = append(snapshot, sub)
	}
	hub.mu.Unlock()

	event := Event{Type: "notification", Message: message}
	for _, sub := range snapshot {
		if err := sub.Notify(event); err != nil {
			r.Disconnect(projectID, sub)
		}
	}
}

// Observers reports how many subscribers are registered under projectID.
func (r *Registry) Observers(projectID string) int {
	r.mu.RLock()
	hub := r.projects[projectID]
	r.mu.RUnlock()
	if hub == nil {
		return 0
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.subs)
}
