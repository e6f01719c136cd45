// Package notify delivers change notifications to principals that
// subscribed to an artifact.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/core"
)

// DefaultInboxSize bounds undelivered notifications per principal.
const DefaultInboxSize = 256

// Subscription registers a principal for changes to one artifact.
type Subscription struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	ArtifactID string    `json:"artifact_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification tells a subscriber an artifact changed.
type Notification struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventNumber    int64           `json:"event_number"`
	Action         core.ActionType `json:"action"`
	ArtifactID     string          `json:"artifact_id"`
	Actor          string          `json:"actor"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Listener receives notifications in real time
type Listener interface {
	ID() string
	Principal() string
	// Send must not block.
	Send(n Notification) error
}

// Hub manages subscriptions, inboxes and live listeners.
type Hub struct {
	clock     clock.Clock
	inboxSize int

	mu         sync.RWMutex
	subs       map[string]*Subscription
	byArtifact map[string]map[string]*Subscription
	inbox      map[string][]Notification
	listeners  map[string]Listener
	dropped    int64
}

// NewHub creates a hub.
func NewHub(clk clock.Clock, inboxSize int) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Hub{
		clock:      clk,
		inboxSize:  inboxSize,
		subs:       make(map[string]*Subscription),
		byArtifact: make(map[string]map[string]*Subscription),
		inbox:      make(map[string][]Notification),
		listeners:  make(map[string]Listener),
	}
}

// Subscribe registers principal for changes to artifactID. Subscribing
// twice returns the existing subscription.
func (h *Hub) Subscribe(principal, artifactID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.byArtifact[artifactID] {
		if s.Principal == principal {
			c := *s
			return &c
		}
	}
	s := &Subscription{
		ID:         uuid.New().String(),
		Principal:  principal,
		ArtifactID: artifactID,
		CreatedAt:  h.clock.Now().UTC(),
	}
	h.add(s)
	c := *s
	return &c
}

func (h *Hub) add(s *Subscription) {
	h.subs[s.ID] = s
	if h.byArtifact[s.ArtifactID] == nil {
		h.byArtifact[s.ArtifactID] = make(map[string]*Subscription)
	}
	h.byArtifact[s.ArtifactID][s.ID] = s
}

// Unsubscribe removes principal's subscription to artifactID.
func (h *Hub) Unsubscribe(principal, artifactID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.byArtifact[artifactID] {
		if s.Principal != principal {
			continue
		}
		delete(h.byArtifact[artifactID], id)
		if len(h.byArtifact[artifactID]) == 0 {
			delete(h.byArtifact, artifactID)
		}
		delete(h.subs, id)
		return nil
	}
	return core.Errorf(core.CodeNotFound, "%s is not subscribed to %s", principal, artifactID)
}

// Subscriptions lists a principal's subscriptions ordered by artifact.
func (h *Hub) Subscriptions(principal string) []Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Subscription
	for _, s := range h.subs {
		if s.Principal == principal {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out
}

// Publish fans an event out to subscribers of its target. It returns the
// number of notifications created.
func (h *Hub) Publish(e *core.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.byArtifact[e.Target]
	if len(subs) == 0 {
		return 0
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := subs[id]
		n := Notification{
			ID:             uuid.New().String(),
			SubscriptionID: s.ID,
			EventNumber:    e.Number,
			Action:         e.ActionType,
			ArtifactID:     e.Target,
			Actor:          e.Actor,
			CreatedAt:      h.clock.Now().UTC(),
		}
		box := append(h.inbox[s.Principal], n)
		if over := len(box) - h.inboxSize; over > 0 {
			box = box[over:]
			h.dropped += int64(over)
		}
		h.inbox[s.Principal] = box

		for _, l := range h.listeners {
			if l.Principal() == s.Principal {
				_ = l.Send(n)
			}
		}
	}
	return len(ids)
}

// Drain removes and returns up to max pending notifications for principal,
// oldest first. max <= 0 drains everything.
func (h *Hub) Drain(principal string, max int) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inbox[principal]
	if max <= 0 || max > len(box) {
		max = len(box)
	}
	out := append([]Notification(nil), box[:max]...)
	if rest := box[max:]; len(rest) > 0 {
		h.inbox[principal] = rest
	} else {
		delete(h.inbox, principal)
	}
	return out
}

// Pending returns the number of undelivered notifications for principal.
func (h *Hub) Pending(principal string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.inbox[principal])
}

// Dropped returns how many notifications overflowed inboxes.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Attach adds a live listener.
func (h *Hub) Attach(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[l.ID()] = l
}

// Detach removes a live listener
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// Snapshot returns all subscriptions ordered by id.
func (h *Hub) Snapshot() []Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all subscriptions. Inboxes start empty.
func (h *Hub) Restore(subs []Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string]*Subscription, len(subs))
	h.byArtifact = make(map[string]map[string]*Subscription)
	h.inbox = make(map[string][]Notification)
	for i := range subs {
		s := subs[i]
		h.add(&s)
	}
}
