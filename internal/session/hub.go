package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Subscriber is one connected session. Deliver must not block; returning false
// means the message was dropped.
type Subscriber interface {
	Deliver(payload []byte) bool
}

// Publisher delivers an event to every current member of a topic, at most once and
// best effort. Missed messages are not persisted.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
}

// Hub holds the topic memberships of the sessions connected to this instance.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[Subscriber]struct{}
	members map[Subscriber][]string
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:  make(map[string]map[Subscriber]struct{}),
		members: make(map[Subscriber][]string),
		logger:  logger,
		now:     time.Now,
	}
}

// TopicsFor lists the groups an authenticated identity belongs to.
func TopicsFor(id Identity) []string {
	topics := []string{models.IdentityTopic(id.ID), models.TopicSessions}
	switch id.Role {
	case RoleDriver:
		topics = append(topics, models.TopicDrivers)
	case RoleAdmin:
		topics = append(topics, models.TopicAdmin)
	}
	return topics
}

// Register enrolls sub in every topic of id.
func (h *Hub) Register(sub Subscriber, id Identity) {
	topics := TopicsFor(id)
	h.mu.Lock()
	for _, t := range topics {
		set, ok := h.topics[t]
		if !ok {
			set = make(map[Subscriber]struct{})
			h.topics[t] = set
		}
		set[sub] = struct{}{}
	}
	h.members[sub] = topics
	h.mu.Unlock()
	observability.SessionsConnected.Inc()
	h.logger.Info("session registered", "identity", id.ID, "role", id.Role)
}

// Unregister drops every membership of sub. It reports whether sub was the last
// session of its identity on this instance.
func (h *Hub) Unregister(sub Subscriber) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.members[sub]
	if !ok {
		return false
	}
	delete(h.members, sub)
	for _, t := range topics {
		set := h.topics[t]
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, t)
		}
	}
	observability.SessionsConnected.Dec()
	_, still := h.topics[topics[0]]
	return !still
}

// Members counts the sessions currently in topic.
func (h *Hub) Members(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast hands an encoded frame to each member of topic and returns how many took it.
func (h *Hub) Broadcast(topic string, payload []byte) int {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if s.Deliver(payload) {
			delivered++
			continue
		}
		observability.DeliveriesDropped.Inc()
		h.logger.Warn("session buffer full, message dropped", "topic", topic)
	}
	return delivered
}

// Publish encodes ev and broadcasts it to local members only.
func (h *Hub) Publish(_ context.Context, topic string, ev models.Event) error {
	payload, err := models.Encode(ev, h.now())
	if err != nil {
		return err
	}
	h.Broadcast(topic, payload)
	return nil
}
