// internal/chat/hub.go
// Topic-keyed fan-out for realtime message delivery. Each websocket
// session subscribes to conversation topics; the hub delivers every
// published event to all local subscribers of that topic.

package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/smartbuild/chat-backend/internal/metrics"
)

type subscription struct {
	session *Session
	topic   string
	add     bool
}

// Hub maintains active websocket sessions and their topic subscriptions
type Hub struct {
	sessions map[*Session]map[string]bool // session -> subscribed topics
	topics   map[string]map[*Session]bool // topic -> sessions
	users    map[string]int               // userID -> live session count
	mu       sync.RWMutex

	register   chan *Session
	unregister chan *Session
	subscribe  chan subscription
	deliver    chan *Event

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		sessions:   make(map[*Session]map[string]bool),
		topics:     make(map[string]map[*Session]bool),
		users:      make(map[string]int),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		subscribe:  make(chan subscription),
		deliver:    make(chan *Event, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case session := <-h.register:
			h.registerSession(session)

		case session := <-h.unregister:
			h.unregisterSession(session)

		case sub := <-h.subscribe:
			h.applySubscription(sub)

		case event := <-h.deliver:
			h.deliverLocal(event)

		case <-h.ctx.Done():
			h.cleanup()
			return
		}
	}
}

// Publish delivers an event to local subscribers. When a Redis bridge is
// in front of the hub this is only called from the bridge's receive loop.
func (h *Hub) Publish(ctx context.Context, event *Event) error {
	select {
	case h.deliver <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsUserOnline reports whether a user has at least one live session
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}

// ActiveSessions returns the number of open sessions
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) Shutdown() {
	h.cancel()
}

func (h *Hub) registerSession(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[session] = make(map[string]bool)
	h.users[session.userID]++
	metrics.ActiveSessions.Set(float64(len(h.sessions)))

	log.Printf("User %s connected. Sessions: %d", session.userID, len(h.sessions))
}

func (h *Hub) unregisterSession(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, exists := h.sessions[session]
	if !exists {
		return
	}

	for topic := range topics {
		delete(h.topics[topic], session)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(h.sessions, session)

	h.users[session.userID]--
	if h.users[session.userID] <= 0 {
		delete(h.users, session.userID)
	}

	session.Close()
	metrics.ActiveSessions.Set(float64(len(h.sessions)))

	log.Printf("User %s disconnected. Sessions: %d", session.userID, len(h.sessions))
}

func (h *Hub) applySubscription(sub subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, exists := h.sessions[sub.session]
	if !exists {
		return
	}

	if sub.add {
		topics[sub.topic] = true
		if h.topics[sub.topic] == nil {
			h.topics[sub.topic] = make(map[*Session]bool)
		}
		h.topics[sub.topic][sub.session] = true
	} else {
		delete(topics, sub.topic)
		delete(h.topics[sub.topic], sub.session)
		if len(h.topics[sub.topic]) == 0 {
			delete(h.topics, sub.topic)
		}
	}
}

func (h *Hub) deliverLocal(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshalling event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for session := range h.topics[event.Topic] {
		select {
		case session.send <- data:
			metrics.FanoutDeliveries.Inc()
		default:
			// Slow consumer, drop the session
			go func(s *Session) { h.unregister <- s }(session)
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for session := range h.sessions {
		session.Close()
	}
	h.sessions = make(map[*Session]map[string]bool)
	h.topics = make(map[string]map[*Session]bool)
	h.users = make(map[string]int)
}

// RedisBridge spans the hub across server instances: publishes go to a
// Redis channel and every instance replays what it receives into its
// local hub. Subscribers therefore see events no matter which instance
// stored the message.
type RedisBridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
}

func NewRedisBridge(rdb *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{
		rdb:     rdb,
		hub:     hub,
		channel: "chat:fanout",
	}
}

// Publish sends the event through Redis
func (b *RedisBridge) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Run receives bridged events and replays them locally. Blocks until the
// context is cancelled.
func (b *RedisBridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("Bad bridged event: %v", err)
				continue
			}
			if err := b.hub.Publish(ctx, &event); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
