package voice

import (
	"sync"

	"github.com/google/uuid"
)

// Event names
const (
	EventPlayerJoined     = "player_joined"
	EventPlayerQuit       = "player_quit"
	EventChannelCreated   = "channel_created"
	EventChannelDeleted   = "channel_deleted"
	EventChannelJoined    = "channel_joined"
	EventChannelLeft      = "channel_left"
	EventGroupCreated     = "group_created"
	EventGroupDeleted     = "group_deleted"
	EventGroupJoined      = "group_joined"
	EventGroupLeft        = "group_left"
	EventStateChanged     = "state_changed"
	EventRecordingStarted = "recording_started"
	EventRecordingStopped = "recording_stopped"
)

// Event is a typed notification emitted by the manager
type Event interface {
	Name() string
}

// PlayerEvent covers player join/quit
type PlayerEvent struct {
	Kind     string
	PlayerID uuid.UUID
}

func (e PlayerEvent) Name() string { return e.Kind }

// ChannelEvent covers channel lifecycle and membership changes
type ChannelEvent struct {
	Kind      string
	ChannelID uuid.UUID
	Channel   string
	PlayerID  uuid.UUID
}

func (e ChannelEvent) Name() string { return e.Kind }

// GroupEvent covers group lifecycle and membership changes
type GroupEvent struct {
	Kind     string
	GroupID  uuid.UUID
	Group    string
	PlayerID uuid.UUID
}

func (e GroupEvent) Name() string { return e.Kind }

// StateEvent reports a voice flag change for a player
type StateEvent struct {
	PlayerID uuid.UUID
	Flags    StateFlags
}

func (e StateEvent) Name() string { return EventStateChanged }

// RecordingEvent reports recording session start/stop
type RecordingEvent struct {
	Kind     string
	PlayerID uuid.UUID
}

func (e RecordingEvent) Name() string { return e.Kind }

// Handler receives published events
type Handler func(Event)

// Subscription is a handle for removing a handler from the registry
type Subscription struct {
	registry *EventRegistry
	id       uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.registry.remove(s.id)
}

type subscriber struct {
	id      uint64
	name    string // empty subscribes to all events
	handler Handler
}

// EventRegistry is an observer registry with deterministic invocation order:
// handlers run synchronously in registration order on the publishing
// goroutine.
type EventRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

// NewEventRegistry creates an empty registry
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{}
}

// Subscribe registers a handler for one event name
func (r *EventRegistry) Subscribe(name string, handler Handler) *Subscription {
	return r.add(name, handler)
}

// SubscribeAll registers a handler for every event
func (r *EventRegistry) SubscribeAll(handler Handler) *Subscription {
	return r.add("", handler)
}

func (r *EventRegistry) add(name string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.subs = append(r.subs, subscriber{id: r.nextID, name: name, handler: handler})
	return &Subscription{registry: r, id: r.nextID}
}

func (r *EventRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all matching handlers in registration order
func (r *EventRegistry) Publish(e Event) {
	r.mu.RLock()
	subs := make([]subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, s := range subs {
		if s.name == "" || s.name == e.Name() {
			s.handler(e)
		}
	}
}
