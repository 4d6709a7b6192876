package voice

import (
	"sync"

	"github.com/google/uuid"
)

// ChannelType classifies a voice channel
type ChannelType int

const (
	ChannelGlobal ChannelType = iota
	ChannelProximity
	ChannelParty
	ChannelTeam
	ChannelPrivate
	ChannelAdmin
)

func (t ChannelType) String() string {
	switch t {
	case ChannelGlobal:
		return "global"
	case ChannelProximity:
		return "proximity"
	case ChannelParty:
		return "party"
	case ChannelTeam:
		return "team"
	case ChannelPrivate:
		return "private"
	case ChannelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ChannelSettings carries per-channel configuration
type ChannelSettings struct {
	Persistent bool
	Password   string
	MaxMembers int
	PushToTalk bool
}

// Delivery computes the candidate listeners for a frame spoken in a channel.
// Proximity channels consider every connected player; member channels only
// their own member set. Candidates never include the speaker; mute, deafen
// and distance filtering happen downstream.
type Delivery interface {
	Candidates(speakerID uuid.UUID, members, connected []uuid.UUID) []uuid.UUID
}

// ProximityDelivery fans out by world distance, independent of membership
type ProximityDelivery struct{}

func (ProximityDelivery) Candidates(speakerID uuid.UUID, _, connected []uuid.UUID) []uuid.UUID {
	return excluding(connected, speakerID)
}

// MemberDelivery fans out to the channel member set
type MemberDelivery struct{}

func (MemberDelivery) Candidates(speakerID uuid.UUID, members, _ []uuid.UUID) []uuid.UUID {
	return excluding(members, speakerID)
}

func excluding(ids []uuid.UUID, skip uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

// Channel is a persistent or ad-hoc grouping a player speaks into. A player
// belongs to at most one channel at a time; membership writes are serialized
// by the manager.
type Channel struct {
	mu sync.RWMutex

	id       uuid.UUID
	name     string
	typ      ChannelType
	settings ChannelSettings
	members  map[uuid.UUID]struct{}
	delivery Delivery
}

// NewChannel creates an empty channel of the given type
func NewChannel(name string, typ ChannelType, settings ChannelSettings) *Channel {
	var delivery Delivery = MemberDelivery{}
	if typ == ChannelProximity {
		delivery = ProximityDelivery{}
	}

	return &Channel{
		id:       uuid.New(),
		name:     name,
		typ:      typ,
		settings: settings,
		members:  make(map[uuid.UUID]struct{}),
		delivery: delivery,
	}
}

// ID returns the channel id
func (c *Channel) ID() uuid.UUID { return c.id }

// Name returns the channel name
func (c *Channel) Name() string { return c.name }

// Type returns the channel type
func (c *Channel) Type() ChannelType { return c.typ }

// Settings returns the channel settings
func (c *Channel) Settings() ChannelSettings { return c.settings }

// Delivery returns the channel's fan-out behavior
func (c *Channel) Delivery() Delivery { return c.delivery }

// AddMember inserts a player. Returns false when the channel is full.
func (c *Channel) AddMember(playerID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[playerID]; ok {
		return true
	}
	if c.settings.MaxMembers > 0 && len(c.members) >= c.settings.MaxMembers {
		return false
	}
	c.members[playerID] = struct{}{}
	return true
}

// RemoveMember drops a player and reports whether they were a member
func (c *Channel) RemoveMember(playerID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[playerID]; !ok {
		return false
	}
	delete(c.members, playerID)
	return true
}

// HasMember reports membership
func (c *Channel) HasMember(playerID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[playerID]
	return ok
}

// Members returns a snapshot of the member set
func (c *Channel) Members() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

// Len returns the member count
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}
