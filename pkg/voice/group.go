package voice

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"voicechat-server/pkg/errors"
)

// MemberSettings holds a group's per-member delivery knobs
type MemberSettings struct {
	Volume float64
	Muted  bool
	Leader bool
}

// Group is an ad-hoc voice grouping with optional password and capacity. A
// player may belong to several groups at once. The owner is always a member;
// when the owner leaves, leadership passes to an arbitrary remaining member.
type Group struct {
	mu sync.RWMutex

	id         uuid.UUID
	name       string
	owner      uuid.UUID
	password   string
	public     bool
	persistent bool
	maxMembers int

	members      map[uuid.UUID]*MemberSettings
	lastActivity time.Time
}

// NewGroup creates a group with the owner as its first member
func NewGroup(name string, owner uuid.UUID, password string, public, persistent bool, maxMembers int) *Group {
	g := &Group{
		id:           uuid.New(),
		name:         name,
		owner:        owner,
		password:     password,
		public:       public,
		persistent:   persistent,
		maxMembers:   maxMembers,
		members:      make(map[uuid.UUID]*MemberSettings),
		lastActivity: time.Now(),
	}
	g.members[owner] = &MemberSettings{Volume: 1.0, Leader: true}
	return g
}

// ID returns the group id
func (g *Group) ID() uuid.UUID { return g.id }

// Name returns the group name
func (g *Group) Name() string { return g.name }

// Owner returns the current owner
func (g *Group) Owner() uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// Public reports whether the group is listed publicly
func (g *Group) Public() bool { return g.public }

// Persistent reports whether the group survives emptying
func (g *Group) Persistent() bool { return g.persistent }

// HasPassword reports whether joining requires a password
func (g *Group) HasPassword() bool { return g.password != "" }

// AddMember joins a player, checking password and capacity
func (g *Group) AddMember(playerID uuid.UUID, password string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[playerID]; ok {
		return nil
	}
	if g.password != "" && g.password != password {
		return errors.ErrWrongPassword
	}
	if g.maxMembers > 0 && len(g.members) >= g.maxMembers {
		return errors.ErrGroupFull
	}

	g.members[playerID] = &MemberSettings{Volume: 1.0}
	g.lastActivity = time.Now()
	return nil
}

// RemoveMember drops a player. If the owner leaves and members remain,
// ownership transfers to one of them. Returns whether the player was a
// member and whether the group is now empty.
func (g *Group) RemoveMember(playerID uuid.UUID) (removed, empty bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[playerID]; !ok {
		return false, len(g.members) == 0
	}
	delete(g.members, playerID)
	g.lastActivity = time.Now()

	if g.owner == playerID {
		for id, settings := range g.members {
			g.owner = id
			settings.Leader = true
			break
		}
	}

	return true, len(g.members) == 0
}

// HasMember reports membership
func (g *Group) HasMember(playerID uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[playerID]
	return ok
}

// Members returns a snapshot of the member ids
func (g *Group) Members() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// Len returns the member count
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// MemberSettings returns a copy of a member's settings
func (g *Group) MemberSettings(playerID uuid.UUID) (MemberSettings, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.members[playerID]
	if !ok {
		return MemberSettings{}, false
	}
	return *s, true
}

// SetMemberVolume sets a member's playback volume within the group
func (g *Group) SetMemberVolume(playerID uuid.UUID, volume float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.members[playerID]
	if !ok {
		return false
	}
	s.Volume = volume
	return true
}

// SetMemberMuted mutes or unmutes a member within the group
func (g *Group) SetMemberMuted(playerID uuid.UUID, muted bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.members[playerID]
	if !ok {
		return false
	}
	s.Muted = muted
	return true
}

// Touch stamps the group as recently active
func (g *Group) Touch() {
	g.mu.Lock()
	g.lastActivity = time.Now()
	g.mu.Unlock()
}

// IdleSince returns the last activity time
func (g *Group) IdleSince() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastActivity
}
