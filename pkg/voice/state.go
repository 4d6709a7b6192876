package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicechat-server/pkg/spatial"
)

// ActivationMode selects how a player's microphone opens
type ActivationMode byte

const (
	VoiceActivation ActivationMode = 0
	PushToTalk      ActivationMode = 1
	AlwaysOn        ActivationMode = 2
)

// ParseActivationMode maps a configuration string to an activation mode
func ParseActivationMode(s string) (ActivationMode, error) {
	switch s {
	case "voice":
		return VoiceActivation, nil
	case "push-to-talk":
		return PushToTalk, nil
	case "open":
		return AlwaysOn, nil
	default:
		return VoiceActivation, fmt.Errorf("unknown activation mode %q", s)
	}
}

func (m ActivationMode) String() string {
	switch m {
	case VoiceActivation:
		return "voice"
	case PushToTalk:
		return "push-to-talk"
	case AlwaysOn:
		return "open"
	default:
		return "unknown"
	}
}

// StateFlags is a read-only snapshot of a player's voice flags
type StateFlags struct {
	Speaking        bool
	Muted           bool
	SelfMuted       bool
	Deafened        bool
	SelfDeafened    bool
	PrioritySpeaker bool
	Whispering      bool
}

// VoiceState holds the mutable voice status of one connected player. It is
// created on join and destroyed on quit; audio routing reads it concurrently
// with control-plane mutation, so every access goes through the lock.
type VoiceState struct {
	mu sync.RWMutex

	id   uuid.UUID
	name string

	position      spatial.Vec3
	lookDirection spatial.Vec3

	flags          StateFlags
	pushToTalkHeld bool
	activationMode ActivationMode

	// Per-target playback volume overrides, default 1.0.
	volumeOverrides map[uuid.UUID]float64
	inputVolume     float64
	outputVolume    float64

	lastVoiceActivity time.Time
}

// NewVoiceState creates the state for a freshly joined player
func NewVoiceState(id uuid.UUID, name string, position, look spatial.Vec3, mode ActivationMode) *VoiceState {
	return &VoiceState{
		id:              id,
		name:            name,
		position:        position,
		lookDirection:   look,
		activationMode:  mode,
		volumeOverrides: make(map[uuid.UUID]float64),
		inputVolume:     1.0,
		outputVolume:    1.0,
	}
}

// ID returns the player id
func (s *VoiceState) ID() uuid.UUID { return s.id }

// Name returns the player name
func (s *VoiceState) Name() string { return s.name }

// Position returns the player's current world position
func (s *VoiceState) Position() spatial.Vec3 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// LookDirection returns the player's current facing vector
func (s *VoiceState) LookDirection() spatial.Vec3 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookDirection
}

// Move updates position and look direction
func (s *VoiceState) Move(position, look spatial.Vec3) {
	s.mu.Lock()
	s.position = position
	s.lookDirection = look
	s.mu.Unlock()
}

// Flags returns a snapshot of the voice flags
func (s *VoiceState) Flags() StateFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// CanHear reports whether the player accepts incoming audio
func (s *VoiceState) CanHear() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.flags.Deafened && !s.flags.SelfDeafened
}

// CanSpeak reports whether the player is allowed to transmit
func (s *VoiceState) CanSpeak() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.flags.Muted && !s.flags.SelfMuted
}

// SetSpeaking sets the speaking flag and returns true if it changed
func (s *VoiceState) SetSpeaking(speaking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flags.Speaking == speaking {
		return false
	}
	s.flags.Speaking = speaking
	return true
}

// MarkVoiceActivity stamps the last activity time
func (s *VoiceState) MarkVoiceActivity(t time.Time) {
	s.mu.Lock()
	s.lastVoiceActivity = t
	s.mu.Unlock()
}

// LastVoiceActivity returns the last time voice was routed for this player
func (s *VoiceState) LastVoiceActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastVoiceActivity
}

// SetMuted sets the server mute flag
func (s *VoiceState) SetMuted(muted bool) {
	s.mu.Lock()
	s.flags.Muted = muted
	s.mu.Unlock()
}

// SetSelfMuted sets the client-requested mute flag
func (s *VoiceState) SetSelfMuted(muted bool) {
	s.mu.Lock()
	s.flags.SelfMuted = muted
	s.mu.Unlock()
}

// SetDeafened sets the server deafen flag
func (s *VoiceState) SetDeafened(deafened bool) {
	s.mu.Lock()
	s.flags.Deafened = deafened
	s.mu.Unlock()
}

// SetSelfDeafened sets the client-requested deafen flag
func (s *VoiceState) SetSelfDeafened(deafened bool) {
	s.mu.Lock()
	s.flags.SelfDeafened = deafened
	s.mu.Unlock()
}

// SetPrioritySpeaker marks the player as a priority speaker
func (s *VoiceState) SetPrioritySpeaker(priority bool) {
	s.mu.Lock()
	s.flags.PrioritySpeaker = priority
	s.mu.Unlock()
}

// SetWhispering sets the whisper flag
func (s *VoiceState) SetWhispering(whispering bool) {
	s.mu.Lock()
	s.flags.Whispering = whispering
	s.mu.Unlock()
}

// ActivationMode returns the current activation mode
func (s *VoiceState) ActivationMode() ActivationMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activationMode
}

// SetActivationMode switches the activation mode
func (s *VoiceState) SetActivationMode(mode ActivationMode) {
	s.mu.Lock()
	s.activationMode = mode
	s.mu.Unlock()
}

// PushToTalkHeld reports whether the push-to-talk key is currently held
func (s *VoiceState) PushToTalkHeld() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushToTalkHeld
}

// SetPushToTalkHeld records the push-to-talk key state
func (s *VoiceState) SetPushToTalkHeld(held bool) {
	s.mu.Lock()
	s.pushToTalkHeld = held
	s.mu.Unlock()
}

// VolumeFor returns this player's playback volume override for a target,
// defaulting to 1.0.
func (s *VoiceState) VolumeFor(target uuid.UUID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.volumeOverrides[target]; ok {
		return v
	}
	return 1.0
}

// SetVolumeFor sets the playback volume override for a target. Volume 1.0
// removes the override.
func (s *VoiceState) SetVolumeFor(target uuid.UUID, volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if volume == 1.0 {
		delete(s.volumeOverrides, target)
		return
	}
	s.volumeOverrides[target] = volume
}

// InputVolume returns the capture gain scalar
func (s *VoiceState) InputVolume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputVolume
}

// SetInputVolume sets the capture gain scalar
func (s *VoiceState) SetInputVolume(v float64) {
	s.mu.Lock()
	s.inputVolume = v
	s.mu.Unlock()
}

// OutputVolume returns the playback gain scalar
func (s *VoiceState) OutputVolume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputVolume
}

// SetOutputVolume sets the playback gain scalar
func (s *VoiceState) SetOutputVolume(v float64) {
	s.mu.Lock()
	s.outputVolume = v
	s.mu.Unlock()
}
