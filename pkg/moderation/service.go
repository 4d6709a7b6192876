// Package moderation tracks server mutes, player reports, watch lists and
// ad-hoc channel recordings. It is a collaborator of the voice manager, not
// part of it; the manager consults IsMuted on the audio path and feeds
// channel recordings from fan-out.
package moderation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// assumedFrameRate is the audio frame rate used to convert a recording
// duration cap into a frame budget.
const assumedFrameRate = 50

const sweepInterval = time.Minute

// Action types recorded in a player's moderation history
const (
	ActionMute      = "mute"
	ActionUnmute    = "unmute"
	ActionReport    = "report"
	ActionMonitor   = "monitor"
	ActionUnmonitor = "unmonitor"
)

// MuteRecord is one active server mute. A zero Expiry means permanent.
type MuteRecord struct {
	PlayerID  uuid.UUID
	Reason    string
	Moderator uuid.UUID
	IssuedAt  time.Time
	Expiry    time.Time
}

// Permanent reports whether the mute never expires
func (m MuteRecord) Permanent() bool {
	return m.Expiry.IsZero()
}

// Action is one append-only moderation history entry
type Action struct {
	Type      string
	Reason    string
	Moderator uuid.UUID
	Timestamp time.Time
}

// ChannelRecording buffers frames for one monitored channel, capped at
// maxFrames; frames past the cap are silently dropped.
type ChannelRecording struct {
	ChannelID uuid.UUID
	StartedAt time.Time

	maxFrames int
	frames    [][]byte
	dropped   uint64
}

// Frames returns the captured frames
func (cr *ChannelRecording) Frames() [][]byte { return cr.frames }

// Dropped returns how many frames were discarded past the cap
func (cr *ChannelRecording) Dropped() uint64 { return cr.dropped }

// Service is the moderation state store. All methods are safe for
// concurrent use.
type Service struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	mutes     map[uuid.UUID]*MuteRecord
	monitored map[uuid.UUID]struct{}
	sessions  map[uuid.UUID]*ChannelRecording
	history   map[uuid.UUID][]Action

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewService creates an empty moderation service
func NewService(logger *logrus.Logger) *Service {
	return &Service{
		logger:    logger,
		mutes:     make(map[uuid.UUID]*MuteRecord),
		monitored: make(map[uuid.UUID]struct{}),
		sessions:  make(map[uuid.UUID]*ChannelRecording),
		history:   make(map[uuid.UUID][]Action),
	}
}

// Start launches the periodic expired-mute sweep
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// MutePlayer records a server mute. Duration <= 0 makes it permanent.
func (s *Service) MutePlayer(playerID uuid.UUID, reason string, moderator uuid.UUID, duration time.Duration) {
	now := time.Now()
	record := &MuteRecord{
		PlayerID:  playerID,
		Reason:    reason,
		Moderator: moderator,
		IssuedAt:  now,
	}
	if duration > 0 {
		record.Expiry = now.Add(duration)
	}

	s.mu.Lock()
	s.mutes[playerID] = record
	s.appendHistory(playerID, Action{Type: ActionMute, Reason: reason, Moderator: moderator, Timestamp: now})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"player_id": playerID,
		"permanent": record.Permanent(),
	}).Info("Player muted")
}

// UnmutePlayer clears a server mute
func (s *Service) UnmutePlayer(playerID uuid.UUID, moderator uuid.UUID) {
	s.mu.Lock()
	_, had := s.mutes[playerID]
	delete(s.mutes, playerID)
	if had {
		s.appendHistory(playerID, Action{Type: ActionUnmute, Moderator: moderator, Timestamp: time.Now()})
	}
	s.mu.Unlock()
}

// IsMuted reports whether the player has an unexpired mute
func (s *Service) IsMuted(playerID uuid.UUID) bool {
	s.mu.RLock()
	record, ok := s.mutes[playerID]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if record.Permanent() {
		return true
	}
	return time.Now().Before(record.Expiry)
}

// Mute returns the active mute record for a player
func (s *Service) Mute(playerID uuid.UUID) (MuteRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.mutes[playerID]
	if !ok {
		return MuteRecord{}, false
	}
	return *record, true
}

// SweepExpired removes expired mutes and returns how many were evicted
func (s *Service) SweepExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, record := range s.mutes {
		if !record.Permanent() && now.After(record.Expiry) {
			delete(s.mutes, id)
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.WithField("evicted", evicted).Debug("Expired mutes swept")
	}
	return evicted
}

// ReportPlayer appends a report to the target's history
func (s *Service) ReportPlayer(target uuid.UUID, reason string, reporter uuid.UUID) {
	s.mu.Lock()
	s.appendHistory(target, Action{Type: ActionReport, Reason: reason, Moderator: reporter, Timestamp: time.Now()})
	s.mu.Unlock()
}

// Monitor adds a player to the watch set
func (s *Service) Monitor(playerID uuid.UUID, moderator uuid.UUID) {
	s.mu.Lock()
	s.monitored[playerID] = struct{}{}
	s.appendHistory(playerID, Action{Type: ActionMonitor, Moderator: moderator, Timestamp: time.Now()})
	s.mu.Unlock()
}

// Unmonitor removes a player from the watch set
func (s *Service) Unmonitor(playerID uuid.UUID, moderator uuid.UUID) {
	s.mu.Lock()
	_, had := s.monitored[playerID]
	delete(s.monitored, playerID)
	if had {
		s.appendHistory(playerID, Action{Type: ActionUnmonitor, Moderator: moderator, Timestamp: time.Now()})
	}
	s.mu.Unlock()
}

// IsMonitored reports whether a player is on the watch set
func (s *Service) IsMonitored(playerID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.monitored[playerID]
	return ok
}

// History returns a copy of the player's moderation history, oldest first
func (s *Service) History(playerID uuid.UUID) []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Action, len(s.history[playerID]))
	copy(out, s.history[playerID])
	return out
}

// appendHistory requires the write lock
func (s *Service) appendHistory(playerID uuid.UUID, action Action) {
	s.history[playerID] = append(s.history[playerID], action)
}

// StartChannelRecording opens a capped frame capture for a channel. An
// existing session for the channel is replaced.
func (s *Service) StartChannelRecording(channelID uuid.UUID, maxDurationSeconds int) {
	recording := &ChannelRecording{
		ChannelID: channelID,
		StartedAt: time.Now(),
		maxFrames: maxDurationSeconds * assumedFrameRate,
	}

	s.mu.Lock()
	s.sessions[channelID] = recording
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"max_frames": recording.maxFrames,
	}).Info("Channel recording started")
}

// HasChannelRecording reports whether a capture is active for the channel
func (s *Service) HasChannelRecording(channelID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[channelID]
	return ok
}

// AppendFrame adds a frame to the channel's capture. Frames beyond the
// duration cap are dropped. Returns false when dropped or no session exists.
func (s *Service) AppendFrame(channelID uuid.UUID, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	recording, ok := s.sessions[channelID]
	if !ok {
		return false
	}
	if len(recording.frames) >= recording.maxFrames {
		recording.dropped++
		return false
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	recording.frames = append(recording.frames, cp)
	return true
}

// StopChannelRecording closes and returns the channel's capture
func (s *Service) StopChannelRecording(channelID uuid.UUID) (*ChannelRecording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recording, ok := s.sessions[channelID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, channelID)
	return recording, true
}
