// Package recording implements per-player voice session recording. Frames
// accumulate in memory for the lifetime of a session and are flushed to disk
// on stop by a single background writer, so a slow disk never stalls audio
// routing.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicechat-server/pkg/config"
	"voicechat-server/pkg/errors"
)

const (
	audioFileName = "audio.raw"
	metaFileName  = "meta.json"

	sessionDirTimeFormat = "20060102-150405"
)

// Session is one active recording for a player
type Session struct {
	ID        uuid.UUID
	PlayerID  uuid.UUID
	ChannelID uuid.UUID
	StartTime time.Time

	dir string

	mu     sync.Mutex
	frames [][]byte
}

func (s *Session) append(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	s.mu.Lock()
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
}

func (s *Session) takeFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.frames
	s.frames = nil
	return frames
}

type metadata struct {
	ID        string `json:"id"`
	PlayerID  string `json:"playerId"`
	ChannelID string `json:"channelId"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type flushJob struct {
	session *Session
	endTime time.Time
}

// Recorder manages recording sessions keyed by player. StartRecording and
// StopRecording come from the moderation/control plane; RecordAudio is
// called from the audio hot path and only copies bytes.
type Recorder struct {
	logger    *logrus.Logger
	dir       string
	retention time.Duration

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	flushCh chan flushJob
	wg      sync.WaitGroup
	started bool
}

// NewRecorder creates a recorder writing under the configured directory
func NewRecorder(logger *logrus.Logger, cfg *config.Config) (*Recorder, error) {
	if err := os.MkdirAll(cfg.RecordingDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create recordings directory")
	}

	return &Recorder{
		logger:    logger,
		dir:       cfg.RecordingDir,
		retention: cfg.RecordingRetention,
		sessions:  make(map[uuid.UUID]*Session),
	}, nil
}

// Start launches the background flush writer. A stopped recorder may be
// started again; each cycle gets a fresh flush channel.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.flushCh = make(chan flushJob, 16)
	ch := r.flushCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for job := range ch {
			r.flush(job)
		}
	}()
}

// Stop flushes all outstanding sessions and waits for the writer to drain
func (r *Recorder) Stop() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*Session)
	started := r.started
	ch := r.flushCh
	r.started = false
	r.mu.Unlock()

	if !started {
		return
	}

	now := time.Now()
	for _, s := range sessions {
		ch <- flushJob{session: s, endTime: now}
	}
	close(ch)
	r.wg.Wait()
}

// StartRecording opens a session for a player. Returns ErrRecordingActive if
// one already exists. On any I/O failure no session is registered.
func (r *Recorder) StartRecording(playerID, channelID uuid.UUID) (uuid.UUID, error) {
	start := time.Now()
	name := fmt.Sprintf("%s_%s", playerID.String()[:8], start.Format(sessionDirTimeFormat))
	dir := filepath.Join(r.dir, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[playerID]; ok {
		return uuid.Nil, errors.ErrRecordingActive
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to create session directory")
	}

	session := &Session{
		ID:        uuid.New(),
		PlayerID:  playerID,
		ChannelID: channelID,
		StartTime: start,
		dir:       dir,
	}
	r.sessions[playerID] = session

	r.logger.WithFields(logrus.Fields{
		"player_id":  playerID,
		"session_id": session.ID,
		"dir":        dir,
	}).Info("Recording started")

	return session.ID, nil
}

// RecordAudio appends a frame to the listener's session, falling back to the
// speaker's own session. No session for either is a no-op.
func (r *Recorder) RecordAudio(listenerID, speakerID uuid.UUID, frame []byte) {
	r.mu.RLock()
	session, ok := r.sessions[listenerID]
	if !ok {
		session, ok = r.sessions[speakerID]
	}
	r.mu.RUnlock()

	if !ok {
		return
	}
	session.append(frame)
}

// IsRecording reports whether a session exists for the player
func (r *Recorder) IsRecording(playerID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[playerID]
	return ok
}

// StopRecording closes the player's session and hands it to the background
// writer for flushing.
func (r *Recorder) StopRecording(playerID uuid.UUID) error {
	r.mu.Lock()
	session, ok := r.sessions[playerID]
	if ok {
		delete(r.sessions, playerID)
	}
	started := r.started
	ch := r.flushCh
	r.mu.Unlock()

	if !ok {
		return errors.ErrPlayerNotFound
	}

	job := flushJob{session: session, endTime: time.Now()}
	if started {
		ch <- job
	} else {
		r.flush(job)
	}
	return nil
}

// flush writes the concatenated PCM and metadata sidecar for one session
func (r *Recorder) flush(job flushJob) {
	session := job.session
	frames := session.takeFrames()

	total := 0
	for _, f := range frames {
		total += len(f)
	}
	pcm := make([]byte, 0, total)
	for _, f := range frames {
		pcm = append(pcm, f...)
	}

	log := r.logger.WithFields(logrus.Fields{
		"player_id":  session.PlayerID,
		"session_id": session.ID,
		"bytes":      total,
	})

	if err := os.WriteFile(filepath.Join(session.dir, audioFileName), pcm, 0o644); err != nil {
		log.WithError(err).Error("Failed to write session audio")
		return
	}

	meta := metadata{
		ID:        session.ID.String(),
		PlayerID:  session.PlayerID.String(),
		ChannelID: session.ChannelID.String(),
		StartTime: session.StartTime.UnixMilli(),
		EndTime:   job.endTime.UnixMilli(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		log.WithError(err).Error("Failed to encode session metadata")
		return
	}
	if err := os.WriteFile(filepath.Join(session.dir, metaFileName), data, 0o644); err != nil {
		log.WithError(err).Error("Failed to write session metadata")
		return
	}

	log.Info("Recording flushed")
}

// CleanOldRecordings deletes session directories older than the retention
// window and returns how many were removed.
func (r *Recorder) CleanOldRecordings() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read recordings directory")
	}

	cutoff := time.Now().Add(-r.retention)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.WithError(err).WithField("dir", path).Warn("Failed to delete old recording")
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.WithField("removed", removed).Info("Old recordings cleaned")
	}
	return removed, nil
}
