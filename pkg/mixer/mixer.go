package mixer

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicechat-server/pkg/audio"
	"voicechat-server/pkg/config"
	"voicechat-server/pkg/spatial"
	"voicechat-server/pkg/util"
)

// mixerWorkers is the size of the background pool for offloaded per-listener
// spatial processing.
const mixerWorkers = 4

// ProcessParams controls the stages of the mixer's processing pipeline for
// one frame.
type ProcessParams struct {
	SuppressNoise bool
	CancelEcho    bool
	Volume        float64
}

// AudioMixer owns the per-player frame streams and the stereo spatial
// synthesis used during fan-out. Stream creation and removal follow player
// join and quit.
type AudioMixer struct {
	mu      sync.RWMutex
	logger  *logrus.Logger
	cfg     *config.Config
	streams map[uuid.UUID]*Stream

	suppressor *audio.NoiseSuppressor
	pool       *util.WorkerPool
}

// NewAudioMixer creates a mixer for the given configuration
func NewAudioMixer(logger *logrus.Logger, cfg *config.Config) *AudioMixer {
	level, err := audio.ParseSuppressionLevel(cfg.NoiseSuppression)
	if err != nil {
		level = audio.SuppressionOff
	}

	return &AudioMixer{
		logger:     logger,
		cfg:        cfg,
		streams:    make(map[uuid.UUID]*Stream),
		suppressor: audio.NewNoiseSuppressor(logger, level),
		pool:       util.NewWorkerPool(mixerWorkers, 256, logger),
	}
}

// Start launches the background processing pool
func (m *AudioMixer) Start() {
	m.pool.Start()
	m.logger.WithField("workers", mixerWorkers).Debug("Audio mixer started")
}

// Stop shuts down the pool and discards all streams
func (m *AudioMixer) Stop() {
	m.pool.Stop()

	m.mu.Lock()
	m.streams = make(map[uuid.UUID]*Stream)
	m.mu.Unlock()
}

// Reconfigure swaps in a new configuration. Existing streams are kept; the
// noise suppression stage is rebuilt at the new level.
func (m *AudioMixer) Reconfigure(cfg *config.Config) {
	level, err := audio.ParseSuppressionLevel(cfg.NoiseSuppression)
	if err != nil {
		level = audio.SuppressionOff
	}

	m.mu.Lock()
	m.cfg = cfg
	m.suppressor = audio.NewNoiseSuppressor(m.logger, level)
	m.mu.Unlock()
}

// CreateStream allocates a frame stream for a player. Creating an existing
// stream is a no-op.
func (m *AudioMixer) CreateStream(playerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[playerID]; !ok {
		m.streams[playerID] = NewStream()
	}
}

// RemoveStream drops a player's stream and any buffered frames
func (m *AudioMixer) RemoveStream(playerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, playerID)
}

// Stream returns the stream for a player
func (m *AudioMixer) Stream(playerID uuid.UUID) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[playerID]
	return s, ok
}

// PushFrame buffers a frame on a player's stream. Unknown players and full
// streams drop the frame.
func (m *AudioMixer) PushFrame(playerID uuid.UUID, frame []byte) bool {
	m.mu.RLock()
	s, ok := m.streams[playerID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return s.Push(frame)
}

// Dispatch offloads a processing task to the mixer pool. Returns false if
// the pool queue is full and the task was dropped.
func (m *AudioMixer) Dispatch(task func()) bool {
	return m.pool.Submit(task)
}

// ApplySpatialAudio expands a mono PCM16 frame into an interleaved stereo
// frame with constant-power panning and the proximity volume applied. The
// output is twice the input length.
func (m *AudioMixer) ApplySpatialAudio(mono []byte, p spatial.Params) []byte {
	// Map pan from [-1, 1] to an angle in [0, pi/2]; equal-power gains keep
	// perceived loudness stable as a speaker moves across the field.
	pan := (p.Pan + 1) / 2
	leftGain := math.Cos(pan*math.Pi/2) * p.Volume
	rightGain := math.Sin(pan*math.Pi/2) * p.Volume

	samples := len(mono) / 2
	stereo := make([]byte, samples*4)

	for i := 0; i < samples; i++ {
		s := int16(mono[i*2]) | int16(mono[i*2+1])<<8

		left := clampSample(float64(s) * leftGain)
		right := clampSample(float64(s) * rightGain)

		stereo[i*4] = byte(left)
		stereo[i*4+1] = byte(left >> 8)
		stereo[i*4+2] = byte(right)
		stereo[i*4+3] = byte(right >> 8)
	}

	return stereo
}

// ProcessAudio runs a frame through the ordered pipeline: noise suppression,
// echo cancellation, volume scaling. Echo cancellation is currently a
// pass-through stage.
func (m *AudioMixer) ProcessAudio(frame []byte, params ProcessParams) ([]byte, error) {
	if params.SuppressNoise {
		m.mu.RLock()
		suppressor := m.suppressor
		m.mu.RUnlock()

		out, err := suppressor.Process(frame)
		if err != nil {
			return nil, err
		}
		frame = out
	}

	// TODO: honor params.CancelEcho once the capture path reports a
	// reference signal for the canceller.

	if params.Volume != 1.0 {
		frame = scaleVolume(frame, params.Volume)
	}

	return frame, nil
}

// ScaleVolume applies a gain to a PCM16 frame with int16 clamping
func ScaleVolume(frame []byte, volume float64) []byte {
	return scaleVolume(frame, volume)
}

func scaleVolume(frame []byte, volume float64) []byte {
	samples := len(frame) / 2
	out := make([]byte, samples*2)

	for i := 0; i < samples; i++ {
		s := int16(frame[i*2]) | int16(frame[i*2+1])<<8
		scaled := clampSample(float64(s) * volume)
		out[i*2] = byte(scaled)
		out[i*2+1] = byte(scaled >> 8)
	}

	return out
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
