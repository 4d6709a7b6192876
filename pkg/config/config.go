package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the immutable voice service configuration. It is loaded once at
// startup and swapped wholesale on reconfiguration; nothing mutates it in
// place. Dependent components (proximity manager, mixer) receive the new
// value explicitly.
type Config struct {
	// Codec configuration
	Codec      string
	SampleRate int
	FrameSize  int
	Bitrate    int
	Channels   int

	// Proximity configuration (distances in world blocks)
	ProximityRange float64
	FalloffStart   float64
	FalloffEnd     float64
	Enable3DAudio  bool
	WhisperRange   float64

	// Noise suppression level: off, low, moderate, high, aggressive
	NoiseSuppression string

	// Automatic gain control
	EnableAGC      bool
	AGCTargetLevel float64
	AGCMaxGain     float64

	// Voice activity detection
	EnableVAD    bool
	VADThreshold float64
	VADHangTime  time.Duration

	// Activation: voice, push-to-talk, open
	DefaultActivationMode string

	// Membership limits
	MaxChannelMembers    int
	MaxChannelsPerPlayer int
	MaxGroupsPerPlayer   int
	AutoJoinGlobal       bool

	// Tick scheduling
	SpeakingTimeout        time.Duration
	GroupSweepInterval     time.Duration
	GroupInactivityTimeout time.Duration

	// Recording
	EnableRecording    bool
	RecordingDir       string
	RecordingRetention time.Duration

	// Daemon surface
	LogLevel      logrus.Level
	ListenAddr    string
	MetricsPort   int
	EnableMetrics bool
	AMQPUrl       string
	AMQPQueueName string
}

// Default returns the stock configuration: 48kHz Opus in 960-sample frames,
// 64-block proximity with falloff starting at 16, moderate noise
// suppression, voice activation with a 0.003 energy threshold and 300ms
// hang, 8-block whisper range.
func Default() *Config {
	return &Config{
		Codec:      "opus",
		SampleRate: 48000,
		FrameSize:  960,
		Bitrate:    64000,
		Channels:   1,

		ProximityRange: 64,
		FalloffStart:   16,
		FalloffEnd:     64,
		Enable3DAudio:  true,
		WhisperRange:   8,

		NoiseSuppression: "moderate",

		EnableAGC:      true,
		AGCTargetLevel: 0.2,
		AGCMaxGain:     10.0,

		EnableVAD:    true,
		VADThreshold: 0.003,
		VADHangTime:  300 * time.Millisecond,

		DefaultActivationMode: "voice",

		MaxChannelMembers:    64,
		MaxChannelsPerPlayer: 1,
		MaxGroupsPerPlayer:   4,
		AutoJoinGlobal:       true,

		SpeakingTimeout:        300 * time.Millisecond,
		GroupSweepInterval:     20 * time.Minute,
		GroupInactivityTimeout: 30 * time.Minute,

		EnableRecording:    false,
		RecordingDir:       "recordings",
		RecordingRetention: 30 * 24 * time.Hour,

		LogLevel:      logrus.InfoLevel,
		ListenAddr:    ":9040",
		MetricsPort:   9041,
		EnableMetrics: true,
	}
}

// Load reads the configuration from environment variables, falling back to
// defaults for anything unset. A missing .env file is not an error.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment and defaults")
	}

	cfg := Default()

	cfg.Codec = getEnvString("VOICE_CODEC", cfg.Codec)
	cfg.SampleRate = getEnvInt(logger, "VOICE_SAMPLE_RATE", cfg.SampleRate)
	cfg.FrameSize = getEnvInt(logger, "VOICE_FRAME_SIZE", cfg.FrameSize)
	cfg.Bitrate = getEnvInt(logger, "VOICE_BITRATE", cfg.Bitrate)
	cfg.Channels = getEnvInt(logger, "VOICE_CHANNELS", cfg.Channels)

	cfg.ProximityRange = getEnvFloat(logger, "VOICE_PROXIMITY_RANGE", cfg.ProximityRange)
	cfg.FalloffStart = getEnvFloat(logger, "VOICE_FALLOFF_START", cfg.FalloffStart)
	cfg.FalloffEnd = getEnvFloat(logger, "VOICE_FALLOFF_END", cfg.FalloffEnd)
	cfg.Enable3DAudio = getEnvBool("VOICE_ENABLE_3D_AUDIO", cfg.Enable3DAudio)
	cfg.WhisperRange = getEnvFloat(logger, "VOICE_WHISPER_RANGE", cfg.WhisperRange)

	cfg.NoiseSuppression = getEnvString("VOICE_NOISE_SUPPRESSION", cfg.NoiseSuppression)

	cfg.EnableAGC = getEnvBool("VOICE_ENABLE_AGC", cfg.EnableAGC)
	cfg.AGCTargetLevel = getEnvFloat(logger, "VOICE_AGC_TARGET_LEVEL", cfg.AGCTargetLevel)
	cfg.AGCMaxGain = getEnvFloat(logger, "VOICE_AGC_MAX_GAIN", cfg.AGCMaxGain)

	cfg.EnableVAD = getEnvBool("VOICE_ENABLE_VAD", cfg.EnableVAD)
	cfg.VADThreshold = getEnvFloat(logger, "VOICE_VAD_THRESHOLD", cfg.VADThreshold)
	cfg.VADHangTime = getEnvDuration(logger, "VOICE_VAD_HANG_TIME", cfg.VADHangTime)

	cfg.DefaultActivationMode = getEnvString("VOICE_ACTIVATION_MODE", cfg.DefaultActivationMode)

	cfg.MaxChannelMembers = getEnvInt(logger, "VOICE_MAX_CHANNEL_MEMBERS", cfg.MaxChannelMembers)
	cfg.MaxChannelsPerPlayer = getEnvInt(logger, "VOICE_MAX_CHANNELS_PER_PLAYER", cfg.MaxChannelsPerPlayer)
	cfg.MaxGroupsPerPlayer = getEnvInt(logger, "VOICE_MAX_GROUPS_PER_PLAYER", cfg.MaxGroupsPerPlayer)
	cfg.AutoJoinGlobal = getEnvBool("VOICE_AUTO_JOIN_GLOBAL", cfg.AutoJoinGlobal)

	cfg.SpeakingTimeout = getEnvDuration(logger, "VOICE_SPEAKING_TIMEOUT", cfg.SpeakingTimeout)
	cfg.GroupSweepInterval = getEnvDuration(logger, "VOICE_GROUP_SWEEP_INTERVAL", cfg.GroupSweepInterval)
	cfg.GroupInactivityTimeout = getEnvDuration(logger, "VOICE_GROUP_INACTIVITY_TIMEOUT", cfg.GroupInactivityTimeout)

	cfg.EnableRecording = getEnvBool("VOICE_ENABLE_RECORDING", cfg.EnableRecording)
	cfg.RecordingDir = getEnvString("VOICE_RECORDING_DIR", cfg.RecordingDir)
	cfg.RecordingRetention = getEnvDuration(logger, "VOICE_RECORDING_RETENTION", cfg.RecordingRetention)

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			logger.WithField("log_level", levelStr).Warn("Invalid LOG_LEVEL, using info")
		} else {
			cfg.LogLevel = level
		}
	}

	cfg.ListenAddr = getEnvString("VOICE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsPort = getEnvInt(logger, "METRICS_PORT", cfg.MetricsPort)
	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.AMQPUrl = getEnvString("AMQP_URL", cfg.AMQPUrl)
	cfg.AMQPQueueName = getEnvString("AMQP_QUEUE_NAME", cfg.AMQPQueueName)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration invariants
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.FalloffStart < 0 || c.FalloffEnd < 0 {
		return fmt.Errorf("falloff distances must be non-negative, got start=%f end=%f", c.FalloffStart, c.FalloffEnd)
	}
	if c.FalloffStart > c.FalloffEnd {
		return fmt.Errorf("falloff start %f exceeds falloff end %f", c.FalloffStart, c.FalloffEnd)
	}
	if c.FalloffEnd > c.ProximityRange {
		return fmt.Errorf("falloff end %f exceeds proximity range %f", c.FalloffEnd, c.ProximityRange)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("VAD threshold must be within [0,1], got %f", c.VADThreshold)
	}
	if c.WhisperRange < 0 {
		return fmt.Errorf("whisper range must be non-negative, got %f", c.WhisperRange)
	}
	if c.MaxGroupsPerPlayer < 0 {
		return fmt.Errorf("max groups per player must be non-negative, got %d", c.MaxGroupsPerPlayer)
	}
	if c.MaxChannelMembers < 0 {
		return fmt.Errorf("max channel members must be non-negative, got %d", c.MaxChannelMembers)
	}
	// Membership is at most one channel per player; the knob exists for
	// forward compatibility but anything other than 1 is a misconfiguration.
	if c.MaxChannelsPerPlayer != 1 {
		return fmt.Errorf("max channels per player must be 1, got %d", c.MaxChannelsPerPlayer)
	}
	switch c.NoiseSuppression {
	case "off", "low", "moderate", "high", "aggressive":
	default:
		return fmt.Errorf("unknown noise suppression level %q", c.NoiseSuppression)
	}
	switch c.DefaultActivationMode {
	case "voice", "push-to-talk", "open":
	default:
		return fmt.Errorf("unknown activation mode %q", c.DefaultActivationMode)
	}
	return nil
}

// LogStartup logs the effective configuration at service start
func (c *Config) LogStartup(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"codec":       c.Codec,
		"sample_rate": c.SampleRate,
		"frame_size":  c.FrameSize,
		"bitrate":     c.Bitrate,
	}).Info("Codec configuration")

	logger.WithFields(logrus.Fields{
		"proximity_range": c.ProximityRange,
		"falloff_start":   c.FalloffStart,
		"falloff_end":     c.FalloffEnd,
		"enable_3d_audio": c.Enable3DAudio,
		"whisper_range":   c.WhisperRange,
	}).Info("Proximity configuration")

	logger.WithFields(logrus.Fields{
		"noise_suppression": c.NoiseSuppression,
		"agc_enabled":       c.EnableAGC,
		"vad_enabled":       c.EnableVAD,
		"vad_threshold":     c.VADThreshold,
		"vad_hang_time":     c.VADHangTime,
		"activation_mode":   c.DefaultActivationMode,
	}).Info("Audio processing configuration")

	logger.WithFields(logrus.Fields{
		"recording_enabled":   c.EnableRecording,
		"recording_dir":       c.RecordingDir,
		"recording_retention": c.RecordingRetention,
	}).Info("Recording configuration")
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

func getEnvInt(logger *logrus.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid integer in environment, using default")
		return fallback
	}
	return parsed
}

func getEnvFloat(logger *logrus.Logger, key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid float in environment, using default")
		return fallback
	}
	return parsed
}

func getEnvDuration(logger *logrus.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid duration in environment, using default")
		return fallback
	}
	return parsed
}
