package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "opus", cfg.Codec)
	assert.Equal(t, 48000, cfg.SampleRate)
	assert.Equal(t, 960, cfg.FrameSize)
	assert.Equal(t, 64000, cfg.Bitrate)
	assert.Equal(t, 64.0, cfg.ProximityRange)
	assert.Equal(t, 16.0, cfg.FalloffStart)
	assert.Equal(t, 64.0, cfg.FalloffEnd)
	assert.Equal(t, "moderate", cfg.NoiseSuppression)
	assert.True(t, cfg.EnableVAD)
	assert.Equal(t, 0.003, cfg.VADThreshold)
	assert.Equal(t, 300*time.Millisecond, cfg.VADHangTime)
	assert.Equal(t, "voice", cfg.DefaultActivationMode)
	assert.Equal(t, 8.0, cfg.WhisperRange)

	assert.NoError(t, cfg.Validate())
}

func TestValidateFalloffOrdering(t *testing.T) {
	cfg := Default()
	cfg.FalloffStart = 80
	cfg.FalloffEnd = 64

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "falloff start")
}

func TestValidateRejectsBadLevels(t *testing.T) {
	cfg := Default()
	cfg.NoiseSuppression = "extreme"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DefaultActivationMode = "telepathy"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.VADThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRangeOrdering(t *testing.T) {
	cfg := Default()
	cfg.ProximityRange = 32
	cfg.FalloffEnd = 64

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proximity range")
}

func TestValidateMembershipLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxChannelMembers = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxChannelsPerPlayer = 2
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VOICE_PROXIMITY_RANGE", "48")
	t.Setenv("VOICE_FALLOFF_START", "12")
	t.Setenv("VOICE_FALLOFF_END", "48")
	t.Setenv("VOICE_NOISE_SUPPRESSION", "aggressive")
	t.Setenv("VOICE_VAD_HANG_TIME", "450ms")
	t.Setenv("VOICE_ENABLE_RECORDING", "true")

	logger := logrus.New()
	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, 48.0, cfg.ProximityRange)
	assert.Equal(t, 12.0, cfg.FalloffStart)
	assert.Equal(t, 48.0, cfg.FalloffEnd)
	assert.Equal(t, "aggressive", cfg.NoiseSuppression)
	assert.Equal(t, 450*time.Millisecond, cfg.VADHangTime)
	assert.True(t, cfg.EnableRecording)
}

func TestLoadInvalidValueFallsBack(t *testing.T) {
	t.Setenv("VOICE_SAMPLE_RATE", "not-a-number")

	logger := logrus.New()
	cfg, err := Load(logger)
	require.NoError(t, err)
	assert.Equal(t, 48000, cfg.SampleRate)
}
