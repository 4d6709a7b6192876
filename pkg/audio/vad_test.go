package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVADSilenceIsNotVoice(t *testing.T) {
	vad := NewVoiceActivityDetector(testProcessingConfig())

	assert.False(t, vad.Detect(silencePCM(960)))
	assert.False(t, vad.IsActive())
}

func TestVADLoudFrameIsVoice(t *testing.T) {
	vad := NewVoiceActivityDetector(testProcessingConfig())

	assert.True(t, vad.Detect(sinePCM(960, 0.5)))
	assert.True(t, vad.IsActive())
}

func TestVADHangTimeBridgesGaps(t *testing.T) {
	vad := NewVoiceActivityDetector(testProcessingConfig())
	start := time.Now()

	assert.True(t, vad.detectAt(sinePCM(960, 0.5), start))

	// Silence inside the hang window still counts as voice.
	assert.True(t, vad.detectAt(silencePCM(960), start.Add(100*time.Millisecond)))
	assert.True(t, vad.detectAt(silencePCM(960), start.Add(250*time.Millisecond)))

	// Past the hang window the stream goes quiet.
	assert.False(t, vad.detectAt(silencePCM(960), start.Add(400*time.Millisecond)))
	assert.False(t, vad.IsActive())
}

func TestVADAdaptiveThresholdRisesWithNoise(t *testing.T) {
	cfg := testProcessingConfig()
	fresh := NewVoiceActivityDetector(cfg)
	adapted := NewVoiceActivityDetector(cfg)

	// A frame just above the configured threshold reads as voice on a
	// fresh detector.
	borderline := sinePCM(960, 0.09) // energy ~0.004
	assert.True(t, fresh.Detect(borderline))

	// Sustained ambient noise below the configured threshold raises the
	// noise floor until the same frame no longer clears it.
	ambient := sinePCM(960, 0.063) // energy ~0.002
	cursor := time.Now()
	for i := 0; i < 600; i++ {
		cursor = cursor.Add(20 * time.Millisecond)
		adapted.detectAt(ambient, cursor)
	}

	assert.Greater(t, adapted.NoiseFloor(), 0.0015)
	assert.False(t, adapted.detectAt(borderline, cursor.Add(20*time.Millisecond)))
}

func TestVADResetClearsState(t *testing.T) {
	vad := NewVoiceActivityDetector(testProcessingConfig())

	vad.Detect(sinePCM(960, 0.5))
	assert.True(t, vad.IsActive())

	vad.Reset()
	assert.False(t, vad.IsActive())
	assert.Equal(t, 0.001, vad.NoiseFloor())
}

func TestVADEmptyFrame(t *testing.T) {
	vad := NewVoiceActivityDetector(testProcessingConfig())
	assert.False(t, vad.Detect(nil))
}
