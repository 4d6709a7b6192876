package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAGCBoostsQuietSignal(t *testing.T) {
	agc := NewAutomaticGainControl(testProcessingConfig())

	quiet := sinePCM(960, 0.05)
	inputLevel := pcmRMS(quiet)

	var out []byte
	var err error
	for i := 0; i < 200; i++ {
		out, err = agc.Process(quiet)
		require.NoError(t, err)
	}

	assert.Greater(t, agc.Gain(), 1.0)
	assert.Greater(t, pcmRMS(out), inputLevel*2)
}

func TestAGCAttenuatesLoudSignal(t *testing.T) {
	agc := NewAutomaticGainControl(testProcessingConfig())

	loud := sinePCM(960, 0.9)
	for i := 0; i < 10; i++ {
		_, err := agc.Process(loud)
		require.NoError(t, err)
	}

	assert.Less(t, agc.Gain(), 1.0)
}

func TestAGCGainIsBounded(t *testing.T) {
	cfg := testProcessingConfig()
	agc := NewAutomaticGainControl(cfg)

	// Far below target: desired gain would be huge without the clamp.
	whisper := sinePCM(960, 0.002)
	for i := 0; i < 1000; i++ {
		_, err := agc.Process(whisper)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, agc.Gain(), cfg.AGCMaxGain)
}

func TestAGCIgnoresSilence(t *testing.T) {
	agc := NewAutomaticGainControl(testProcessingConfig())

	for i := 0; i < 50; i++ {
		_, err := agc.Process(silencePCM(960))
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, agc.Gain())
}

func TestAGCDisabledPassesThrough(t *testing.T) {
	cfg := testProcessingConfig()
	cfg.EnableAGC = false
	agc := NewAutomaticGainControl(cfg)

	in := sinePCM(960, 0.4)
	out, err := agc.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, 1.0, agc.Gain())
}

func TestAGCResetReturnsToUnity(t *testing.T) {
	agc := NewAutomaticGainControl(testProcessingConfig())

	for i := 0; i < 20; i++ {
		_, err := agc.Process(sinePCM(960, 0.05))
		require.NoError(t, err)
	}
	require.NotEqual(t, 1.0, agc.Gain())

	agc.Reset()
	assert.Equal(t, 1.0, agc.Gain())
}
