package audio

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSuppressionLevel(t *testing.T) {
	cases := map[string]SuppressionLevel{
		"off":        SuppressionOff,
		"low":        SuppressionLow,
		"moderate":   SuppressionModerate,
		"high":       SuppressionHigh,
		"aggressive": SuppressionAggressive,
	}
	for name, want := range cases {
		got, err := ParseSuppressionLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSuppressionLevel("extreme")
	assert.Error(t, err)
}

func TestSuppressionStrengths(t *testing.T) {
	assert.Equal(t, 0.0, SuppressionOff.Strength())
	assert.Equal(t, 0.25, SuppressionLow.Strength())
	assert.Equal(t, 0.5, SuppressionModerate.Strength())
	assert.Equal(t, 0.75, SuppressionHigh.Strength())
	assert.Equal(t, 1.0, SuppressionAggressive.Strength())
}

func TestNoiseSuppressorOffIsPassThrough(t *testing.T) {
	ns := NewNoiseSuppressor(logrus.New(), SuppressionOff)

	in := sinePCM(960, 0.3)
	out, err := ns.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNoiseSuppressorBuffersUntilWindowFull(t *testing.T) {
	ns := NewNoiseSuppressor(logrus.New(), SuppressionModerate)

	// 256 samples is less than one analysis window; nothing comes out yet.
	out, err := ns.Process(sinePCM(256, 0.3))
	require.NoError(t, err)
	assert.Empty(t, out)

	// The next 256 samples complete a window and emit one hop.
	out, err = ns.Process(sinePCM(256, 0.3))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestNoiseSuppressorAttenuatesStationaryNoise(t *testing.T) {
	ns := NewNoiseSuppressor(logrus.New(), SuppressionAggressive)

	// A stationary tone is indistinguishable from steady background noise,
	// so the adaptive profile should learn and remove it.
	frame := sinePCM(960, 0.3)
	inputLevel := pcmRMS(frame)

	var lastOut []byte
	for i := 0; i < 30; i++ {
		out, err := ns.Process(frame)
		require.NoError(t, err)
		if len(out) > 0 {
			lastOut = out
		}
	}

	require.NotEmpty(t, lastOut)
	assert.Less(t, pcmRMS(lastOut), inputLevel*0.2,
		"adapted suppressor should strongly attenuate stationary signal")
}

func TestNoiseSuppressorResetForgetsProfile(t *testing.T) {
	ns := NewNoiseSuppressor(logrus.New(), SuppressionHigh)

	frame := sinePCM(960, 0.3)
	for i := 0; i < 20; i++ {
		_, err := ns.Process(frame)
		require.NoError(t, err)
	}

	ns.Reset()
	assert.False(t, ns.profileInit)
	assert.Empty(t, ns.pending)
}
