package mixer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat-server/pkg/config"
	"voicechat-server/pkg/spatial"
)

func testMixer() *AudioMixer {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAudioMixer(logger, config.Default())
}

func pcmFrame(samples int, value int16) []byte {
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		frame[i*2] = byte(value)
		frame[i*2+1] = byte(value >> 8)
	}
	return frame
}

func sampleAt(frame []byte, i int) int16 {
	return int16(frame[i*2]) | int16(frame[i*2+1])<<8
}

func TestStreamLossyWhenFull(t *testing.T) {
	s := NewStream()

	for i := 0; i < streamCapacity; i++ {
		require.True(t, s.Push(pcmFrame(4, int16(i))))
	}
	assert.Equal(t, streamCapacity, s.Len())

	// Capacity reached: new frames are dropped, not queued.
	assert.False(t, s.Push(pcmFrame(4, 999)))
	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, streamCapacity, s.Len())

	// Oldest frame comes out first.
	frame, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(t, int16(0), sampleAt(frame, 0))
}

func TestStreamPopEmpty(t *testing.T) {
	s := NewStream()
	_, ok := s.Pop()
	assert.False(t, ok)
}

func TestCreateAndRemoveStream(t *testing.T) {
	m := testMixer()
	id := uuid.New()

	m.CreateStream(id)
	_, ok := m.Stream(id)
	assert.True(t, ok)

	assert.True(t, m.PushFrame(id, pcmFrame(4, 100)))

	m.RemoveStream(id)
	_, ok = m.Stream(id)
	assert.False(t, ok)
	assert.False(t, m.PushFrame(id, pcmFrame(4, 100)))
}

func TestApplySpatialAudioCenter(t *testing.T) {
	m := testMixer()

	mono := pcmFrame(4, 10000)
	stereo := m.ApplySpatialAudio(mono, spatial.Params{Pan: 0, Volume: 1.0})

	require.Len(t, stereo, len(mono)*2)

	// Centered pan gives equal power on both sides.
	left := sampleAt(stereo, 0)
	right := sampleAt(stereo, 1)
	assert.Equal(t, left, right)
	assert.InDelta(t, 7071, float64(left), 10)
}

func TestApplySpatialAudioHardRight(t *testing.T) {
	m := testMixer()

	mono := pcmFrame(4, 10000)
	stereo := m.ApplySpatialAudio(mono, spatial.Params{Pan: 1, Volume: 1.0})

	assert.InDelta(t, 0, float64(sampleAt(stereo, 0)), 1)
	assert.InDelta(t, 10000, float64(sampleAt(stereo, 1)), 1)
}

func TestApplySpatialAudioVolume(t *testing.T) {
	m := testMixer()

	mono := pcmFrame(4, 10000)
	stereo := m.ApplySpatialAudio(mono, spatial.Params{Pan: 1, Volume: 0.5})

	assert.InDelta(t, 5000, float64(sampleAt(stereo, 1)), 1)
}

func TestProcessAudioVolumeClamping(t *testing.T) {
	m := testMixer()

	frame := pcmFrame(4, 30000)
	out, err := m.ProcessAudio(frame, ProcessParams{Volume: 2.0})
	require.NoError(t, err)

	// Doubling 30000 exceeds int16 range and must clamp, not wrap.
	assert.Equal(t, int16(32767), sampleAt(out, 0))
}

func TestProcessAudioUnityVolumeUntouched(t *testing.T) {
	m := testMixer()

	frame := pcmFrame(4, 1234)
	out, err := m.ProcessAudio(frame, ProcessParams{Volume: 1.0})
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestScaleVolumeNegativeClamp(t *testing.T) {
	frame := pcmFrame(4, -30000)
	out := ScaleVolume(frame, 2.0)
	assert.Equal(t, int16(-32768), sampleAt(out, 0))
}

func TestDispatchRunsTask(t *testing.T) {
	m := testMixer()
	m.Start()
	defer m.Stop()

	done := make(chan struct{})
	ok := m.Dispatch(func() { close(done) })
	require.True(t, ok)
	<-done
}
