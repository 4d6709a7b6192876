package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioDataRoundTrip(t *testing.T) {
	in := &AudioData{
		SpeakerID: uuid.New(),
		Sequence:  42,
		Whisper:   true,
		Volume:    0.75,
		Data:      []byte{0x10, 0x20, 0x30},
	}

	framed, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeAudioData), framed[0])

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestStateUpdateFlags(t *testing.T) {
	in := &StateUpdate{
		PlayerID:       uuid.New(),
		Speaking:       true,
		Deafened:       true,
		ActivationMode: 1,
	}

	framed, err := Encode(in)
	require.NoError(t, err)

	decoded, err := Decode(framed)
	require.NoError(t, err)

	out := decoded.(*StateUpdate)
	assert.True(t, out.Speaking)
	assert.False(t, out.Muted)
	assert.True(t, out.Deafened)
	assert.False(t, out.Whispering)
	assert.Equal(t, byte(1), out.ActivationMode)
}

func TestGroupUpdateRoundTrip(t *testing.T) {
	in := &GroupUpdate{
		GroupID:   uuid.NewString(),
		GroupName: "raid night",
		Action:    GroupActionJoin,
		PlayerID:  uuid.New(),
	}

	framed, err := Encode(in)
	require.NoError(t, err)

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestPlayerVolumeUpdateRoundTrip(t *testing.T) {
	in := &PlayerVolumeUpdate{TargetID: uuid.New(), Volume: 0.25}

	framed, err := Encode(in)
	require.NoError(t, err)

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestActivationModeChangeRoundTrip(t *testing.T) {
	in := &ActivationModeChange{Mode: 2}

	framed, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TypeActivationModeChange), 2}, framed)

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0x00})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeTruncatedAudio(t *testing.T) {
	full, err := Encode(&AudioData{
		SpeakerID: uuid.New(),
		Sequence:  7,
		Data:      []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)

	// Every proper prefix must fail cleanly, never panic.
	for i := 1; i < len(full); i++ {
		_, err := Decode(full[:i])
		assert.ErrorIs(t, err, ErrTruncated, "prefix length %d", i)
	}
}

func TestAudioDataEmptyPayload(t *testing.T) {
	in := &AudioData{SpeakerID: uuid.New()}

	framed, err := Encode(in)
	require.NoError(t, err)

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Empty(t, decoded.(*AudioData).Data)
}
