package voice

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat-server/pkg/config"
	"voicechat-server/pkg/errors"
	"voicechat-server/pkg/mixer"
	"voicechat-server/pkg/protocol"
	"voicechat-server/pkg/spatial"
)

// captureSink records every packet sent to every player
type captureSink struct {
	mu      sync.Mutex
	packets map[uuid.UUID][][]byte
}

func newCaptureSink() *captureSink {
	return &captureSink{packets: make(map[uuid.UUID][][]byte)}
}

func (s *captureSink) Send(playerID uuid.UUID, packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	s.mu.Lock()
	s.packets[playerID] = append(s.packets[playerID], cp)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) audioPackets(playerID uuid.UUID) []*protocol.AudioData {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*protocol.AudioData
	for _, raw := range s.packets[playerID] {
		if len(raw) > 0 && protocol.Type(raw[0]) == protocol.TypeAudioData {
			pkt, err := protocol.Decode(raw)
			if err == nil {
				out = append(out, pkt.(*protocol.AudioData))
			}
		}
	}
	return out
}

func (s *captureSink) reset() {
	s.mu.Lock()
	s.packets = make(map[uuid.UUID][][]byte)
	s.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.Default()
	// Keep routing tests deterministic: raw frames pass the pipeline
	// untouched and silence gating is off.
	cfg.NoiseSuppression = "off"
	cfg.EnableAGC = false
	cfg.EnableVAD = false
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *captureSink) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sink := newCaptureSink()
	m := NewManager(logger, cfg, Options{
		Proximity: spatial.NewProximityManager(cfg),
		Mixer:     mixer.NewAudioMixer(logger, cfg),
		Sink:      sink,
	})
	require.NoError(t, m.Enable())
	t.Cleanup(m.Disable)

	return m, sink
}

func testFrame() []byte {
	frame := make([]byte, 8)
	sample := 1000
	for i := 0; i < 4; i++ {
		frame[i*2] = byte(sample)
		frame[i*2+1] = byte(sample >> 8)
	}
	return frame
}

func joinAt(m *Manager, pos spatial.Vec3) uuid.UUID {
	id := uuid.New()
	m.HandlePlayerJoin(Player{ID: id, Name: "player-" + id.String()[:8], Position: pos, LookDirection: spatial.Vec3{X: 1}})
	return id
}

func TestEnableIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	assert.Equal(t, StateEnabled, m.State())
	assert.NoError(t, m.Enable())
	assert.Equal(t, StateEnabled, m.State())
}

func TestAtMostOneChannel(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	p := joinAt(m, spatial.Vec3{})

	a := m.CreateChannel("alpha", ChannelParty, ChannelSettings{})
	b := m.CreateChannel("bravo", ChannelParty, ChannelSettings{})

	require.True(t, m.JoinChannel(p, a.ID()))
	require.True(t, m.JoinChannel(p, b.ID()))

	current, ok := m.PlayerChannel(p)
	require.True(t, ok)
	assert.Equal(t, b.ID(), current.ID())
	assert.False(t, a.HasMember(p))
	assert.True(t, b.HasMember(p))
}

func TestRouteAudioToChannelMembers(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{X: 2})
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.Equal(t, speaker, received[0].SpeakerID)
	assert.False(t, received[0].Whisper)

	// The speaker never hears themselves.
	assert.Empty(t, sink.audioPackets(speaker))
}

func TestMuteSuppression(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.SetSelfMuted(speaker, true)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	assert.Empty(t, sink.audioPackets(listener))
	st, _ := m.VoiceState(speaker)
	assert.False(t, st.Flags().Speaking)

	// Server mute behaves the same.
	m.SetSelfMuted(speaker, false)
	m.SetMuted(speaker, true)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))
}

func TestPushToTalkGate(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.SetActivationMode(speaker, PushToTalk)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))

	m.SetPushToTalk(speaker, true)
	m.RouteAudio(speaker, testFrame(), false)
	assert.Len(t, sink.audioPackets(listener), 1)
}

func TestDeafenedListenerSkipped(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.SetSelfDeafened(listener, true)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))
}

func TestDeduplicationAcrossChannelAndGroup(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	// Speaker and listener share both the global channel and a group.
	g, err := m.CreateGroup(speaker, "party", "", true, false, 8)
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(listener, g.ID(), ""))
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	assert.Len(t, sink.audioPackets(listener), 1,
		"listener in both channel and group must receive exactly one copy")
}

func TestWhisperRangeCutoff(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	near := joinAt(m, spatial.Vec3{X: 4})
	far := joinAt(m, spatial.Vec3{X: 20})
	sink.reset()

	m.RouteAudio(speaker, testFrame(), true)

	received := sink.audioPackets(near)
	require.Len(t, received, 1)
	assert.True(t, received[0].Whisper)
	assert.InDelta(t, 0.75, float64(received[0].Volume), 1e-6)

	assert.Empty(t, sink.audioPackets(far))
}

func TestWhisperIsExclusiveOfGroups(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	groupmate := joinAt(m, spatial.Vec3{X: 50}) // in the group, out of whisper range

	g, err := m.CreateGroup(speaker, "party", "", true, false, 8)
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(groupmate, g.ID(), ""))
	sink.reset()

	m.RouteAudio(speaker, testFrame(), true)
	assert.Empty(t, sink.audioPackets(groupmate))
}

func TestWhisperAtZeroDistanceFullVolume(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})
	sink.reset()

	m.RouteAudio(speaker, testFrame(), true)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.InDelta(t, 1.0, float64(received[0].Volume), 1e-6)
}

func TestProximityChannelDistanceGate(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{X: 100})

	require.True(t, m.JoinChannel(speaker, m.ProximityChannel().ID()))
	require.True(t, m.JoinChannel(listener, m.ProximityChannel().ID()))
	sink.reset()

	// Beyond falloff end: nothing arrives.
	m.RouteAudio(speaker, testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))

	// Move into range and the frame flows, spatialized to stereo.
	m.HandlePlayerMove(listener, spatial.Vec3{X: 5}, spatial.Vec3{X: 1})
	m.RouteAudio(speaker, testFrame(), false)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.Len(t, received[0].Data, len(testFrame())*2)
}

func TestListenerVolumeOverride(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.SetPlayerVolume(listener, speaker, 0.5)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.InDelta(t, 0.5, float64(received[0].Volume), 1e-6)
}

func TestPrioritySpeakerFloorsOverride(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.SetPlayerVolume(listener, speaker, 0.2)
	m.SetPrioritySpeaker(speaker, true)
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.InDelta(t, 1.0, float64(received[0].Volume), 1e-6)
}

func TestGroupSpeakerMuteSilencesGroup(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	// Take both out of their channel so only the group can deliver.
	m.LeaveChannel(speaker)
	m.LeaveChannel(listener)

	g, err := m.CreateGroup(speaker, "party", "", true, false, 8)
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(listener, g.ID(), ""))

	require.True(t, g.SetMemberMuted(speaker, true))
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))
}

func TestGroupMemberVolumeApplied(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	m.LeaveChannel(speaker)
	m.LeaveChannel(listener)

	g, err := m.CreateGroup(speaker, "party", "", true, false, 8)
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(listener, g.ID(), ""))
	require.True(t, g.SetMemberVolume(listener, 0.4))
	sink.reset()

	m.RouteAudio(speaker, testFrame(), false)

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.InDelta(t, 0.4, float64(received[0].Volume), 1e-6)
}

func TestGroupLimitPerPlayer(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGroupsPerPlayer = 2
	m, _ := newTestManager(t, cfg)

	p := joinAt(m, spatial.Vec3{})

	_, err := m.CreateGroup(p, "one", "", true, false, 8)
	require.NoError(t, err)
	_, err = m.CreateGroup(p, "two", "", true, false, 8)
	require.NoError(t, err)

	_, err = m.CreateGroup(p, "three", "", true, false, 8)
	assert.ErrorIs(t, err, errors.ErrGroupLimitReached)
}

func TestGroupDeletedWhenLastMemberLeaves(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	owner := joinAt(m, spatial.Vec3{})
	other := joinAt(m, spatial.Vec3{})

	g, err := m.CreateGroup(owner, "party", "", true, false, 8)
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(other, g.ID(), ""))

	// Owner quitting hands the group to the remaining member.
	m.HandlePlayerQuit(owner)
	assert.Equal(t, other, g.Owner())

	m.LeaveGroup(other, g.ID())
	_, ok := m.Group(g.ID())
	assert.False(t, ok)
}

func TestSpeakingTimeout(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	joinAt(m, spatial.Vec3{})

	m.RouteAudio(speaker, testFrame(), false)

	st, _ := m.VoiceState(speaker)
	require.True(t, st.Flags().Speaking)

	// Within the timeout the flag stays set.
	m.tickAt(time.Now().Add(100 * time.Millisecond))
	assert.True(t, st.Flags().Speaking)

	m.tickAt(time.Now().Add(400 * time.Millisecond))
	assert.False(t, st.Flags().Speaking)
}

func TestDeleteChannelEvictsMembers(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	p := joinAt(m, spatial.Vec3{})

	ch := m.CreateChannel("temp", ChannelParty, ChannelSettings{})
	require.True(t, m.JoinChannel(p, ch.ID()))

	require.True(t, m.DeleteChannel(ch.ID()))
	_, ok := m.PlayerChannel(p)
	assert.False(t, ok)
}

func TestHandlePacketDispatch(t *testing.T) {
	m, sink := newTestManager(t, testConfig())

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{})

	// Volume override via packet.
	volPkt, err := protocol.Encode(&protocol.PlayerVolumeUpdate{TargetID: speaker, Volume: 0.25})
	require.NoError(t, err)
	require.NoError(t, m.HandlePacket(listener, volPkt))

	st, _ := m.VoiceState(listener)
	assert.Equal(t, 0.25, st.VolumeFor(speaker))

	// Activation mode via packet.
	modePkt, err := protocol.Encode(&protocol.ActivationModeChange{Mode: byte(AlwaysOn)})
	require.NoError(t, err)
	require.NoError(t, m.HandlePacket(speaker, modePkt))
	spk, _ := m.VoiceState(speaker)
	assert.Equal(t, AlwaysOn, spk.ActivationMode())

	// Audio via packet: sender identity comes from the transport.
	sink.reset()
	audioPkt, err := protocol.Encode(&protocol.AudioData{SpeakerID: uuid.New(), Data: testFrame()})
	require.NoError(t, err)
	require.NoError(t, m.HandlePacket(speaker, audioPkt))

	received := sink.audioPackets(listener)
	require.Len(t, received, 1)
	assert.Equal(t, speaker, received[0].SpeakerID)
}

func TestHandlePacketDecodeError(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	assert.Error(t, m.HandlePacket(uuid.New(), []byte{0x7f}))
}

func TestRouteAudioUnknownSpeakerIsNoOp(t *testing.T) {
	m, sink := newTestManager(t, testConfig())
	listener := joinAt(m, spatial.Vec3{})
	sink.reset()

	m.RouteAudio(uuid.New(), testFrame(), false)
	assert.Empty(t, sink.audioPackets(listener))
}

func TestConcurrentJoinQuitRoute(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	anchor := joinAt(m, spatial.Vec3{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := uuid.New()
				m.HandlePlayerJoin(Player{ID: id, Name: fmt.Sprintf("w%d-%d", w, i)})
				m.HandlePlayerMove(id, spatial.Vec3{X: float64(i)}, spatial.Vec3{X: 1})
				m.RouteAudio(id, testFrame(), false)
				m.SetSelfMuted(id, i%2 == 0)
				m.HandlePlayerQuit(id)
			}
		}(w)
	}
	wg.Wait()

	// The anchor player survives the churn.
	_, ok := m.VoiceState(anchor)
	assert.True(t, ok)
}

func TestRouteAudioWithoutSpatialCollaborators(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sink := newCaptureSink()
	m := NewManager(logger, testConfig(), Options{Sink: sink})
	require.NoError(t, m.Enable())
	t.Cleanup(m.Disable)

	speaker := joinAt(m, spatial.Vec3{})
	listener := joinAt(m, spatial.Vec3{X: 100})
	require.True(t, m.JoinChannel(speaker, m.ProximityChannel().ID()))
	require.True(t, m.JoinChannel(listener, m.ProximityChannel().ID()))
	sink.reset()

	// No proximity manager or mixer: the channel degrades to plain
	// fan-out with no distance gate or spatialization.
	m.RouteAudio(speaker, testFrame(), false)

	packets := sink.audioPackets(listener)
	require.Len(t, packets, 1)
	assert.Len(t, packets[0].Data, len(testFrame()))
}

func TestCreateChannelAppliesConfiguredMemberLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChannelMembers = 2
	m, _ := newTestManager(t, cfg)

	a := joinAt(m, spatial.Vec3{})
	b := joinAt(m, spatial.Vec3{})
	c := joinAt(m, spatial.Vec3{})

	ch := m.CreateChannel("duo", ChannelParty, ChannelSettings{})
	require.True(t, m.JoinChannel(a, ch.ID()))
	require.True(t, m.JoinChannel(b, ch.ID()))
	assert.False(t, m.JoinChannel(c, ch.ID()))
	assert.Equal(t, 2, ch.Len())
}
