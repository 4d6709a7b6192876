package voice

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicechat-server/pkg/audio"
	"voicechat-server/pkg/config"
	"voicechat-server/pkg/errors"
	"voicechat-server/pkg/metrics"
	"voicechat-server/pkg/mixer"
	"voicechat-server/pkg/moderation"
	"voicechat-server/pkg/protocol"
	"voicechat-server/pkg/recording"
	"voicechat-server/pkg/spatial"
	"voicechat-server/pkg/transport"
)

// ServiceState is the manager lifecycle state
type ServiceState int32

const (
	StateDisabled ServiceState = iota
	StateEnabling
	StateEnabled
	StateDisabling
)

func (s ServiceState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	default:
		return "unknown"
	}
}

// speakingSweepInterval is how often stale speaking flags are cleared when
// the manager drives its own ticker. Hosts may call Tick directly instead.
const speakingSweepInterval = 50 * time.Millisecond

// Player is the game-adapter view of a connected player
type Player struct {
	ID            uuid.UUID
	Name          string
	Position      spatial.Vec3
	LookDirection spatial.Vec3
}

// speakerPipeline holds the per-speaker signal processors, created at join
// and destroyed at quit. Instances keep their constructed config; a service
// reconfigure only affects players joining afterwards.
type speakerPipeline struct {
	denoiser *audio.NoiseSuppressor
	agc      *audio.AutomaticGainControl
	vad      *audio.VoiceActivityDetector
}

// Options carries the manager's collaborators. Recorder and Moderation are
// optional; a nil Sink discards all packets.
type Options struct {
	Proximity  *spatial.ProximityManager
	Mixer      *mixer.AudioMixer
	Recorder   *recording.Recorder
	Moderation *moderation.Service
	Sink       transport.PacketSink
	Events     *EventRegistry
}

// Manager owns all voice state: per-player states and processors, channels,
// groups, and the audio routing hot path. Control-plane calls and audio
// frames may arrive concurrently; state lives in concurrent maps with
// channel membership writes serialized through a single mutex.
type Manager struct {
	logger *logrus.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	state atomic.Int32

	proximity  *spatial.ProximityManager
	mixer      *mixer.AudioMixer
	recorder   *recording.Recorder
	moderation *moderation.Service
	sink       transport.PacketSink
	events     *EventRegistry

	states    sync.Map // uuid.UUID -> *VoiceState
	pipelines sync.Map // uuid.UUID -> *speakerPipeline
	channels  sync.Map // uuid.UUID -> *Channel
	groups    sync.Map // uuid.UUID -> *Group

	// playerChannel maps player -> channel id. JoinChannel is the sole
	// writer and serializes leave-then-join under joinMu, which is what
	// keeps the at-most-one-channel invariant.
	playerChannel sync.Map
	joinMu        sync.Mutex

	globalChannel    *Channel
	proximityChannel *Channel

	sequence atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a disabled manager
func NewManager(logger *logrus.Logger, cfg *config.Config, opts Options) *Manager {
	sink := opts.Sink
	if sink == nil {
		sink = transport.NopSink{}
	}
	events := opts.Events
	if events == nil {
		events = NewEventRegistry()
	}

	return &Manager{
		logger:     logger,
		cfg:        cfg,
		proximity:  opts.Proximity,
		mixer:      opts.Mixer,
		recorder:   opts.Recorder,
		moderation: opts.Moderation,
		sink:       sink,
		events:     events,
	}
}

// Events returns the manager's event registry
func (m *Manager) Events() *EventRegistry { return m.events }

// SetSink replaces the packet sink. Intended for composition-root wiring
// before Enable, since the transport usually needs the manager first.
func (m *Manager) SetSink(sink transport.PacketSink) {
	if sink == nil {
		sink = transport.NopSink{}
	}
	m.sink = sink
}

// State returns the current lifecycle state
func (m *Manager) State() ServiceState {
	return ServiceState(m.state.Load())
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Reconfigure swaps the configuration and propagates it to the proximity
// manager and mixer. Existing per-speaker processors keep their constructed
// parameters.
func (m *Manager) Reconfigure(cfg *config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	if m.proximity != nil {
		m.proximity.Reconfigure(cfg)
	}
	if m.mixer != nil {
		m.mixer.Reconfigure(cfg)
	}
	m.logger.Info("Voice configuration replaced")
}

// Enable brings the service up: creates the persistent channels, starts the
// mixer, recorder and moderation sweeps, and launches the periodic tasks.
// Calling Enable on an enabled service is a no-op.
func (m *Manager) Enable() error {
	if !m.state.CompareAndSwap(int32(StateDisabled), int32(StateEnabling)) {
		if m.State() == StateEnabled {
			return nil
		}
		return errors.ErrServiceDisabled
	}

	cfg := m.config()

	m.globalChannel = NewChannel("global", ChannelGlobal, ChannelSettings{Persistent: true})
	m.proximityChannel = NewChannel("proximity", ChannelProximity, ChannelSettings{Persistent: true})
	m.channels.Store(m.globalChannel.ID(), m.globalChannel)
	m.channels.Store(m.proximityChannel.ID(), m.proximityChannel)
	metrics.ChannelsActive.Set(2)

	if m.mixer != nil {
		m.mixer.Start()
	}
	if m.recorder != nil && cfg.EnableRecording {
		m.recorder.Start()
	}
	if m.moderation != nil {
		m.moderation.Start()
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run(cfg.GroupSweepInterval)

	m.state.Store(int32(StateEnabled))
	m.logger.WithFields(logrus.Fields{
		"global_channel":    m.globalChannel.ID(),
		"proximity_channel": m.proximityChannel.ID(),
	}).Info("Voice service enabled")
	return nil
}

func (m *Manager) run(groupSweep time.Duration) {
	defer m.wg.Done()

	speaking := time.NewTicker(speakingSweepInterval)
	defer speaking.Stop()
	groups := time.NewTicker(groupSweep)
	defer groups.Stop()

	for {
		select {
		case <-speaking.C:
			m.Tick()
		case <-groups.C:
			m.SweepGroups()
		case <-m.stopCh:
			return
		}
	}
}

// Disable tears the service down: stops periodic tasks, evicts every player
// and discards channels and groups. Calling Disable on a disabled service is
// a no-op.
func (m *Manager) Disable() {
	if !m.state.CompareAndSwap(int32(StateEnabled), int32(StateDisabling)) {
		return
	}

	close(m.stopCh)
	m.wg.Wait()

	m.states.Range(func(key, _ any) bool {
		m.HandlePlayerQuit(key.(uuid.UUID))
		return true
	})

	m.channels.Range(func(key, _ any) bool {
		m.channels.Delete(key)
		return true
	})
	m.groups.Range(func(key, _ any) bool {
		m.groups.Delete(key)
		return true
	})
	m.globalChannel = nil
	m.proximityChannel = nil
	metrics.ChannelsActive.Set(0)
	metrics.GroupsActive.Set(0)

	if m.mixer != nil {
		m.mixer.Stop()
	}
	if m.recorder != nil {
		m.recorder.Stop()
	}
	if m.moderation != nil {
		m.moderation.Stop()
	}

	m.state.Store(int32(StateDisabled))
	m.logger.Info("Voice service disabled")
}

// GlobalChannel returns the persistent global channel
func (m *Manager) GlobalChannel() *Channel { return m.globalChannel }

// ProximityChannel returns the persistent proximity channel
func (m *Manager) ProximityChannel() *Channel { return m.proximityChannel }

// HandlePlayerJoin allocates voice state and processors for a player and
// optionally joins them to the global channel.
func (m *Manager) HandlePlayerJoin(p Player) {
	if m.State() != StateEnabled {
		return
	}

	cfg := m.config()

	mode, err := ParseActivationMode(cfg.DefaultActivationMode)
	if err != nil {
		mode = VoiceActivation
	}

	// Build everything before publishing so no goroutine observes a
	// half-constructed player.
	st := NewVoiceState(p.ID, p.Name, p.Position, p.LookDirection, mode)
	pipeline := newSpeakerPipeline(cfg)

	if _, loaded := m.states.LoadOrStore(p.ID, st); loaded {
		return
	}
	m.pipelines.Store(p.ID, pipeline)

	if m.mixer != nil {
		m.mixer.CreateStream(p.ID)
	}

	if cfg.AutoJoinGlobal && m.globalChannel != nil {
		m.JoinChannel(p.ID, m.globalChannel.ID())
	}

	metrics.PlayersConnected.Inc()
	m.events.Publish(PlayerEvent{Kind: EventPlayerJoined, PlayerID: p.ID})
	m.broadcastState(st)

	m.logger.WithFields(logrus.Fields{
		"player_id": p.ID,
		"player":    p.Name,
	}).Info("Player joined voice")
}

func newSpeakerPipeline(cfg *config.Config) *speakerPipeline {
	proc := audio.ProcessingConfigFrom(cfg)

	pipeline := &speakerPipeline{}
	if proc.SuppressionLevel != audio.SuppressionOff {
		pipeline.denoiser = audio.NewNoiseSuppressor(nil, proc.SuppressionLevel)
	}
	if proc.EnableAGC {
		pipeline.agc = audio.NewAutomaticGainControl(proc)
	}
	if proc.EnableVAD {
		pipeline.vad = audio.NewVoiceActivityDetector(proc)
	}
	return pipeline
}

// HandlePlayerQuit removes a player: channel and group membership, voice
// state, processors, mixer stream and any active recording.
func (m *Manager) HandlePlayerQuit(playerID uuid.UUID) {
	if _, ok := m.states.Load(playerID); !ok {
		return
	}

	m.LeaveChannel(playerID)

	m.groups.Range(func(_, value any) bool {
		g := value.(*Group)
		if g.HasMember(playerID) {
			m.leaveGroup(playerID, g)
		}
		return true
	})

	if m.recorder != nil && m.recorder.IsRecording(playerID) {
		m.StopRecording(playerID)
	}

	m.states.Delete(playerID)
	m.pipelines.Delete(playerID)
	if m.mixer != nil {
		m.mixer.RemoveStream(playerID)
	}

	metrics.PlayersConnected.Dec()
	m.events.Publish(PlayerEvent{Kind: EventPlayerQuit, PlayerID: playerID})

	m.logger.WithField("player_id", playerID).Info("Player left voice")
}

// HandlePlayerMove updates a player's position and look direction
func (m *Manager) HandlePlayerMove(playerID uuid.UUID, position, look spatial.Vec3) {
	if st, ok := m.voiceState(playerID); ok {
		st.Move(position, look)
	}
}

// VoiceState returns the state for a player
func (m *Manager) VoiceState(playerID uuid.UUID) (*VoiceState, bool) {
	return m.voiceState(playerID)
}

func (m *Manager) voiceState(playerID uuid.UUID) (*VoiceState, bool) {
	v, ok := m.states.Load(playerID)
	if !ok {
		return nil, false
	}
	return v.(*VoiceState), true
}

func (m *Manager) connectedIDs() []uuid.UUID {
	var out []uuid.UUID
	m.states.Range(func(key, _ any) bool {
		out = append(out, key.(uuid.UUID))
		return true
	})
	return out
}

// RouteAudio is the per-frame hot path: gate, process, classify, record and
// fan out one frame from a speaker. Unknown speakers and gated frames are
// silent no-ops.
func (m *Manager) RouteAudio(speakerID uuid.UUID, frame []byte, whisper bool) {
	if m.State() != StateEnabled {
		return
	}

	start := time.Now()
	defer func() {
		metrics.RouteDuration.Observe(time.Since(start).Seconds())
	}()

	st, ok := m.voiceState(speakerID)
	if !ok {
		metrics.FramesRejected.WithLabelValues("unknown_player").Inc()
		return
	}
	if !st.CanSpeak() || (m.moderation != nil && m.moderation.IsMuted(speakerID)) {
		metrics.FramesRejected.WithLabelValues("muted").Inc()
		return
	}

	mode := st.ActivationMode()
	if mode == PushToTalk && !st.PushToTalkHeld() {
		metrics.FramesRejected.WithLabelValues("push_to_talk").Inc()
		return
	}

	cfg := m.config()

	var pipeline *speakerPipeline
	if v, ok := m.pipelines.Load(speakerID); ok {
		pipeline = v.(*speakerPipeline)
	}

	if pipeline != nil {
		if pipeline.denoiser != nil {
			out, err := pipeline.denoiser.Process(frame)
			if err != nil {
				metrics.FramesRejected.WithLabelValues("processing").Inc()
				return
			}
			if len(out) == 0 {
				// Denoiser is still filling its analysis window.
				return
			}
			frame = out
		}
		if pipeline.agc != nil {
			out, err := pipeline.agc.Process(frame)
			if err != nil {
				metrics.FramesRejected.WithLabelValues("processing").Inc()
				return
			}
			frame = out
		}
		if cfg.EnableVAD && mode == VoiceActivation && pipeline.vad != nil {
			if !pipeline.vad.Detect(frame) {
				metrics.FramesRejected.WithLabelValues("silence").Inc()
				return
			}
		}
	}

	if gain := st.InputVolume(); gain != 1.0 {
		frame = mixer.ScaleVolume(frame, gain)
	}

	st.MarkVoiceActivity(time.Now())
	if st.SetSpeaking(true) {
		m.broadcastState(st)
	}

	metrics.FramesRouted.Inc()

	if m.recorder != nil && m.recorder.IsRecording(speakerID) {
		m.recorder.RecordAudio(speakerID, speakerID, frame)
	}

	if m.moderation != nil {
		if chID, ok := m.playerChannel.Load(speakerID); ok {
			if m.moderation.HasChannelRecording(chID.(uuid.UUID)) {
				m.moderation.AppendFrame(chID.(uuid.UUID), frame)
			}
		}
	}

	// Whisper bypasses channel and group delivery entirely.
	if whisper {
		metrics.WhisperFrames.Inc()
		m.fanOutWhisper(st, frame, cfg)
		return
	}
	m.fanOutChannelAndGroups(st, frame, cfg)
}

// fanOutWhisper delivers to every connected listener within whisper range,
// with volume decaying linearly to 50% at the edge. No spatialization.
func (m *Manager) fanOutWhisper(speaker *VoiceState, frame []byte, cfg *config.Config) {
	speakerPos := speaker.Position()

	for _, listenerID := range m.connectedIDs() {
		if listenerID == speaker.ID() {
			continue
		}
		listener, ok := m.voiceState(listenerID)
		if !ok || !listener.CanHear() {
			continue
		}

		d := speakerPos.DistanceTo(listener.Position())
		if d > cfg.WhisperRange {
			continue
		}

		gain := 1.0 - (d/cfg.WhisperRange)*0.5
		gain *= m.listenerGain(listener, speaker)
		m.deliver(listener, speaker, mixer.ScaleVolume(frame, gain), gain, true)
	}
}

// fanOutChannelAndGroups delivers through the speaker's channel and all of
// their groups, deduplicating listeners so no one hears the frame twice.
func (m *Manager) fanOutChannelAndGroups(speaker *VoiceState, frame []byte, cfg *config.Config) {
	delivered := map[uuid.UUID]struct{}{speaker.ID(): {}}

	if chVal, ok := m.playerChannel.Load(speaker.ID()); ok {
		if v, ok := m.channels.Load(chVal.(uuid.UUID)); ok {
			m.fanOutChannel(speaker, v.(*Channel), frame, cfg, delivered)
		}
	}

	m.groups.Range(func(_, value any) bool {
		g := value.(*Group)
		if !g.HasMember(speaker.ID()) {
			return true
		}
		settings, _ := g.MemberSettings(speaker.ID())
		if settings.Muted {
			// Group-level speaker mute silences the whole group.
			return true
		}
		g.Touch()
		m.fanOutGroup(speaker, g, frame, delivered)
		return true
	})
}

func (m *Manager) fanOutChannel(speaker *VoiceState, ch *Channel, frame []byte, cfg *config.Config, delivered map[uuid.UUID]struct{}) {
	candidates := ch.Delivery().Candidates(speaker.ID(), ch.Members(), m.connectedIDs())
	// Without a proximity manager the channel degrades to plain fan-out.
	isProximity := ch.Type() == ChannelProximity && m.proximity != nil
	speakerPos := speaker.Position()

	for _, listenerID := range candidates {
		if _, done := delivered[listenerID]; done {
			continue
		}
		listener, ok := m.voiceState(listenerID)
		if !ok || !listener.CanHear() {
			continue
		}

		gain := m.listenerGain(listener, speaker)

		if isProximity {
			falloff := m.proximity.Volume(speakerPos, listener.Position())
			if falloff <= 0 {
				continue
			}

			if cfg.Enable3DAudio && m.mixer != nil {
				params := m.proximity.SpatialAudio(speakerPos, listener.Position(), listener.LookDirection())
				params.Volume *= gain
				delivered[listenerID] = struct{}{}
				m.deliver(listener, speaker, m.mixer.ApplySpatialAudio(frame, params), params.Volume, false)
				continue
			}
			gain *= falloff
		}

		delivered[listenerID] = struct{}{}
		m.deliver(listener, speaker, mixer.ScaleVolume(frame, gain), gain, false)
	}
}

func (m *Manager) fanOutGroup(speaker *VoiceState, g *Group, frame []byte, delivered map[uuid.UUID]struct{}) {
	for _, memberID := range g.Members() {
		if _, done := delivered[memberID]; done {
			continue
		}
		listener, ok := m.voiceState(memberID)
		if !ok || !listener.CanHear() {
			continue
		}

		settings, ok := g.MemberSettings(memberID)
		if !ok || settings.Muted {
			continue
		}

		gain := settings.Volume * m.listenerGain(listener, speaker)
		delivered[memberID] = struct{}{}
		m.deliver(listener, speaker, mixer.ScaleVolume(frame, gain), gain, false)
	}
}

// listenerGain composes the listener's per-speaker volume override with
// their output volume. Priority speakers cannot be turned below full volume
// by an override, only above.
func (m *Manager) listenerGain(listener, speaker *VoiceState) float64 {
	override := listener.VolumeFor(speaker.ID())
	if speaker.Flags().PrioritySpeaker && override < 1.0 {
		override = 1.0
	}
	return override * listener.OutputVolume()
}

// deliver encodes the frame as an AudioData packet and hands it to the sink
func (m *Manager) deliver(listener, speaker *VoiceState, data []byte, gain float64, whisper bool) {
	pkt := &protocol.AudioData{
		SpeakerID: speaker.ID(),
		Sequence:  m.sequence.Add(1),
		Whisper:   whisper,
		Volume:    float32(gain),
		Data:      data,
	}

	encoded, err := protocol.Encode(pkt)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to encode audio packet")
		return
	}

	if m.mixer != nil {
		m.mixer.PushFrame(listener.ID(), data)
	}
	if m.recorder != nil && m.recorder.IsRecording(listener.ID()) {
		m.recorder.RecordAudio(listener.ID(), speaker.ID(), data)
	}

	if err := m.sink.Send(listener.ID(), encoded); err != nil {
		m.logger.WithError(err).WithField("player_id", listener.ID()).Debug("Packet send failed")
		return
	}
	metrics.FanoutDeliveries.Inc()
}

// broadcastState sends a StateUpdate for a player to everyone connected and
// publishes a StateEvent.
func (m *Manager) broadcastState(st *VoiceState) {
	flags := st.Flags()
	pkt := &protocol.StateUpdate{
		PlayerID:       st.ID(),
		Speaking:       flags.Speaking,
		Muted:          flags.Muted || flags.SelfMuted,
		Deafened:       flags.Deafened || flags.SelfDeafened,
		Whispering:     flags.Whispering,
		ActivationMode: byte(st.ActivationMode()),
	}

	encoded, err := protocol.Encode(pkt)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to encode state update")
		return
	}

	for _, id := range m.connectedIDs() {
		m.sink.Send(id, encoded)
	}
	m.events.Publish(StateEvent{PlayerID: st.ID(), Flags: flags})
}

// Tick clears speaking flags for players whose last voice activity is older
// than the speaking timeout. Safe to call from a host tick loop.
func (m *Manager) Tick() {
	m.tickAt(time.Now())
}

func (m *Manager) tickAt(now time.Time) {
	timeout := m.config().SpeakingTimeout

	m.states.Range(func(_, value any) bool {
		st := value.(*VoiceState)
		if !st.Flags().Speaking {
			return true
		}
		if now.Sub(st.LastVoiceActivity()) > timeout {
			if st.SetSpeaking(false) {
				m.broadcastState(st)
			}
		}
		return true
	})
}

// SweepGroups deletes non-persistent groups that are empty or idle past the
// inactivity timeout.
func (m *Manager) SweepGroups() {
	cutoff := time.Now().Add(-m.config().GroupInactivityTimeout)

	m.groups.Range(func(key, value any) bool {
		g := value.(*Group)
		if g.Persistent() {
			return true
		}
		if g.Len() == 0 || g.IdleSince().Before(cutoff) {
			m.deleteGroup(g)
		}
		return true
	})
}

// CreateChannel registers a new channel. A zero MaxMembers takes the
// configured channel member limit; the persistent global and proximity
// channels stay unbounded.
func (m *Manager) CreateChannel(name string, typ ChannelType, settings ChannelSettings) *Channel {
	if settings.MaxMembers == 0 {
		settings.MaxMembers = m.config().MaxChannelMembers
	}
	ch := NewChannel(name, typ, settings)
	m.channels.Store(ch.ID(), ch)
	metrics.ChannelsActive.Inc()

	m.events.Publish(ChannelEvent{Kind: EventChannelCreated, ChannelID: ch.ID(), Channel: name})
	m.logger.WithFields(logrus.Fields{
		"channel_id": ch.ID(),
		"channel":    name,
		"type":       typ.String(),
	}).Info("Channel created")
	return ch
}

// DeleteChannel removes a channel, evicting all members
func (m *Manager) DeleteChannel(channelID uuid.UUID) bool {
	v, ok := m.channels.LoadAndDelete(channelID)
	if !ok {
		return false
	}
	ch := v.(*Channel)
	metrics.ChannelsActive.Dec()

	m.joinMu.Lock()
	for _, memberID := range ch.Members() {
		ch.RemoveMember(memberID)
		m.playerChannel.Delete(memberID)
		m.events.Publish(ChannelEvent{Kind: EventChannelLeft, ChannelID: channelID, Channel: ch.Name(), PlayerID: memberID})
	}
	m.joinMu.Unlock()

	m.events.Publish(ChannelEvent{Kind: EventChannelDeleted, ChannelID: channelID, Channel: ch.Name()})
	return true
}

// Channel returns a channel by id
func (m *Manager) Channel(channelID uuid.UUID) (*Channel, bool) {
	v, ok := m.channels.Load(channelID)
	if !ok {
		return nil, false
	}
	return v.(*Channel), true
}

// Channels returns a snapshot of all channels
func (m *Manager) Channels() []*Channel {
	var out []*Channel
	m.channels.Range(func(_, value any) bool {
		out = append(out, value.(*Channel))
		return true
	})
	return out
}

// JoinChannel moves a player into a channel, leaving any previous channel
// first. Returns false for unknown player/channel or a full channel.
func (m *Manager) JoinChannel(playerID, channelID uuid.UUID) bool {
	if _, ok := m.voiceState(playerID); !ok {
		return false
	}
	v, ok := m.channels.Load(channelID)
	if !ok {
		return false
	}
	ch := v.(*Channel)

	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	m.leaveChannelLocked(playerID)

	if !ch.AddMember(playerID) {
		return false
	}
	m.playerChannel.Store(playerID, channelID)

	m.events.Publish(ChannelEvent{Kind: EventChannelJoined, ChannelID: channelID, Channel: ch.Name(), PlayerID: playerID})
	return true
}

// LeaveChannel removes a player from their current channel
func (m *Manager) LeaveChannel(playerID uuid.UUID) {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	m.leaveChannelLocked(playerID)
}

func (m *Manager) leaveChannelLocked(playerID uuid.UUID) {
	chVal, ok := m.playerChannel.LoadAndDelete(playerID)
	if !ok {
		return
	}
	v, ok := m.channels.Load(chVal.(uuid.UUID))
	if !ok {
		return
	}
	ch := v.(*Channel)
	if ch.RemoveMember(playerID) {
		m.events.Publish(ChannelEvent{Kind: EventChannelLeft, ChannelID: ch.ID(), Channel: ch.Name(), PlayerID: playerID})
	}
}

// PlayerChannel returns the channel a player currently occupies
func (m *Manager) PlayerChannel(playerID uuid.UUID) (*Channel, bool) {
	chVal, ok := m.playerChannel.Load(playerID)
	if !ok {
		return nil, false
	}
	return m.Channel(chVal.(uuid.UUID))
}

// CreateGroup creates a group owned (and joined) by the given player
func (m *Manager) CreateGroup(ownerID uuid.UUID, name, password string, public, persistent bool, maxMembers int) (*Group, error) {
	if _, ok := m.voiceState(ownerID); !ok {
		return nil, errors.ErrPlayerNotFound
	}
	if m.playerGroupCount(ownerID) >= m.config().MaxGroupsPerPlayer {
		return nil, errors.ErrGroupLimitReached
	}

	g := NewGroup(name, ownerID, password, public, persistent, maxMembers)
	m.groups.Store(g.ID(), g)
	metrics.GroupsActive.Inc()

	m.events.Publish(GroupEvent{Kind: EventGroupCreated, GroupID: g.ID(), Group: name, PlayerID: ownerID})
	m.sendGroupUpdate(g, protocol.GroupActionCreate, ownerID)

	m.logger.WithFields(logrus.Fields{
		"group_id": g.ID(),
		"group":    name,
		"owner":    ownerID,
	}).Info("Group created")
	return g, nil
}

// JoinGroup adds a player to a group, enforcing the per-player group limit,
// capacity and password.
func (m *Manager) JoinGroup(playerID, groupID uuid.UUID, password string) error {
	if _, ok := m.voiceState(playerID); !ok {
		return errors.ErrPlayerNotFound
	}
	v, ok := m.groups.Load(groupID)
	if !ok {
		return errors.ErrGroupNotFound
	}
	g := v.(*Group)

	if g.HasMember(playerID) {
		return nil
	}
	if m.playerGroupCount(playerID) >= m.config().MaxGroupsPerPlayer {
		return errors.ErrGroupLimitReached
	}
	if err := g.AddMember(playerID, password); err != nil {
		return err
	}

	m.events.Publish(GroupEvent{Kind: EventGroupJoined, GroupID: groupID, Group: g.Name(), PlayerID: playerID})
	m.sendGroupUpdate(g, protocol.GroupActionJoin, playerID)
	return nil
}

// LeaveGroup removes a player from a group. A non-persistent group emptied
// by the departure is deleted immediately.
func (m *Manager) LeaveGroup(playerID, groupID uuid.UUID) {
	v, ok := m.groups.Load(groupID)
	if !ok {
		return
	}
	m.leaveGroup(playerID, v.(*Group))
}

func (m *Manager) leaveGroup(playerID uuid.UUID, g *Group) {
	removed, empty := g.RemoveMember(playerID)
	if !removed {
		return
	}

	m.events.Publish(GroupEvent{Kind: EventGroupLeft, GroupID: g.ID(), Group: g.Name(), PlayerID: playerID})
	m.sendGroupUpdate(g, protocol.GroupActionLeave, playerID)

	if empty && !g.Persistent() {
		m.deleteGroup(g)
	}
}

func (m *Manager) deleteGroup(g *Group) {
	if _, ok := m.groups.LoadAndDelete(g.ID()); !ok {
		return
	}
	metrics.GroupsActive.Dec()
	m.events.Publish(GroupEvent{Kind: EventGroupDeleted, GroupID: g.ID(), Group: g.Name()})
	m.sendGroupUpdate(g, protocol.GroupActionDelete, uuid.Nil)
}

// Group returns a group by id
func (m *Manager) Group(groupID uuid.UUID) (*Group, bool) {
	v, ok := m.groups.Load(groupID)
	if !ok {
		return nil, false
	}
	return v.(*Group), true
}

// PlayerGroups returns the groups a player belongs to
func (m *Manager) PlayerGroups(playerID uuid.UUID) []*Group {
	var out []*Group
	m.groups.Range(func(_, value any) bool {
		g := value.(*Group)
		if g.HasMember(playerID) {
			out = append(out, g)
		}
		return true
	})
	return out
}

func (m *Manager) playerGroupCount(playerID uuid.UUID) int {
	count := 0
	m.groups.Range(func(_, value any) bool {
		if value.(*Group).HasMember(playerID) {
			count++
		}
		return true
	})
	return count
}

// sendGroupUpdate notifies current group members about a membership change
func (m *Manager) sendGroupUpdate(g *Group, action byte, playerID uuid.UUID) {
	pkt := &protocol.GroupUpdate{
		GroupID:   g.ID().String(),
		GroupName: g.Name(),
		Action:    action,
		PlayerID:  playerID,
	}
	encoded, err := protocol.Encode(pkt)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to encode group update")
		return
	}

	for _, memberID := range g.Members() {
		m.sink.Send(memberID, encoded)
	}
	// The departing player also learns about their own removal.
	if action == protocol.GroupActionLeave && playerID != uuid.Nil {
		m.sink.Send(playerID, encoded)
	}
}

// SetMuted sets a player's server mute flag
func (m *Manager) SetMuted(playerID uuid.UUID, muted bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetMuted(muted)
		m.broadcastState(st)
	}
}

// SetSelfMuted sets a player's self mute flag
func (m *Manager) SetSelfMuted(playerID uuid.UUID, muted bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetSelfMuted(muted)
		m.broadcastState(st)
	}
}

// SetDeafened sets a player's server deafen flag
func (m *Manager) SetDeafened(playerID uuid.UUID, deafened bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetDeafened(deafened)
		m.broadcastState(st)
	}
}

// SetSelfDeafened sets a player's self deafen flag
func (m *Manager) SetSelfDeafened(playerID uuid.UUID, deafened bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetSelfDeafened(deafened)
		m.broadcastState(st)
	}
}

// SetPrioritySpeaker marks or unmarks a player as priority speaker
func (m *Manager) SetPrioritySpeaker(playerID uuid.UUID, priority bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetPrioritySpeaker(priority)
	}
}

// SetWhispering sets a player's whisper flag
func (m *Manager) SetWhispering(playerID uuid.UUID, whispering bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetWhispering(whispering)
		m.broadcastState(st)
	}
}

// SetActivationMode switches a player's activation mode
func (m *Manager) SetActivationMode(playerID uuid.UUID, mode ActivationMode) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetActivationMode(mode)
		m.broadcastState(st)
	}
}

// SetPushToTalk records a player's push-to-talk key state
func (m *Manager) SetPushToTalk(playerID uuid.UUID, held bool) {
	if st, ok := m.voiceState(playerID); ok {
		st.SetPushToTalkHeld(held)
	}
}

// SetPlayerVolume sets the listener's playback volume override for a target
func (m *Manager) SetPlayerVolume(listenerID, targetID uuid.UUID, volume float64) {
	if st, ok := m.voiceState(listenerID); ok {
		st.SetVolumeFor(targetID, volume)
	}
}

// StartRecording opens a recording session for a player
func (m *Manager) StartRecording(playerID uuid.UUID) error {
	if m.recorder == nil {
		return errors.ErrServiceDisabled
	}

	var channelID uuid.UUID
	if ch, ok := m.PlayerChannel(playerID); ok {
		channelID = ch.ID()
	}

	if _, err := m.recorder.StartRecording(playerID, channelID); err != nil {
		return err
	}
	metrics.RecordingSessions.Inc()
	m.events.Publish(RecordingEvent{Kind: EventRecordingStarted, PlayerID: playerID})
	return nil
}

// StopRecording closes a player's recording session
func (m *Manager) StopRecording(playerID uuid.UUID) error {
	if m.recorder == nil {
		return errors.ErrServiceDisabled
	}
	if err := m.recorder.StopRecording(playerID); err != nil {
		return err
	}
	metrics.RecordingSessions.Dec()
	m.events.Publish(RecordingEvent{Kind: EventRecordingStopped, PlayerID: playerID})
	return nil
}

// HandlePacket decodes and dispatches one inbound client packet. The sender
// identity comes from the transport, never from the packet.
func (m *Manager) HandlePacket(playerID uuid.UUID, data []byte) error {
	pkt, err := protocol.Decode(data)
	if err != nil {
		metrics.PacketDecodeErrors.Inc()
		return err
	}

	switch p := pkt.(type) {
	case *protocol.AudioData:
		m.RouteAudio(playerID, p.Data, p.Whisper)
	case *protocol.StateUpdate:
		m.SetSelfMuted(playerID, p.Muted)
		m.SetSelfDeafened(playerID, p.Deafened)
	case *protocol.PlayerVolumeUpdate:
		m.SetPlayerVolume(playerID, p.TargetID, float64(p.Volume))
	case *protocol.ActivationModeChange:
		m.SetActivationMode(playerID, ActivationMode(p.Mode))
	case *protocol.GroupUpdate:
		groupID, err := uuid.Parse(p.GroupID)
		if err != nil {
			return err
		}
		switch p.Action {
		case protocol.GroupActionJoin:
			return m.JoinGroup(playerID, groupID, "")
		case protocol.GroupActionLeave:
			m.LeaveGroup(playerID, groupID)
		}
	}
	return nil
}
