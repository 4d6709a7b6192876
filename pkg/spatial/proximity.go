package spatial

import (
	"sync"

	"voicechat-server/pkg/config"
)

// colocatedEpsilon is the distance below which speaker and listener are
// treated as occupying the same point.
const colocatedEpsilon = 0.001

// Params carries the spatialization result for one speaker/listener pair.
// Pan is -1 (full left) to +1 (full right), Elevation -1 (below) to +1
// (above), Volume 0 to 1.
type Params struct {
	Pan       float64
	Elevation float64
	Volume    float64
}

// ProximityManager computes distance falloff and 3D positioning for audio
// fan-out. It is a pure function of its configuration; reconfiguration
// replaces the config value wholesale.
type ProximityManager struct {
	mu  sync.RWMutex
	cfg *config.Config
}

// NewProximityManager creates a proximity manager with the given config
func NewProximityManager(cfg *config.Config) *ProximityManager {
	return &ProximityManager{cfg: cfg}
}

// Reconfigure swaps in a new configuration value
func (pm *ProximityManager) Reconfigure(cfg *config.Config) {
	pm.mu.Lock()
	pm.cfg = cfg
	pm.mu.Unlock()
}

func (pm *ProximityManager) snapshot() *config.Config {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.cfg
}

// Volume returns the proximity gain for a speaker heard by a listener.
// Within falloffStart the gain is 1.0, beyond falloffEnd it is 0.0, and in
// between the normalized distance runs through an ease-out quadratic so the
// curve stays smooth at both edges of the band.
func (pm *ProximityManager) Volume(speaker, listener Vec3) float64 {
	cfg := pm.snapshot()
	return falloff(speaker.DistanceTo(listener), cfg.FalloffStart, cfg.FalloffEnd)
}

func falloff(distance, start, end float64) float64 {
	if distance <= start {
		return 1.0
	}
	if distance >= end {
		return 0.0
	}
	if end <= start {
		return 0.0
	}

	t := (distance - start) / (end - start)
	return 1.0 - t*(2.0-t)
}

// SpatialAudio computes pan, elevation and volume for a speaker relative to
// a listener facing listenerForward. With 3D audio disabled only the
// falloff volume is populated.
func (pm *ProximityManager) SpatialAudio(speaker, listener, listenerForward Vec3) Params {
	cfg := pm.snapshot()

	distance := speaker.DistanceTo(listener)
	if distance < colocatedEpsilon {
		return Params{Volume: 1.0}
	}

	volume := falloff(distance, cfg.FalloffStart, cfg.FalloffEnd)
	if !cfg.Enable3DAudio {
		return Params{Volume: volume}
	}

	direction := speaker.Sub(listener).Normalized()

	// The right vector comes from the horizontal forward only, so looking up
	// or down does not skew the stereo field.
	forward := listenerForward.Horizontal().Normalized()
	if forward.Length() < 1e-9 {
		// Listener is looking straight up or down; no meaningful pan.
		return Params{Elevation: direction.Dot(worldUp), Volume: volume}
	}
	right := forward.Cross(worldUp)

	return Params{
		Pan:       direction.Dot(right),
		Elevation: direction.Dot(worldUp),
		Volume:    volume,
	}
}
