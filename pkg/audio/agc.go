package audio

import "sync"

const (
	// agcMinGain keeps attenuation from silencing the stream entirely.
	agcMinGain = 0.1

	// agcAttackCoeff controls how quickly gain is reduced when a frame
	// exceeds the target level. Attack is fast so transients do not clip.
	agcAttackCoeff = 0.80

	// agcReleaseCoeff controls how quickly gain recovers after a loud
	// passage. Release is slow to avoid pumping.
	agcReleaseCoeff = 0.02

	// agcMinRMS suppresses gain updates on near-silent frames so the
	// noise floor is never boosted toward the target.
	agcMinRMS = 0.001
)

// AutomaticGainControl normalizes frame loudness toward a target RMS level.
// Gain moves with asymmetric attack/release smoothing and is bounded by the
// configured maximum.
type AutomaticGainControl struct {
	mu sync.Mutex

	target  float64
	maxGain float64
	gain    float64
	enabled bool
}

// NewAutomaticGainControl creates an AGC at unity gain
func NewAutomaticGainControl(cfg ProcessingConfig) *AutomaticGainControl {
	return &AutomaticGainControl{
		target:  cfg.AGCTargetLevel,
		maxGain: cfg.AGCMaxGain,
		gain:    1.0,
		enabled: cfg.EnableAGC,
	}
}

// Process implements Processor
func (a *AutomaticGainControl) Process(data []byte) ([]byte, error) {
	if !a.enabled {
		return data, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := pcm16ToFloat(data)
	if len(samples) == 0 {
		return data, nil
	}

	level := rms(samples)

	// Apply the current gain before updating it, so the update affects the
	// next frame rather than this one.
	for i := range samples {
		samples[i] *= a.gain
	}
	out := floatToPCM16(samples)

	if level < agcMinRMS {
		return out, nil
	}

	desired := a.target / level
	if desired < agcMinGain {
		desired = agcMinGain
	} else if desired > a.maxGain {
		desired = a.maxGain
	}

	coeff := agcReleaseCoeff
	if desired < a.gain {
		coeff = agcAttackCoeff
	}
	a.gain += coeff * (desired - a.gain)

	return out, nil
}

// Gain returns the current linear gain multiplier
func (a *AutomaticGainControl) Gain() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gain
}

// Reset implements Processor, returning the gain to unity
func (a *AutomaticGainControl) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gain = 1.0
}
