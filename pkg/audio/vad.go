package audio

import (
	"math"
	"sort"
	"sync"
	"time"
)

// vadHistorySize is the number of recent frame energies kept for the
// adaptive threshold estimate.
const vadHistorySize = 50

// VoiceActivityDetector classifies PCM16 frames as voice or silence using
// frame energy against an adaptive threshold. Activity is held for the
// configured hang time after energy drops so word gaps do not chop the
// stream.
type VoiceActivityDetector struct {
	mu sync.Mutex

	threshold float64
	hangTime  time.Duration

	active    bool
	lastVoice time.Time

	noiseFloor float64

	energyHistory [vadHistorySize]float64
	historyIndex  int
	historyCount  int
}

// NewVoiceActivityDetector creates a detector with the given processing config
func NewVoiceActivityDetector(cfg ProcessingConfig) *VoiceActivityDetector {
	return &VoiceActivityDetector{
		threshold:  cfg.VADThreshold,
		hangTime:   time.Duration(cfg.VADHangTimeMs) * time.Millisecond,
		noiseFloor: 0.001,
	}
}

// Detect reports whether the frame contains voice activity
func (v *VoiceActivityDetector) Detect(data []byte) bool {
	return v.detectAt(data, time.Now())
}

func (v *VoiceActivityDetector) detectAt(data []byte, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	energy := frameEnergy(data)

	v.energyHistory[v.historyIndex] = energy
	v.historyIndex = (v.historyIndex + 1) % vadHistorySize
	if v.historyCount < vadHistorySize {
		v.historyCount++
	}

	if energy > v.effectiveThreshold() {
		v.active = true
		v.lastVoice = now
		return true
	}

	if v.active && now.Sub(v.lastVoice) < v.hangTime {
		// Within the hang window the stream still counts as voice.
		return true
	}

	v.active = false

	// Track the ambient level only while silent so speech does not inflate
	// the floor.
	v.noiseFloor = 0.99*v.noiseFloor + 0.01*v.historyMedian()

	return false
}

// effectiveThreshold raises the configured threshold above a noisy ambient
// floor. Callers must hold the lock.
func (v *VoiceActivityDetector) effectiveThreshold() float64 {
	return math.Max(v.threshold, v.noiseFloor*3.0)
}

// historyMedian returns the median of the recorded frame energies. Callers
// must hold the lock.
func (v *VoiceActivityDetector) historyMedian() float64 {
	if v.historyCount == 0 {
		return 0
	}

	sorted := make([]float64, v.historyCount)
	copy(sorted, v.energyHistory[:v.historyCount])
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// IsActive returns the current voice state without processing a frame
func (v *VoiceActivityDetector) IsActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// NoiseFloor returns the current ambient level estimate
func (v *VoiceActivityDetector) NoiseFloor() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.noiseFloor
}

// Reset clears activity state and the energy history
func (v *VoiceActivityDetector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.active = false
	v.lastVoice = time.Time{}
	v.noiseFloor = 0.001
	v.energyHistory = [vadHistorySize]float64{}
	v.historyIndex = 0
	v.historyCount = 0
}

// frameEnergy computes the mean squared energy of a PCM16 frame, normalized
// to sample range [-1, 1).
func frameEnergy(data []byte) float64 {
	samples := len(data) / 2
	if samples == 0 {
		return 0
	}

	total := 0.0
	for i := 0; i < samples; i++ {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		f := float64(s) / 32768.0
		total += f * f
	}
	return total / float64(samples)
}
