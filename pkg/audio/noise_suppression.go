package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// suppressionWindowSize is the spectral analysis window in samples.
	suppressionWindowSize = 512

	// suppressionHop is the analysis advance per segment. Half-window hop
	// with a Hann window makes the overlap-add reconstruction gain unity.
	suppressionHop = suppressionWindowSize / 2

	// noiseAdaptationRate controls how quickly the noise profile follows
	// the incoming spectrum.
	noiseAdaptationRate = 0.02

	// spectralFloorRatio keeps a fraction of the original magnitude in
	// every bin so heavy subtraction does not produce musical artifacts.
	spectralFloorRatio = 0.01
)

// NoiseSuppressor removes steady background noise from a PCM16 stream by
// spectral subtraction. Input accumulates internally and is processed in
// half-overlapping windows, so the output of a single Process call may be
// shorter than its input; the remainder is emitted on later calls.
type NoiseSuppressor struct {
	mu sync.Mutex

	logger   *logrus.Logger
	level    SuppressionLevel
	strength float64

	window  []float64
	pending []float64
	overlap []float64

	noiseProfile []float64
	profileInit  bool

	fftReal   []float64
	fftImag   []float64
	magnitude []float64
	phase     []float64
}

// NewNoiseSuppressor creates a suppressor for the given level. SuppressionOff
// yields a pass-through processor.
func NewNoiseSuppressor(logger *logrus.Logger, level SuppressionLevel) *NoiseSuppressor {
	bins := suppressionWindowSize/2 + 1

	return &NoiseSuppressor{
		logger:       logger,
		level:        level,
		strength:     level.Strength(),
		window:       hannWindow(suppressionWindowSize),
		overlap:      make([]float64, suppressionWindowSize-suppressionHop),
		noiseProfile: make([]float64, bins),
		fftReal:      make([]float64, suppressionWindowSize),
		fftImag:      make([]float64, suppressionWindowSize),
		magnitude:    make([]float64, bins),
		phase:        make([]float64, bins),
	}
}

// Level returns the configured suppression level
func (ns *NoiseSuppressor) Level() SuppressionLevel {
	return ns.level
}

// Process implements Processor
func (ns *NoiseSuppressor) Process(data []byte) ([]byte, error) {
	if ns.level == SuppressionOff {
		return data, nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.pending = append(ns.pending, pcm16ToFloat(data)...)

	var out []float64
	for len(ns.pending) >= suppressionWindowSize {
		segment := ns.processSegment(ns.pending[:suppressionWindowSize])
		out = append(out, segment...)
		ns.pending = ns.pending[suppressionHop:]
	}

	return floatToPCM16(out), nil
}

// processSegment runs one window through the spectral pipeline and returns
// the next hop of reconstructed samples. Callers must hold the lock.
func (ns *NoiseSuppressor) processSegment(segment []float64) []float64 {
	for i := 0; i < suppressionWindowSize; i++ {
		ns.fftReal[i] = segment[i] * ns.window[i]
		ns.fftImag[i] = 0
	}

	ns.forwardTransform()

	for i := range ns.magnitude {
		re := ns.fftReal[i]
		im := ns.fftImag[i]
		ns.magnitude[i] = math.Sqrt(re*re + im*im)
		ns.phase[i] = math.Atan2(im, re)
	}

	ns.adaptNoiseProfile()

	// Spectral subtraction with a magnitude-relative floor.
	for i := range ns.magnitude {
		cleaned := ns.magnitude[i] - (1.0+ns.strength)*ns.noiseProfile[i]
		floor := spectralFloorRatio * ns.magnitude[i]
		if cleaned < floor {
			cleaned = floor
		}
		ns.fftReal[i] = cleaned * math.Cos(ns.phase[i])
		ns.fftImag[i] = cleaned * math.Sin(ns.phase[i])
	}

	reconstructed := ns.inverseTransform()

	// Overlap-add: the first hop combines with the saved tail of the
	// previous window and is ready to emit; the rest becomes the new tail.
	out := make([]float64, suppressionHop)
	for i := 0; i < suppressionHop; i++ {
		out[i] = reconstructed[i] + ns.overlap[i]
	}
	copy(ns.overlap, reconstructed[suppressionHop:])

	return out
}

// adaptNoiseProfile folds the current spectrum into the noise estimate.
// Callers must hold the lock.
func (ns *NoiseSuppressor) adaptNoiseProfile() {
	if !ns.profileInit {
		copy(ns.noiseProfile, ns.magnitude)
		ns.profileInit = true
		if ns.logger != nil {
			ns.logger.WithField("level", ns.level.String()).Debug("Noise profile initialized")
		}
		return
	}

	for i := range ns.noiseProfile {
		ns.noiseProfile[i] = (1-noiseAdaptationRate)*ns.noiseProfile[i] + noiseAdaptationRate*ns.magnitude[i]
	}
}

// forwardTransform computes the DFT of fftReal in place, keeping the first
// N/2+1 bins. Window sizes here are small enough that the direct form is
// acceptable.
func (ns *NoiseSuppressor) forwardTransform() {
	n := suppressionWindowSize
	input := make([]float64, n)
	copy(input, ns.fftReal)

	for k := 0; k <= n/2; k++ {
		sumReal := 0.0
		sumImag := 0.0
		for i := 0; i < n; i++ {
			angle := -2.0 * math.Pi * float64(k*i) / float64(n)
			sumReal += input[i] * math.Cos(angle)
			sumImag += input[i] * math.Sin(angle)
		}
		ns.fftReal[k] = sumReal
		ns.fftImag[k] = sumImag
	}
}

// inverseTransform reconstructs the time-domain window from the first N/2+1
// bins of a real signal's spectrum.
func (ns *NoiseSuppressor) inverseTransform() []float64 {
	n := suppressionWindowSize
	out := make([]float64, n)

	for i := 0; i < n; i++ {
		sum := 0.0
		for k := 0; k <= n/2; k++ {
			angle := 2.0 * math.Pi * float64(k*i) / float64(n)
			term := ns.fftReal[k]*math.Cos(angle) - ns.fftImag[k]*math.Sin(angle)
			// Interior bins represent both positive and negative
			// frequencies of the real signal.
			if k != 0 && k != n/2 {
				term *= 2
			}
			sum += term
		}
		out[i] = sum / float64(n)
	}

	return out
}

// Reset implements Processor
func (ns *NoiseSuppressor) Reset() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.pending = nil
	for i := range ns.overlap {
		ns.overlap[i] = 0
	}
	for i := range ns.noiseProfile {
		ns.noiseProfile[i] = 0
	}
	ns.profileInit = false
}

func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}
