package audio

import (
	"fmt"
	"math"

	"voicechat-server/pkg/config"
)

// SuppressionLevel selects how aggressively the denoiser subtracts the
// learned noise profile from incoming frames.
type SuppressionLevel int

const (
	SuppressionOff SuppressionLevel = iota
	SuppressionLow
	SuppressionModerate
	SuppressionHigh
	SuppressionAggressive
)

// ParseSuppressionLevel maps a configuration string to a suppression level
func ParseSuppressionLevel(s string) (SuppressionLevel, error) {
	switch s {
	case "off":
		return SuppressionOff, nil
	case "low":
		return SuppressionLow, nil
	case "moderate":
		return SuppressionModerate, nil
	case "high":
		return SuppressionHigh, nil
	case "aggressive":
		return SuppressionAggressive, nil
	default:
		return SuppressionOff, fmt.Errorf("unknown noise suppression level %q", s)
	}
}

// Strength returns the subtraction strength for the level, 0.0 to 1.0
func (l SuppressionLevel) Strength() float64 {
	switch l {
	case SuppressionLow:
		return 0.25
	case SuppressionModerate:
		return 0.5
	case SuppressionHigh:
		return 0.75
	case SuppressionAggressive:
		return 1.0
	default:
		return 0.0
	}
}

func (l SuppressionLevel) String() string {
	switch l {
	case SuppressionOff:
		return "off"
	case SuppressionLow:
		return "low"
	case SuppressionModerate:
		return "moderate"
	case SuppressionHigh:
		return "high"
	case SuppressionAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// ProcessingConfig carries the per-stream audio processing parameters. It is
// derived from the service configuration once per stream so a reconfigure
// does not race against in-flight frames.
type ProcessingConfig struct {
	SampleRate int
	FrameSize  int

	EnableVAD     bool
	VADThreshold  float64
	VADHangTimeMs int

	SuppressionLevel SuppressionLevel

	EnableAGC      bool
	AGCTargetLevel float64
	AGCMaxGain     float64
}

// ProcessingConfigFrom builds a processing config from the service config.
// An invalid suppression level falls back to off.
func ProcessingConfigFrom(cfg *config.Config) ProcessingConfig {
	level, err := ParseSuppressionLevel(cfg.NoiseSuppression)
	if err != nil {
		level = SuppressionOff
	}

	return ProcessingConfig{
		SampleRate:       cfg.SampleRate,
		FrameSize:        cfg.FrameSize,
		EnableVAD:        cfg.EnableVAD,
		VADThreshold:     cfg.VADThreshold,
		VADHangTimeMs:    int(cfg.VADHangTime.Milliseconds()),
		SuppressionLevel: level,
		EnableAGC:        cfg.EnableAGC,
		AGCTargetLevel:   cfg.AGCTargetLevel,
		AGCMaxGain:       cfg.AGCMaxGain,
	}
}

// Processor transforms one frame of 16-bit little-endian PCM. Implementations
// keep per-stream state and are not safe for concurrent use on the same
// stream.
type Processor interface {
	Process(data []byte) ([]byte, error)
	Reset()
}

// ProcessorChain runs frames through an ordered list of processors
type ProcessorChain struct {
	processors []Processor
}

// NewProcessorChain creates a chain over the given processors in order
func NewProcessorChain(processors ...Processor) *ProcessorChain {
	return &ProcessorChain{processors: processors}
}

// Process runs the frame through every processor in order. A processor
// returning an error aborts the chain.
func (c *ProcessorChain) Process(data []byte) ([]byte, error) {
	var err error
	for _, p := range c.processors {
		data, err = p.Process(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Reset resets every processor in the chain
func (c *ProcessorChain) Reset() {
	for _, p := range c.processors {
		p.Reset()
	}
}

// pcm16ToFloat decodes little-endian 16-bit PCM into normalized samples in
// [-1, 1). A trailing odd byte is ignored.
func pcm16ToFloat(data []byte) []float64 {
	samples := make([]float64, len(data)/2)
	for i := range samples {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float64(s) / 32768.0
	}
	return samples
}

// floatToPCM16 encodes normalized samples as little-endian 16-bit PCM,
// clamping out-of-range values.
func floatToPCM16(samples []float64) []byte {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		s := int16(v * 32767.0)
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// rms computes the root mean square of a normalized sample block
func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range samples {
		total += v * v
	}
	return math.Sqrt(total / float64(len(samples)))
}
