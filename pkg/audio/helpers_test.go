package audio

import "math"

// sinePCM generates a PCM16 sine frame at the given amplitude (0..1)
func sinePCM(samples int, amplitude float64) []byte {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/48.0)
		s := int16(v * 32767.0)
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// silencePCM generates an all-zero PCM16 frame
func silencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

func pcmRMS(data []byte) float64 {
	return rms(pcm16ToFloat(data))
}

func testProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		SampleRate:       48000,
		FrameSize:        960,
		EnableVAD:        true,
		VADThreshold:     0.003,
		VADHangTimeMs:    300,
		SuppressionLevel: SuppressionModerate,
		EnableAGC:        true,
		AGCTargetLevel:   0.2,
		AGCMaxGain:       10.0,
	}
}
