package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// GenerateTonePCM16LE produces a mono sine burst with a soft decay, enough
// to register as speech on energy-based endpointing.
func GenerateTonePCM16LE(freqHz float64, d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		return nil
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		decay := 1.0 - float64(i)/float64(samples)*0.3
		v := math.Sin(2*math.Pi*freqHz*t) * 0.4 * decay
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// GenerateSilencePCM16LE produces flat silence, used to trip the utterance
// boundary after a tone burst.
func GenerateSilencePCM16LE(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		return nil
	}
	return make([]byte, samples*2)
}
