package voice

import (
	"encoding/binary"
	"math"
	"time"
)

// endpointerConfig tunes utterance boundary detection on raw PCM energy.
type endpointerConfig struct {
	// SilenceRMS is the normalized RMS ([0,1]) below which a chunk counts
	// as silence. Telephony noise floors sit well under 0.01.
	SilenceRMS float64
	// SilenceWindow is the trailing quiet needed to close an utterance.
	SilenceWindow time.Duration
	// MinUtterance is the least voiced audio worth transcribing; shorter
	// bursts are coughs and line clicks.
	MinUtterance time.Duration
	// MaxUtterance force-closes a monologue so the caller gets feedback.
	MaxUtterance time.Duration
}

func defaultEndpointerConfig() endpointerConfig {
	return endpointerConfig{
		SilenceRMS:    0.015,
		SilenceWindow: 600 * time.Millisecond,
		MinUtterance:  300 * time.Millisecond,
		MaxUtterance:  15 * time.Second,
	}
}

func (c endpointerConfig) withDefaults() endpointerConfig {
	d := defaultEndpointerConfig()
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = d.SilenceRMS
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = d.SilenceWindow
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = d.MinUtterance
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = d.MaxUtterance
	}
	return c
}

// endpointer watches a PCM chunk stream and reports when the caller has
// finished speaking: enough voiced audio followed by a silence window, or a
// hard cap on utterance length. It is not safe for concurrent use; each STT
// session owns one.
type endpointer struct {
	cfg endpointerConfig

	voiced          time.Duration
	trailingSilence time.Duration
	total           time.Duration
}

func newEndpointer(cfg endpointerConfig) *endpointer {
	return &endpointer{cfg: cfg.withDefaults()}
}

// Observe feeds one chunk and reports whether the utterance should commit.
func (e *endpointer) Observe(pcm16le []byte, sampleRate int) bool {
	if sampleRate <= 0 || len(pcm16le) < 2 {
		return false
	}
	dur := pcmDuration(len(pcm16le), sampleRate)
	e.total += dur

	if pcm16RMS(pcm16le) >= e.cfg.SilenceRMS {
		e.voiced += dur
		e.trailingSilence = 0
	} else {
		e.trailingSilence += dur
	}

	if e.voiced < e.cfg.MinUtterance {
		return false
	}
	if e.trailingSilence >= e.cfg.SilenceWindow {
		return true
	}
	return e.total >= e.cfg.MaxUtterance
}

// Reset starts a fresh utterance, called after every commit.
func (e *endpointer) Reset() {
	e.voiced = 0
	e.trailingSilence = 0
	e.total = 0
}

// HasSpeech reports whether the current utterance carries enough voiced
// audio to be worth transcribing at all.
func (e *endpointer) HasSpeech() bool {
	return e.voiced >= e.cfg.MinUtterance
}

func pcmDuration(byteLen, sampleRate int) time.Duration {
	samples := byteLen / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// pcm16RMS computes the normalized root-mean-square level of little-endian
// 16-bit samples. 0 is digital silence, 1 is a full-scale square wave.
func pcm16RMS(pcm16le []byte) float64 {
	n := len(pcm16le) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm16le[i*2:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
