package voice

import (
	"testing"
	"time"

	"github.com/santralab/santral/internal/audio"
)

const testSampleRate = 16000

func feedChunks(t *testing.T, e *endpointer, pcm []byte, chunkMs int) (committedAt int) {
	t.Helper()
	chunkBytes := testSampleRate * 2 * chunkMs / 1000
	n := 0
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		n++
		if e.Observe(pcm[off:end], testSampleRate) {
			return n
		}
	}
	return 0
}

func TestEndpointerCommitsAfterSilenceWindow(t *testing.T) {
	e := newEndpointer(endpointerConfig{})
	tone := audio.GenerateTonePCM16LE(440, 500*time.Millisecond, testSampleRate)
	if got := feedChunks(t, e, tone, 100); got != 0 {
		t.Fatalf("committed during speech at chunk %d", got)
	}
	if !e.HasSpeech() {
		t.Fatal("HasSpeech = false after 500ms of tone")
	}
	silence := audio.GenerateSilencePCM16LE(time.Second, testSampleRate)
	got := feedChunks(t, e, silence, 100)
	if got != 6 {
		t.Fatalf("committed at silence chunk %d, want 6 (600ms window)", got)
	}
}

func TestEndpointerIgnoresShortBursts(t *testing.T) {
	e := newEndpointer(endpointerConfig{})
	burst := audio.GenerateTonePCM16LE(440, 200*time.Millisecond, testSampleRate)
	if got := feedChunks(t, e, burst, 100); got != 0 {
		t.Fatalf("committed on a 200ms burst at chunk %d", got)
	}
	silence := audio.GenerateSilencePCM16LE(2*time.Second, testSampleRate)
	if got := feedChunks(t, e, silence, 100); got != 0 {
		t.Fatalf("committed without enough voiced audio at chunk %d", got)
	}
	if e.HasSpeech() {
		t.Fatal("HasSpeech = true for a sub-minimum burst")
	}
}

func TestEndpointerForceClosesLongMonologue(t *testing.T) {
	e := newEndpointer(endpointerConfig{
		MinUtterance: 100 * time.Millisecond,
		MaxUtterance: time.Second,
	})
	tone := audio.GenerateTonePCM16LE(330, 2*time.Second, testSampleRate)
	got := feedChunks(t, e, tone, 100)
	if got != 10 {
		t.Fatalf("force close at chunk %d, want 10 (1s cap)", got)
	}
}

func TestEndpointerReset(t *testing.T) {
	e := newEndpointer(endpointerConfig{})
	tone := audio.GenerateTonePCM16LE(440, 400*time.Millisecond, testSampleRate)
	feedChunks(t, e, tone, 100)
	e.Reset()
	if e.HasSpeech() {
		t.Fatal("HasSpeech = true after Reset")
	}
	silence := audio.GenerateSilencePCM16LE(time.Second, testSampleRate)
	if got := feedChunks(t, e, silence, 100); got != 0 {
		t.Fatalf("committed after Reset with silence only, chunk %d", got)
	}
}

func TestEndpointerConfigDefaults(t *testing.T) {
	cfg := endpointerConfig{}.withDefaults()
	if cfg.SilenceRMS != 0.015 {
		t.Fatalf("SilenceRMS = %v", cfg.SilenceRMS)
	}
	if cfg.SilenceWindow != 600*time.Millisecond {
		t.Fatalf("SilenceWindow = %v", cfg.SilenceWindow)
	}
	if cfg.MinUtterance != 300*time.Millisecond {
		t.Fatalf("MinUtterance = %v", cfg.MinUtterance)
	}
	if cfg.MaxUtterance != 15*time.Second {
		t.Fatalf("MaxUtterance = %v", cfg.MaxUtterance)
	}
	// Explicit values survive.
	custom := endpointerConfig{SilenceRMS: 0.05}.withDefaults()
	if custom.SilenceRMS != 0.05 {
		t.Fatalf("custom SilenceRMS overwritten: %v", custom.SilenceRMS)
	}
}

func TestPCM16RMS(t *testing.T) {
	if got := pcm16RMS(nil); got != 0 {
		t.Fatalf("rms(nil) = %v", got)
	}
	if got := pcm16RMS(make([]byte, 3200)); got != 0 {
		t.Fatalf("rms(silence) = %v", got)
	}
	tone := audio.GenerateTonePCM16LE(440, 100*time.Millisecond, testSampleRate)
	if got := pcm16RMS(tone); got < 0.1 {
		t.Fatalf("rms(tone) = %v, want well above the silence floor", got)
	}
}
