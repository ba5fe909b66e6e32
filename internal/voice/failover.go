package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/reliability"
)

const (
	roleGeneration    = "generation"
	roleSynthesis     = "tts"
	roleTranscription = "stt"

	failoverMaxAttempts = 2
	failoverBackoffBase = 150 * time.Millisecond
	failoverBackoffCap  = 1200 * time.Millisecond
)

// ProviderHealth is the admin-facing view of one side of a failover pair.
type ProviderHealth struct {
	Role     string            `json:"role"`
	Tier     string            `json:"tier"`
	Provider string            `json:"provider"`
	Active   bool              `json:"active"`
	Breaker  reliability.Stats `json:"breaker"`
}

// failoverPair holds the shared primary/fallback bookkeeping. While
// fallbackHot is set the fallback is tried first and every fallback failure
// retries the primary, so the pair drifts back to the primary on its own.
type failoverPair struct {
	role         string
	primaryName  string
	fallbackName string
	primaryBrk   *reliability.Breaker
	fallbackBrk  *reliability.Breaker
	fallbackHot  atomic.Bool
	log          zerolog.Logger
}

func newFailoverPair(role, primaryName, fallbackName string, breakers *reliability.Registry, log zerolog.Logger) *failoverPair {
	p := &failoverPair{
		role:        role,
		primaryName: primaryName,
		primaryBrk:  breakers.Get(role + ":" + primaryName),
		log:         log,
	}
	if fallbackName != "" {
		p.fallbackName = fallbackName
		p.fallbackBrk = breakers.Get(role + ":" + fallbackName)
	}
	return p
}

type failoverTier int

const (
	tierPrimary failoverTier = iota
	tierFallback
)

func (t failoverTier) String() string {
	if t == tierFallback {
		return "fallback"
	}
	return "primary"
}

// order lists the tiers to try for one request, hot side first.
func (p *failoverPair) order() []failoverTier {
	if p.fallbackBrk == nil {
		return []failoverTier{tierPrimary}
	}
	if p.fallbackHot.Load() {
		return []failoverTier{tierFallback, tierPrimary}
	}
	return []failoverTier{tierPrimary, tierFallback}
}

func (p *failoverPair) breaker(t failoverTier) *reliability.Breaker {
	if t == tierFallback {
		return p.fallbackBrk
	}
	return p.primaryBrk
}

func (p *failoverPair) name(t failoverTier) string {
	if t == tierFallback {
		return p.fallbackName
	}
	return p.primaryName
}

func (p *failoverPair) recordSuccess(t failoverTier) {
	p.breaker(t).RecordSuccess()
	switch t {
	case tierPrimary:
		if p.fallbackHot.CompareAndSwap(true, false) {
			p.log.Info().Str("role", p.role).Str("provider", p.primaryName).Msg("primary recovered, fallback deactivated")
		}
	case tierFallback:
		if p.fallbackHot.CompareAndSwap(false, true) {
			p.log.Warn().Str("role", p.role).Str("provider", p.fallbackName).Msg("fallback activated")
		}
	}
}

func (p *failoverPair) recordFailure(t failoverTier, err error) {
	p.breaker(t).RecordFailure()
	p.log.Warn().Str("role", p.role).Str("tier", t.String()).Str("provider", p.name(t)).Err(err).Msg("provider call failed")
}

func (p *failoverPair) health() []ProviderHealth {
	hot := p.fallbackHot.Load()
	out := []ProviderHealth{{
		Role:     p.role,
		Tier:     "primary",
		Provider: p.primaryName,
		Active:   !hot,
		Breaker:  p.primaryBrk.Stats(),
	}}
	if p.fallbackBrk != nil {
		out = append(out, ProviderHealth{
			Role:     p.role,
			Tier:     "fallback",
			Provider: p.fallbackName,
			Active:   hot,
			Breaker:  p.fallbackBrk.Stats(),
		})
	}
	return out
}

// GenerationFailover routes StreamGenerate across a primary/fallback pair.
// Switching tiers and retrying are only safe while no delta has reached the
// caller; once text is flowing, a failure surfaces as-is rather than
// restarting the reply mid-sentence.
type GenerationFailover struct {
	pair      *failoverPair
	providers map[failoverTier]GenerationProvider
}

func NewGenerationFailover(primaryName string, primary GenerationProvider, fallbackName string, fallback GenerationProvider, breakers *reliability.Registry, log zerolog.Logger) *GenerationFailover {
	if fallback == nil {
		fallbackName = ""
	}
	f := &GenerationFailover{
		pair:      newFailoverPair(roleGeneration, primaryName, fallbackName, breakers, log),
		providers: map[failoverTier]GenerationProvider{tierPrimary: primary},
	}
	if fallback != nil {
		f.providers[tierFallback] = fallback
	}
	return f
}

func (f *GenerationFailover) StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error) {
	delivered := false
	wrapped := func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}

	var errs []error
	for _, tier := range f.pair.order() {
		provider := f.providers[tier]
		brk := f.pair.breaker(tier)
		if !brk.Allow() {
			errs = append(errs, fmt.Errorf("%s %s: circuit open", f.pair.name(tier), tier))
			continue
		}

		res, err := f.attemptTier(ctx, tier, provider, req, wrapped, &delivered)
		if err == nil {
			f.pair.recordSuccess(tier)
			res.Provider = f.pair.name(tier)
			return res, nil
		}
		if ctx.Err() != nil {
			// Turn cancellation, not provider health.
			return GenerationResult{}, err
		}
		f.pair.recordFailure(tier, err)
		errs = append(errs, fmt.Errorf("%s %s: %w", f.pair.name(tier), tier, err))
		if delivered {
			break
		}
	}
	return GenerationResult{}, fmt.Errorf("generation failed: %w", errors.Join(errs...))
}

// attemptTier retries one tier on transient errors, with backoff, as long
// as nothing has been delivered yet.
func (f *GenerationFailover) attemptTier(ctx context.Context, tier failoverTier, provider GenerationProvider, req GenerationRequest, onDelta DeltaHandler, delivered *bool) (GenerationResult, error) {
	var lastErr error
	for attempt := 0; attempt < failoverMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt, failoverBackoffBase, failoverBackoffCap)
			select {
			case <-ctx.Done():
				return GenerationResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}
		res, err := provider.StreamGenerate(ctx, req, onDelta)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if *delivered || ctx.Err() != nil || !reliability.IsRetryableError(err) {
			break
		}
		f.pair.log.Debug().Str("provider", f.pair.name(tier)).Int("attempt", attempt+1).Err(err).Msg("retrying generation")
	}
	return GenerationResult{}, lastErr
}

func (f *GenerationFailover) Health() []ProviderHealth { return f.pair.health() }

// SynthesisFailover routes StartStream across a TTS pair. Only stream setup
// fails over; once a stream is handed out its errors belong to that stream.
type SynthesisFailover struct {
	pair      *failoverPair
	providers map[failoverTier]TTSProvider
}

func NewSynthesisFailover(primaryName string, primary TTSProvider, fallbackName string, fallback TTSProvider, breakers *reliability.Registry, log zerolog.Logger) *SynthesisFailover {
	if fallback == nil {
		fallbackName = ""
	}
	f := &SynthesisFailover{
		pair:      newFailoverPair(roleSynthesis, primaryName, fallbackName, breakers, log),
		providers: map[failoverTier]TTSProvider{tierPrimary: primary},
	}
	if fallback != nil {
		f.providers[tierFallback] = fallback
	}
	return f
}

func (f *SynthesisFailover) StartStream(ctx context.Context, voice string, settings TTSSettings) (TTSStream, error) {
	var errs []error
	for _, tier := range f.pair.order() {
		brk := f.pair.breaker(tier)
		if !brk.Allow() {
			errs = append(errs, fmt.Errorf("%s %s: circuit open", f.pair.name(tier), tier))
			continue
		}
		stream, err := f.providers[tier].StartStream(ctx, voice, settings)
		if err == nil {
			f.pair.recordSuccess(tier)
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.pair.recordFailure(tier, err)
		errs = append(errs, fmt.Errorf("%s %s: %w", f.pair.name(tier), tier, err))
	}
	return nil, fmt.Errorf("tts start failed: %w", errors.Join(errs...))
}

func (f *SynthesisFailover) Health() []ProviderHealth { return f.pair.health() }

// TranscriptionFailover routes StartSession across an STT pair, with the
// same setup-only scope as SynthesisFailover.
type TranscriptionFailover struct {
	pair      *failoverPair
	providers map[failoverTier]STTProvider
}

func NewTranscriptionFailover(primaryName string, primary STTProvider, fallbackName string, fallback STTProvider, breakers *reliability.Registry, log zerolog.Logger) *TranscriptionFailover {
	if fallback == nil {
		fallbackName = ""
	}
	f := &TranscriptionFailover{
		pair:      newFailoverPair(roleTranscription, primaryName, fallbackName, breakers, log),
		providers: map[failoverTier]STTProvider{tierPrimary: primary},
	}
	if fallback != nil {
		f.providers[tierFallback] = fallback
	}
	return f
}

func (f *TranscriptionFailover) StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error) {
	var errs []error
	for _, tier := range f.pair.order() {
		brk := f.pair.breaker(tier)
		if !brk.Allow() {
			errs = append(errs, fmt.Errorf("%s %s: circuit open", f.pair.name(tier), tier))
			continue
		}
		sess, events, err := f.providers[tier].StartSession(ctx, sessionID, language)
		if err == nil {
			f.pair.recordSuccess(tier)
			return sess, events, nil
		}
		if ctx.Err() != nil {
			return nil, nil, err
		}
		f.pair.recordFailure(tier, err)
		errs = append(errs, fmt.Errorf("%s %s: %w", f.pair.name(tier), tier, err))
	}
	return nil, nil, fmt.Errorf("stt start failed: %w", errors.Join(errs...))
}

func (f *TranscriptionFailover) Health() []ProviderHealth { return f.pair.health() }
