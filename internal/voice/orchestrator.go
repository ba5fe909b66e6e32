package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
	"github.com/santralab/santral/internal/cache"
	"github.com/santralab/santral/internal/dispatch"
	"github.com/santralab/santral/internal/guardrail"
	"github.com/santralab/santral/internal/intent"
	"github.com/santralab/santral/internal/metering"
	"github.com/santralab/santral/internal/observability"
	"github.com/santralab/santral/internal/protocol"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/session"
	"github.com/santralab/santral/internal/tenant"
)

// Response paths, recorded on turn end and in metrics.
const (
	pathShortcut  = "shortcut"
	pathCache     = "cache"
	pathGenerated = "generated"
	pathSafe      = "safe"
	pathFallback  = "fallback"
	pathBudget    = "budget"
)

const (
	// criticalSendTimeout bounds delivery of turn-end and error messages.
	// Everything else is dropped when the outbound channel is full.
	criticalSendTimeout = 600 * time.Millisecond
	// ttsDrainTimeout bounds the wait for queued speech after the last
	// segment is submitted.
	ttsDrainTimeout = 10 * time.Second
)

// errSpeechBlocked aborts a generation stream when pre-speech screening
// hits a forbidden topic.
var errSpeechBlocked = errors.New("speech segment blocked")

// Config wires the orchestrator's collaborators.
type Config struct {
	Sessions   *session.Manager
	Tenants    *tenant.Registry
	STT        STTProvider
	TTS        TTSProvider
	Generator  GenerationProvider
	Retriever  *retrieval.Retriever
	Cache      *cache.Cache
	Governor   *budget.Governor
	Recorder   *metering.Recorder
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics
	Log        zerolog.Logger
}

// Orchestrator drives one websocket call: audio in, transcription, intent
// routing, budget and guardrail enforcement, generation, and speech out.
// One RunConnection per call; turns within a call are serialized and a new
// utterance supersedes the turn in flight.
type Orchestrator struct {
	sessions   *session.Manager
	tenants    *tenant.Registry
	stt        STTProvider
	tts        TTSProvider
	generator  GenerationProvider
	retriever  *retrieval.Retriever
	cache      *cache.Cache
	governor   *budget.Governor
	recorder   *metering.Recorder
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		sessions:   cfg.Sessions,
		tenants:    cfg.Tenants,
		stt:        cfg.STT,
		tts:        cfg.TTS,
		generator:  cfg.Generator,
		retriever:  cfg.Retriever,
		cache:      cfg.Cache,
		governor:   cfg.Governor,
		recorder:   cfg.Recorder,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}
}

// RunConnection owns the call's event loop until the client disconnects,
// the call ends, or the tenant's budget terminates it. inbound carries
// parsed protocol messages from the websocket reader; outbound feeds the
// writer.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	log := o.log.With().Str("session_id", s.ID).Str("tenant_id", s.TenantID).Logger()

	profile, err := o.tenants.Lookup(s.TenantID)
	if err != nil {
		o.send(outbound, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, SessionID: s.ID,
			Code: "unknown_tenant", Source: "orchestrator", Detail: err.Error(),
		})
		return fmt.Errorf("tenant lookup: %w", err)
	}
	lang := s.Language
	if lang == "" {
		lang = profile.Language
	}
	sttLang := profile.Voice.STTLanguage
	if sttLang == "" {
		sttLang = lang
	}

	sttSession, sttEvents, err := o.stt.StartSession(ctx, s.ID, sttLang)
	if err != nil {
		o.metrics.ObserveProviderError("stt", "start_failed")
		o.send(outbound, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, SessionID: s.ID,
			Code: "stt_unavailable", Source: "stt", Retryable: true, Detail: err.Error(),
		})
		return fmt.Errorf("start stt session: %w", err)
	}
	defer func() { _ = sttSession.Close() }()

	o.metrics.ObserveSessionEvent("connection_opened")
	defer o.metrics.ObserveSessionEvent("connection_closed")

	// Turn registry. The token guards against a finished goroutine clearing
	// state that already belongs to its successor.
	var (
		turnMu       sync.Mutex
		turnCancel   context.CancelFunc
		activeTurnID string
		activeToken  int64
		nextToken    int64
	)
	// endSession carries a hard-stop reason out of a turn goroutine.
	endSession := make(chan string, 1)

	cancelActiveTurn := func(reason string) {
		turnMu.Lock()
		cancel := turnCancel
		turnID := activeTurnID
		turnCancel = nil
		activeTurnID = ""
		turnMu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		if reason != "" {
			o.send(outbound, protocol.AssistantTurnEnd{
				Type: protocol.TypeAssistantTurnEnd, SessionID: s.ID,
				TurnID: turnID, Reason: reason,
			})
		}
	}
	defer cancelActiveTurn("")

	turnBusy := func() bool {
		turnMu.Lock()
		defer turnMu.Unlock()
		return turnCancel != nil
	}

	launchTurn := func(turnID string, run func(turnCtx context.Context) error) {
		turnCtx, cancel := context.WithCancel(ctx)
		turnMu.Lock()
		nextToken++
		token := nextToken
		turnCancel = cancel
		activeTurnID = turnID
		activeToken = token
		turnMu.Unlock()

		go func() {
			defer func() {
				turnMu.Lock()
				if activeToken == token {
					turnCancel = nil
					activeTurnID = ""
					activeToken = 0
				}
				turnMu.Unlock()
			}()
			if err := run(turnCtx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.Error().Str("turn_id", turnID).Err(err).Msg("turn failed")
				o.metrics.ObserveSessionEvent("turn_failed")
				o.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, SessionID: s.ID,
					Code: "turn_failed", Source: "orchestrator", Detail: err.Error(),
				})
				o.send(outbound, protocol.AssistantTurnEnd{
					Type: protocol.TypeAssistantTurnEnd, SessionID: s.ID,
					TurnID: turnID, Reason: protocol.TurnReasonError,
				})
			}
		}()
	}

	// Open the call speaking: the greeting is a normal turn, so a caller
	// who starts talking over it barges in like anywhere else.
	greetingID := session.NewTurnID()
	_ = o.sessions.StartTurn(s.ID, greetingID)
	greeting := greetingReply(lang, profile)
	launchTurn(greetingID, func(turnCtx context.Context) error {
		return o.speakCanned(turnCtx, s, profile, outbound, cannedTurn{
			turnID:      greetingID,
			text:        greeting,
			intent:      intent.Result{Category: intent.CategoryGreeting, Language: lang},
			path:        pathShortcut,
			reason:      protocol.TurnReasonCompleted,
			committedAt: time.Now(),
		})
	})

	var (
		lastEarlyIntent intent.Category
		firstPartialAt  time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case reason := <-endSession:
			o.send(outbound, protocol.SystemEvent{
				Type: protocol.TypeSystemEvent, SessionID: s.ID,
				Code: "session_terminated", Detail: reason,
			})
			o.metrics.ObserveSessionEvent("terminated_" + reason)
			_, _ = o.sessions.End(s.ID)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				o.metrics.ObserveWSMessage("in", string(protocol.TypeClientAudioChunk))
				_ = o.sessions.Touch(s.ID)
				if turnBusy() {
					// Caller speaking over the assistant.
					_ = o.sessions.Interrupt(s.ID)
					cancelActiveTurn(protocol.TurnReasonInterrupted)
					o.metrics.ObserveTurnIndicator("barge_in")
				}
				if err := sttSession.SendAudioChunk(ctx, m.PCM16Base64, m.SampleRate, false); err != nil {
					log.Warn().Err(err).Msg("stt chunk rejected")
				}

			case protocol.ClientControl:
				o.metrics.ObserveWSMessage("in", string(protocol.TypeClientControl))
				_ = o.sessions.Touch(s.ID)
				switch m.Action {
				case protocol.ActionStop:
					if err := sttSession.SendAudioChunk(ctx, "", 0, true); err != nil {
						log.Warn().Err(err).Msg("forced commit failed")
					}
				case protocol.ActionBargeIn:
					_ = o.sessions.Interrupt(s.ID)
					cancelActiveTurn(protocol.TurnReasonInterrupted)
					o.metrics.ObserveTurnIndicator("barge_in")
				case protocol.ActionEnd:
					cancelActiveTurn("")
					o.send(outbound, protocol.SystemEvent{
						Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "call_ended",
					})
					_, _ = o.sessions.End(s.ID)
					return nil
				}
			}

		case evt, ok := <-sttEvents:
			if !ok {
				cancelActiveTurn("")
				o.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, SessionID: s.ID,
					Code: "stt_closed", Source: "stt", Retryable: false,
					Detail: "transcription stream ended",
				})
				return errors.New("stt event stream closed")
			}
			switch evt.Type {
			case STTEventPartial:
				if firstPartialAt.IsZero() {
					firstPartialAt = time.Now()
				}
				o.send(outbound, protocol.STTPartial{
					Type: protocol.TypeSTTPartial, SessionID: s.ID,
					Text: evt.Text, Confidence: evt.Confidence, TSMs: evt.Timestamp,
				})
				// Early intent from the partial, once it has substance.
				// Re-announce only when the category moves.
				if intent.HasEnoughTokens(evt.Text) {
					res := intent.DetectFast(evt.Text)
					if res.Confidence != intent.ConfidenceLow && res.Category != lastEarlyIntent {
						lastEarlyIntent = res.Category
						o.metrics.ObserveTurnIndicator("early_intent")
						o.send(outbound, protocol.IntentDetected{
							Type: protocol.TypeIntentDetected, SessionID: s.ID,
							Intent:     string(res.Category),
							Confidence: string(res.Confidence),
							Language:   res.Language,
							Early:      true,
						})
					}
				}

			case STTEventCommitted:
				text := strings.TrimSpace(evt.Text)
				if text == "" {
					continue
				}
				if !firstPartialAt.IsZero() {
					o.metrics.ObserveTurnStage("partial_to_final", time.Since(firstPartialAt))
				}
				firstPartialAt = time.Time{}
				lastEarlyIntent = ""
				o.send(outbound, protocol.STTCommitted{
					Type: protocol.TypeSTTCommitted, SessionID: s.ID,
					Text: text, Confidence: evt.Confidence, TSMs: evt.Timestamp,
				})
				if turnBusy() {
					_ = o.sessions.Interrupt(s.ID)
					cancelActiveTurn(protocol.TurnReasonInterrupted)
					o.metrics.ObserveTurnIndicator("barge_in")
				}

				turnID := session.NewTurnID()
				committedAt := time.Now()
				_ = o.sessions.StartTurn(s.ID, turnID)
				utterance := text
				launchTurn(turnID, func(turnCtx context.Context) error {
					return o.runTurn(turnCtx, s, profile, utterance, turnID, committedAt, outbound, endSession)
				})

			case STTEventError:
				o.metrics.ObserveProviderError("stt", evt.Code)
				o.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, SessionID: s.ID,
					Code: evt.Code, Source: "stt", Retryable: evt.Retryable, Detail: evt.Detail,
				})
			}
		}
	}
}

// runTurn routes one committed utterance through shortcut, budget, cache,
// retrieval, and generation, and speaks whichever reply wins.
func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, connProfile *tenant.Profile, utterance, turnID string, committedAt time.Time, outbound chan<- any, endSession chan<- string) error {
	log := o.log.With().Str("session_id", s.ID).Str("turn_id", turnID).Str("tenant_id", s.TenantID).Logger()

	// Fresh lookup so profile edits apply mid-call.
	profile, err := o.tenants.Lookup(s.TenantID)
	if err != nil {
		profile = connProfile
	}

	det := intent.DetectFast(utterance)
	lang := det.Language
	if lang == "" {
		lang = profile.Language
	}
	o.send(outbound, protocol.IntentDetected{
		Type: protocol.TypeIntentDetected, SessionID: s.ID,
		Intent:     string(det.Category),
		Confidence: string(det.Confidence),
		Language:   lang,
	})
	log.Debug().Str("intent", string(det.Category)).Str("confidence", string(det.Confidence)).Msg("utterance classified")

	// 1. Shortcut: social intents never touch retrieval or the model.
	if intent.ShouldShortcut(det) {
		o.metrics.ObserveTurnStage("final_to_reply_ready", time.Since(committedAt))
		return o.speakCanned(ctx, s, profile, outbound, cannedTurn{
			turnID: turnID, utterance: utterance,
			text:   shortcutReply(det.Category, lang, profile),
			intent: det, path: pathShortcut,
			reason: protocol.TurnReasonCompleted, committedAt: committedAt,
		})
	}

	// 2. Budget. A read failure fails open; the governor already logged it
	// as an allowed decision.
	degraded := false
	if o.governor != nil {
		tokensDec, terr := o.governor.Check(ctx, s.TenantID, budget.ResourceTokens, profile.Quotas.MonthlyTokens, lang)
		minutesDec, merr := o.governor.Check(ctx, s.TenantID, budget.ResourceMinutes, profile.Quotas.MonthlyMinutes, lang)
		if terr != nil || merr != nil {
			log.Warn().AnErr("tokens_err", terr).AnErr("minutes_err", merr).Msg("budget ledger unavailable")
		}
		o.metrics.ObserveBudgetDecision(string(budget.ResourceTokens), budgetOutcome(tokensDec))
		o.metrics.ObserveBudgetDecision(string(budget.ResourceMinutes), budgetOutcome(minutesDec))

		if tokensDec.Exceeded || minutesDec.Exceeded {
			reason := tokensDec.Reason
			if reason == "" {
				reason = minutesDec.Reason
			}
			o.send(outbound, protocol.SystemEvent{
				Type: protocol.TypeSystemEvent, SessionID: s.ID,
				Code: "budget_exceeded", Detail: reason,
			})
			err := o.speakCanned(ctx, s, profile, outbound, cannedTurn{
				turnID: turnID, utterance: utterance,
				text:   budgetStopReply(reason, lang),
				intent: det, path: pathBudget,
				reason: protocol.TurnReasonBlocked, committedAt: committedAt,
			})
			select {
			case endSession <- "budget_exceeded":
			default:
			}
			return err
		}
		degraded = tokensDec.Degraded || minutesDec.Degraded
		if degraded {
			o.send(outbound, protocol.SystemEvent{
				Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "budget_degraded",
			})
		}
	}

	// 3. Cache.
	if o.cache != nil {
		if hit, ok := o.cache.Get(s.TenantID, det.Category, utterance); ok {
			o.metrics.ObserveCacheEvent("hit")
			o.metrics.ObserveTurnStage("final_to_reply_ready", time.Since(committedAt))
			return o.speakCanned(ctx, s, profile, outbound, cannedTurn{
				turnID: turnID, utterance: utterance,
				text: hit, intent: det, path: pathCache,
				reason: protocol.TurnReasonCompleted, committedAt: committedAt,
			})
		}
		o.metrics.ObserveCacheEvent("miss")
	}
	o.metrics.ObserveTurnStage("final_to_reply_ready", time.Since(committedAt))

	// 4. Retrieval. Low grounding and infrastructure failures both take the
	// safe reply; an ungrounded generation is worse than a transfer.
	var contexts []retrieval.Context
	if o.retriever != nil {
		contexts, err = o.retriever.Retrieve(ctx, s.TenantID, utterance)
		o.metrics.ObserveTurnStage("final_to_retrieval_done", time.Since(committedAt))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			path := pathSafe
			if !errors.Is(err, retrieval.ErrLowGrounding) {
				o.metrics.ObserveProviderError("retrieval", "query_failed")
				log.Warn().Err(err).Msg("retrieval failed")
				path = pathFallback
			}
			return o.speakCanned(ctx, s, profile, outbound, cannedTurn{
				turnID: turnID, utterance: utterance,
				text:   safeFallbackReply(det.Category, lang),
				intent: det, path: path,
				reason: protocol.TurnReasonCompleted, committedAt: committedAt,
			})
		}
	}

	// 5. Generation with streaming synthesis.
	return o.runGeneratedTurn(ctx, s, profile, det, utterance, turnID, lang, degraded, contexts, committedAt, outbound, log)
}

func (o *Orchestrator) runGeneratedTurn(
	ctx context.Context,
	s *session.Session,
	profile *tenant.Profile,
	det intent.Result,
	utterance, turnID, lang string,
	degraded bool,
	contexts []retrieval.Context,
	committedAt time.Time,
	outbound chan<- any,
	log zerolog.Logger,
) error {
	// Open the synthesis stream while the model spins up; adopt it the
	// first time a segment is ready.
	type ttsPreflightResult struct {
		stream TTSStream
		err    error
	}
	ttsResCh := make(chan ttsPreflightResult, 1)
	go func() {
		stream, err := o.tts.StartStream(ctx, profile.Voice.TTSVoice, TTSSettings{
			Language:     lang,
			SpeakingRate: profile.Voice.SpeakingRate,
		})
		ttsResCh <- ttsPreflightResult{stream: stream, err: err}
	}()

	var (
		ttsStream  TTSStream
		ttsErr     error
		ttsAdopted bool
		ttsDone    chan struct{}
	)
	startForwarder := func(stream TTSStream) {
		ttsDone = make(chan struct{})
		go func() {
			defer close(ttsDone)
			seq := 0
			firstAudio := false
			for evt := range stream.Events() {
				switch evt.Type {
				case TTSEventAudio:
					if !firstAudio {
						firstAudio = true
						d := time.Since(committedAt)
						o.metrics.ObserveFirstAudioLatency(d)
						o.metrics.ObserveTurnStage("final_to_first_audio", d)
					}
					seq++
					o.send(outbound, protocol.AssistantAudioChunk{
						Type: protocol.TypeAssistantAudio, SessionID: s.ID, TurnID: turnID,
						Seq: seq, Format: evt.Format, AudioBase64: evt.AudioBase64,
					})
				case TTSEventError:
					o.metrics.ObserveProviderError("tts", evt.Code)
					o.send(outbound, protocol.ErrorEvent{
						Type: protocol.TypeErrorEvent, SessionID: s.ID,
						Code: evt.Code, Source: "tts", Retryable: evt.Retryable, Detail: evt.Detail,
					})
				case TTSEventFinal:
					return
				}
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}
	// abandonPreflight closes the preflight stream whenever it materializes,
	// for turns that end before adopting it.
	abandonPreflight := func() {
		go func() {
			if res := <-ttsResCh; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
	}
	adoptTTS := func(block bool) {
		if ttsAdopted {
			return
		}
		if block {
			select {
			case res := <-ttsResCh:
				ttsStream, ttsErr = res.stream, res.err
			case <-ctx.Done():
				ttsErr = ctx.Err()
				ttsAdopted = true
				abandonPreflight()
				return
			}
		} else {
			select {
			case res := <-ttsResCh:
				ttsStream, ttsErr = res.stream, res.err
			default:
				return
			}
		}
		ttsAdopted = true
		if ttsErr != nil {
			o.metrics.ObserveProviderError("tts", "start_failed")
			log.Warn().Err(ttsErr).Msg("tts unavailable, turn continues text-only")
			return
		}
		startForwarder(ttsStream)
	}
	closeTTS := func() {
		if !ttsAdopted {
			ttsAdopted = true
			abandonPreflight()
			return
		}
		if ttsStream != nil {
			_ = ttsStream.Close()
			if ttsDone != nil {
				<-ttsDone
			}
			ttsStream = nil
		}
	}
	defer closeTTS()

	genCtx, genCancel := context.WithCancel(ctx)
	defer genCancel()

	var (
		cleaner        speechCleaner
		segmenter      sentenceSegmenter
		pendingSpeech  []string
		blocked        bool
		blockedHits    []string
		firstTokenSeen bool
	)
	queueSegment := func(seg string) error {
		sanitized, violations, ok := guardrail.ScreenSegment(seg, profile.Guardrails, lang)
		if !ok {
			blocked = true
			blockedHits = violations
			genCancel()
			return errSpeechBlocked
		}
		if len(violations) > 0 {
			for _, v := range violations {
				o.metrics.ObserveGuardrail(v, false)
			}
		}
		if strings.TrimSpace(sanitized) == "" {
			return nil
		}
		adoptTTS(false)
		if ttsStream != nil {
			if err := ttsStream.SendText(ctx, sanitized, false); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("speech segment dropped")
			}
			return nil
		}
		pendingSpeech = append(pendingSpeech, sanitized)
		return nil
	}
	flushPending := func() {
		if ttsStream == nil || len(pendingSpeech) == 0 {
			return
		}
		for _, seg := range pendingSpeech {
			if err := ttsStream.SendText(ctx, seg, false); err != nil {
				break
			}
		}
		pendingSpeech = nil
	}

	handleDelta := func(delta string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !firstTokenSeen {
			firstTokenSeen = true
			o.metrics.ObserveTurnStage("final_to_first_token", time.Since(committedAt))
		}
		o.send(outbound, protocol.AssistantTextDelta{
			Type: protocol.TypeAssistantTextDelta, SessionID: s.ID,
			TurnID: turnID, TextDelta: delta,
		})
		for _, seg := range segmenter.Push(cleaner.SanitizeDelta(delta)) {
			if err := queueSegment(seg); err != nil {
				return err
			}
		}
		return nil
	}

	history, _ := o.sessions.History(s.ID)
	contextTexts := make([]string, 0, len(contexts))
	for _, c := range contexts {
		contextTexts = append(contextTexts, c.Text)
	}
	result, genErr := o.generator.StreamGenerate(genCtx, GenerationRequest{
		TenantID:     s.TenantID,
		SessionID:    s.ID,
		TurnID:       turnID,
		SystemPrompt: buildSystemPrompt(profile, contexts, lang),
		History:      history,
		UserText:     utterance,
		Contexts:     contextTexts,
		Language:     lang,
		Tools:        defaultToolSchemas,
		Degraded:     degraded,
	})

	// Pre-speech screening hit a forbidden topic: kill whatever speech is
	// queued and replace the reply with the refusal.
	speakBlocked := func() error {
		closeTTS()
		o.metrics.ObserveGuardrail("forbidden_topics", true)
		o.metrics.ObserveTurnIndicator("screen_block")
		if o.recorder != nil {
			o.recorder.RecordViolations(s.TenantID, s.ID, turnID, blockedHits, true)
		}
		log.Warn().Strs("violations", blockedHits).Msg("reply blocked before speech")
		return o.speakCanned(ctx, s, profile, outbound, cannedTurn{
			turnID: turnID, utterance: utterance,
			text:   guardrail.UncertainReply(lang),
			intent: det, path: pathSafe,
			reason: protocol.TurnReasonBlocked, committedAt: committedAt,
		})
	}

	if blocked {
		return speakBlocked()
	}

	if genErr != nil {
		if ctx.Err() != nil || errors.Is(genErr, context.Canceled) {
			return genErr
		}
		o.metrics.ObserveProviderError("generation", "stream_failed")
		log.Error().Err(genErr).Msg("generation failed")
		if firstTokenSeen {
			// Part of the reply already reached the caller; a canned
			// follow-up here would read as a second answer.
			return genErr
		}
		closeTTS()
		return o.speakCanned(ctx, s, profile, outbound, cannedTurn{
			turnID: turnID, utterance: utterance,
			text:   safeFallbackReply(det.Category, lang),
			intent: det, path: pathFallback,
			reason: protocol.TurnReasonCompleted, committedAt: committedAt,
		})
	}

	// Tail: whatever the cleaner and segmenter still hold.
	tail := segmenter.Push(cleaner.Finalize())
	tail = append(tail, segmenter.Finalize()...)
	for _, seg := range tail {
		if err := queueSegment(seg); err != nil {
			break
		}
	}
	if blocked {
		return speakBlocked()
	}

	adoptTTS(true)
	flushPending()
	if ttsStream != nil {
		_ = ttsStream.CloseInput(ctx)
		select {
		case <-ttsDone:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ttsDrainTimeout):
			log.Warn().Msg("tts drain timed out")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	finalText := result.Text

	// Post-hoc validation is advisory: speech is already out, but the
	// verdict feeds compliance records and the cache admission below.
	verdict := guardrail.Validate(finalText, contexts, profile.Guardrails, lang)
	for _, v := range verdict.Violations {
		o.metrics.ObserveGuardrail(v, !verdict.Approved)
	}
	if len(verdict.Violations) > 0 && o.recorder != nil {
		o.recorder.RecordViolations(s.TenantID, s.ID, turnID, verdict.Violations, false)
	}
	recordText := finalText
	if verdict.Approved && verdict.Sanitized != "" {
		recordText = verdict.Sanitized
	}

	if o.cache != nil && verdict.Approved && len(contexts) > 0 && recordText != "" {
		o.cache.Set(s.TenantID, det.Category, utterance, recordText)
		o.metrics.ObserveCacheEvent("store")
	}

	tokens := result.Usage.Total
	if tokens <= 0 {
		tokens = estimateTokenCount(utterance) + estimateTokenCount(finalText)
	}
	if o.recorder != nil {
		o.recorder.RecordUsage(s.TenantID, s.ID, budget.ResourceTokens, float64(tokens), result.Provider)
	}
	o.metrics.AddUsage(s.TenantID, string(budget.ResourceTokens), float64(tokens))

	for _, call := range result.ToolCalls {
		if o.dispatcher == nil {
			break
		}
		accepted := o.dispatcher.DispatchTo(profile.Webhook, dispatch.ToolCall{
			Name:      call.Name,
			Arguments: call.Arguments,
			TenantID:  s.TenantID,
			SessionID: s.ID,
			TurnID:    turnID,
		})
		if accepted {
			o.send(outbound, protocol.SystemEvent{
				Type: protocol.TypeSystemEvent, SessionID: s.ID,
				Code: "tool_dispatched", Detail: call.Name,
			})
		}
	}

	_ = o.sessions.AppendExchange(s.ID, session.Exchange{
		UserText:      utterance,
		AssistantText: recordText,
		Intent:        string(det.Category),
		At:            time.Now(),
	})

	o.send(outbound, protocol.AssistantTurnEnd{
		Type: protocol.TypeAssistantTurnEnd, SessionID: s.ID, TurnID: turnID,
		Reason: protocol.TurnReasonCompleted, Path: pathGenerated, Intent: string(det.Category),
	})
	o.metrics.ObserveTurnOutcome(pathGenerated)
	o.metrics.ObserveTurnStage("turn_total", time.Since(committedAt))
	log.Info().Str("path", pathGenerated).Str("provider", result.Provider).Int("tokens", tokens).Dur("took", time.Since(committedAt)).Msg("turn completed")
	return nil
}

// cannedTurn describes a reply that skips generation.
type cannedTurn struct {
	turnID      string
	utterance   string
	text        string
	intent      intent.Result
	path        string
	reason      string
	committedAt time.Time
}

// speakCanned streams one fixed reply and closes the turn.
func (o *Orchestrator) speakCanned(ctx context.Context, s *session.Session, profile *tenant.Profile, outbound chan<- any, t cannedTurn) error {
	o.send(outbound, protocol.AssistantTextDelta{
		Type: protocol.TypeAssistantTextDelta, SessionID: s.ID,
		TurnID: t.turnID, TextDelta: t.text,
	})
	if err := o.speakText(ctx, s, profile, t.turnID, t.text, t.committedAt, outbound); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.log.Warn().Str("session_id", s.ID).Str("turn_id", t.turnID).Err(err).Msg("canned reply synthesis failed")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_ = o.sessions.AppendExchange(s.ID, session.Exchange{
		UserText:      t.utterance,
		AssistantText: t.text,
		Intent:        string(t.intent.Category),
		At:            time.Now(),
	})
	o.send(outbound, protocol.AssistantTurnEnd{
		Type: protocol.TypeAssistantTurnEnd, SessionID: s.ID, TurnID: t.turnID,
		Reason: t.reason, Path: t.path, Intent: string(t.intent.Category),
	})
	o.metrics.ObserveTurnOutcome(t.path)
	o.metrics.ObserveTurnStage("turn_total", time.Since(t.committedAt))
	return nil
}

// speakText synthesizes one finished text on a fresh stream and forwards
// the audio until the stream drains.
func (o *Orchestrator) speakText(ctx context.Context, s *session.Session, profile *tenant.Profile, turnID, text string, committedAt time.Time, outbound chan<- any) error {
	clean := strings.TrimSpace(sanitizeForSpeech(text))
	if clean == "" {
		return nil
	}
	lang := profile.Language
	stream, err := o.tts.StartStream(ctx, profile.Voice.TTSVoice, TTSSettings{
		Language:     lang,
		SpeakingRate: profile.Voice.SpeakingRate,
	})
	if err != nil {
		o.metrics.ObserveProviderError("tts", "start_failed")
		return fmt.Errorf("start tts: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.SendText(ctx, clean, true); err != nil {
		return fmt.Errorf("queue speech: %w", err)
	}
	if err := stream.CloseInput(ctx); err != nil {
		return fmt.Errorf("close tts input: %w", err)
	}

	seq := 0
	firstAudio := false
	drain := time.NewTimer(ttsDrainTimeout)
	defer drain.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drain.C:
			return errors.New("tts drain timed out")
		case evt, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch evt.Type {
			case TTSEventAudio:
				if !firstAudio {
					firstAudio = true
					d := time.Since(committedAt)
					o.metrics.ObserveFirstAudioLatency(d)
					o.metrics.ObserveTurnStage("final_to_first_audio", d)
				}
				seq++
				o.send(outbound, protocol.AssistantAudioChunk{
					Type: protocol.TypeAssistantAudio, SessionID: s.ID, TurnID: turnID,
					Seq: seq, Format: evt.Format, AudioBase64: evt.AudioBase64,
				})
			case TTSEventError:
				o.metrics.ObserveProviderError("tts", evt.Code)
				return fmt.Errorf("tts: %s", evt.Detail)
			case TTSEventFinal:
				return nil
			}
		}
	}
}

// PreviewTTS synthesizes a short sample for the admin voice catalog.
func (o *Orchestrator) PreviewTTS(ctx context.Context, voice, text, lang string) ([]byte, string, error) {
	if strings.TrimSpace(text) == "" {
		text = "Merhaba, ben sanal asistanınızım."
	}
	stream, err := o.tts.StartStream(ctx, voice, TTSSettings{Language: lang})
	if err != nil {
		return nil, "", fmt.Errorf("start tts: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.SendText(ctx, sanitizeForSpeech(text), true); err != nil {
		return nil, "", err
	}
	if err := stream.CloseInput(ctx); err != nil {
		return nil, "", err
	}

	var (
		buf    []byte
		format string
	)
	drain := time.NewTimer(ttsDrainTimeout)
	defer drain.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-drain.C:
			return nil, "", errors.New("preview synthesis timed out")
		case evt, ok := <-stream.Events():
			if !ok {
				return buf, format, nil
			}
			switch evt.Type {
			case TTSEventAudio:
				chunk, err := base64.StdEncoding.DecodeString(evt.AudioBase64)
				if err != nil {
					return nil, "", fmt.Errorf("decode audio chunk: %w", err)
				}
				buf = append(buf, chunk...)
				format = evt.Format
			case TTSEventError:
				return nil, "", fmt.Errorf("tts: %s", evt.Detail)
			case TTSEventFinal:
				return buf, format, nil
			}
		}
	}
}

func buildSystemPrompt(profile *tenant.Profile, contexts []retrieval.Context, lang string) string {
	var b strings.Builder
	base := strings.TrimSpace(profile.Persona.SystemPrompt)
	if base == "" {
		if lang == "en" {
			base = fmt.Sprintf("You are %s, the phone assistant of %s. You speak with callers over voice.", personaName(profile), profile.Name)
		} else {
			base = fmt.Sprintf("Sen %s firmasının telefon asistanı %s'sın. Arayanlarla sesli görüşüyorsun.", profile.Name, personaName(profile))
		}
	}
	b.WriteString(base)

	if lang == "en" {
		b.WriteString("\n\nRules:\n")
		b.WriteString("- Keep answers short and conversational; they will be spoken aloud.\n")
		b.WriteString("- Answer only from the knowledge passages below.\n")
		b.WriteString("- If the passages do not cover the question, say you will check and offer a callback.")
	} else {
		b.WriteString("\n\nKurallar:\n")
		b.WriteString("- Yanıtların kısa ve konuşma diline uygun olsun; sesli okunacak.\n")
		b.WriteString("- Yalnızca aşağıdaki bilgi pasajlarına dayanarak yanıt ver.\n")
		b.WriteString("- Pasajlar soruyu kapsamıyorsa kontrol edip geri arama teklif et.")
	}

	if len(contexts) > 0 {
		if lang == "en" {
			b.WriteString("\n\nKnowledge passages:")
		} else {
			b.WriteString("\n\nBilgi pasajları:")
		}
		for i, c := range contexts {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, strings.TrimSpace(c.Text))
		}
	}
	return b.String()
}

func personaName(profile *tenant.Profile) string {
	if strings.TrimSpace(profile.Persona.Name) != "" {
		return profile.Persona.Name
	}
	return "Santral"
}

// defaultToolSchemas are the actions every tenant's webhook can receive.
var defaultToolSchemas = []ToolSchema{
	{
		Name:        "book_appointment",
		Description: "Book an appointment for the caller once a concrete date and time have been agreed.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"date": {"type": "string", "description": "Appointment date, YYYY-MM-DD"},
				"time": {"type": "string", "description": "Appointment time, HH:MM"},
				"service": {"type": "string", "description": "Requested service"},
				"notes": {"type": "string"}
			},
			"required": ["date", "time"]
		}`),
	},
	{
		Name:        "request_callback",
		Description: "Ask a human agent to call the customer back when the assistant cannot resolve the request.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "description": "What the callback is about"},
				"preferred_time": {"type": "string"}
			},
			"required": ["topic"]
		}`),
	},
	{
		Name:        "transfer_to_agent",
		Description: "Hand the live call to a human agent. Use when the caller insists on a person or the conversation stalls.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string"}
			},
			"required": ["reason"]
		}`),
	},
}

// send delivers an outbound message. Turn-end, error, and system events wait
// up to criticalSendTimeout for a slow writer; everything else is dropped
// when the channel is full so a stalled client cannot wedge the call.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
			o.metrics.ObserveWSMessage("out", msgType)
		case <-timer.C:
			o.metrics.ObserveSessionEvent("outbound_drop_critical")
		}
		return
	}
	select {
	case outbound <- msg:
		o.metrics.ObserveWSMessage("out", msgType)
	default:
		o.metrics.ObserveSessionEvent("outbound_drop")
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AssistantTurnEnd:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.AssistantAudioChunk:
		return string(m.Type), false
	case protocol.AssistantTextDelta:
		return string(m.Type), false
	case protocol.STTPartial:
		return string(m.Type), false
	case protocol.STTCommitted:
		return string(m.Type), false
	case protocol.IntentDetected:
		return string(m.Type), false
	default:
		return "unknown", false
	}
}

func budgetOutcome(d budget.Decision) string {
	switch {
	case d.Exceeded:
		return "exceeded"
	case d.Degraded:
		return "degraded"
	default:
		return "allowed"
	}
}
