package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/santralab/santral/internal/audio"
)

const (
	openaiPartialMinInterval = 900 * time.Millisecond
	openaiPartialMinAudio    = 700 * time.Millisecond
	openaiTranscribeTimeout  = 12 * time.Second
	openaiSynthesizeTimeout  = 15 * time.Second

	maxUncommittedSeconds = 60
)

// transcriptionClient is the slice of the openai client the STT provider
// needs; tests substitute a scripted implementation.
type transcriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAISTT transcribes buffered PCM utterances. Unlike a duplex ASR socket
// the audio accumulates locally until the endpointer (or an explicit stop)
// closes the utterance, then the whole clip goes out as one WAV upload.
// Partial decodes of the in-progress buffer run on a throttle so the UI
// still sees live text.
type OpenAISTT struct {
	client   transcriptionClient
	model    string
	endpoint endpointerConfig
	log      zerolog.Logger
}

func NewOpenAISTT(client *openai.Client, model string, log zerolog.Logger) *OpenAISTT {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &OpenAISTT{client: client, model: model, log: log}
}

func (p *OpenAISTT) StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error) {
	if p.client == nil {
		return nil, nil, errors.New("openai stt: nil client")
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan STTEvent, 64)
	s := &openaiSTTSession{
		provider:   p,
		sessionID:  sessionID,
		language:   normalizeLanguageHint(language),
		events:     events,
		endpoint:   newEndpointer(p.endpoint),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		workCh:     make(chan sttJob, 1),
		workerDone: make(chan struct{}),
	}
	go s.worker()
	return s, events, nil
}

type sttJob struct {
	pcm        []byte
	sampleRate int
	source     string
}

type openaiSTTSession struct {
	provider  *OpenAISTT
	sessionID string
	language  string
	events    chan STTEvent
	endpoint  *endpointer

	baseCtx    context.Context
	baseCancel context.CancelFunc
	workCh     chan sttJob
	workerDone chan struct{}

	mu            sync.Mutex
	pcm           []byte
	sampleRate    int
	closed        bool
	partialBusy   bool
	partialLastAt time.Time
	partialText   string
	partialWG     sync.WaitGroup
}

func (s *openaiSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, sampleRate int, commit bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	s.sampleRate = sampleRate

	source := "client_stop"
	if strings.TrimSpace(audioBase64) != "" {
		decoded, err := base64.StdEncoding.DecodeString(audioBase64)
		if err == nil && len(decoded) > 0 {
			s.pcm = append(s.pcm, decoded...)
			// Cap uncommitted audio so a hot mic cannot grow memory without
			// bound if no commit ever arrives.
			maxBytes := sampleRate * 2 * maxUncommittedSeconds
			if len(s.pcm) > maxBytes {
				s.pcm = s.pcm[len(s.pcm)-maxBytes:]
			}
			if s.endpoint.Observe(decoded, sampleRate) {
				commit = true
				source = "silence"
			}
		}
	}

	if !commit {
		job := s.nextPartialJobLocked()
		s.mu.Unlock()
		if job != nil {
			s.startPartial(*job)
		}
		return nil
	}

	if !s.endpoint.HasSpeech() {
		// Clicks and line noise: drop the buffer instead of paying for a
		// transcription that would come back empty.
		s.pcm = s.pcm[:0]
		s.endpoint.Reset()
		s.partialText = ""
		s.mu.Unlock()
		return nil
	}

	clip := make([]byte, len(s.pcm))
	copy(clip, s.pcm)
	s.pcm = s.pcm[:0]
	s.endpoint.Reset()
	s.partialText = ""
	s.partialLastAt = time.Time{}
	s.mu.Unlock()

	s.enqueue(sttJob{pcm: clip, sampleRate: sampleRate, source: source})
	return nil
}

// nextPartialJobLocked decides whether the buffer has enough fresh audio to
// justify another partial decode. Caller holds s.mu.
func (s *openaiSTTSession) nextPartialJobLocked() *sttJob {
	if s.partialBusy {
		return nil
	}
	if time.Since(s.partialLastAt) < openaiPartialMinInterval {
		return nil
	}
	if pcmDuration(len(s.pcm), s.sampleRate) < openaiPartialMinAudio {
		return nil
	}
	if !s.endpoint.HasSpeech() {
		return nil
	}
	s.partialBusy = true
	s.partialLastAt = time.Now()
	clip := make([]byte, len(s.pcm))
	copy(clip, s.pcm)
	return &sttJob{pcm: clip, sampleRate: s.sampleRate, source: "partial"}
}

func (s *openaiSTTSession) startPartial(job sttJob) {
	s.partialWG.Add(1)
	go func() {
		defer s.partialWG.Done()
		text, err := s.transcribe(job.pcm, job.sampleRate)

		s.mu.Lock()
		s.partialBusy = false
		if err != nil || s.closed {
			s.mu.Unlock()
			return
		}
		if text == "" || text == s.partialText {
			s.mu.Unlock()
			return
		}
		s.partialText = text
		s.mu.Unlock()

		s.emit(STTEvent{Type: STTEventPartial, Text: text, Confidence: 0.6, Timestamp: time.Now().UnixMilli()})
	}()
}

// enqueue is latest-wins: a stale pending clip is replaced, never queued
// behind, so the session stays responsive after a slow upload.
func (s *openaiSTTSession) enqueue(job sttJob) {
	for {
		select {
		case s.workCh <- job:
			return
		default:
			select {
			case <-s.workCh:
			default:
			}
		}
	}
}

func (s *openaiSTTSession) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case job := <-s.workCh:
			text, err := s.transcribe(job.pcm, job.sampleRate)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.emit(STTEvent{
					Type:      STTEventError,
					Code:      "transcription_failed",
					Detail:    err.Error(),
					Retryable: true,
					Timestamp: time.Now().UnixMilli(),
				})
				continue
			}
			if text == "" {
				continue
			}
			s.emit(STTEvent{
				Type:       STTEventCommitted,
				Text:       text,
				Confidence: 0.9,
				Source:     job.source,
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	}
}

func (s *openaiSTTSession) transcribe(pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, openaiTranscribeTimeout)
	defer cancel()

	resp, err := s.provider.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:       s.provider.model,
		FilePath:    "utterance.wav",
		Reader:      bytes.NewReader(wav),
		Language:    s.language,
		Temperature: 0.0,
		Format:      openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (s *openaiSTTSession) emit(evt STTEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *openaiSTTSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	<-s.workerDone
	s.partialWG.Wait()
	close(s.events)
	return nil
}

func normalizeLanguageHint(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// chatStreamer is the slice of the openai client the generator needs.
type chatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIGenerator streams chat completions. Degraded requests switch to the
// cheaper model tier without changing anything else about the prompt.
type OpenAIGenerator struct {
	client        chatStreamer
	model         string
	degradedModel string
	maxTokens     int
	temperature   float32
	log           zerolog.Logger
}

func NewOpenAIGenerator(client *openai.Client, model, degradedModel string, log zerolog.Logger) *OpenAIGenerator {
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4o
	}
	if strings.TrimSpace(degradedModel) == "" {
		degradedModel = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client:        client,
		model:         model,
		degradedModel: degradedModel,
		maxTokens:     320,
		temperature:   0.4,
		log:           log,
	}
}

func (g *OpenAIGenerator) StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error) {
	if g.client == nil {
		return GenerationResult{}, errors.New("openai generator: nil client")
	}

	model := g.model
	if req.Degraded {
		model = g.degradedModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      buildChatMessages(req),
		MaxTokens:     maxTokens,
		Temperature:   g.temperature,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return GenerationResult{Provider: "openai"}, fmt.Errorf("start chat stream: %w", err)
	}
	defer stream.Close()

	var (
		text  strings.Builder
		tools toolCallAccumulator
		usage TokenUsage
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return GenerationResult{Provider: "openai"}, fmt.Errorf("chat stream recv: %w", err)
		}
		if resp.Usage != nil {
			usage = TokenUsage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				if err := onDelta(delta.Content); err != nil {
					return GenerationResult{Provider: "openai"}, err
				}
			}
		}
		tools.add(delta.ToolCalls)
	}

	final := strings.TrimSpace(text.String())
	if usage.Total == 0 {
		usage = TokenUsage{
			Prompt:     estimateTokenCount(req.SystemPrompt) + estimateTokenCount(req.UserText),
			Completion: estimateTokenCount(final),
		}
		usage.Total = usage.Prompt + usage.Completion
	}
	return GenerationResult{
		Text:      final,
		ToolCalls: tools.calls(),
		Usage:     usage,
		Provider:  "openai",
	}, nil
}

func buildChatMessages(req GenerationRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)*2+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, ex := range req.History {
		if strings.TrimSpace(ex.UserText) != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: ex.UserText,
			})
		}
		if strings.TrimSpace(ex.AssistantText) != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: ex.AssistantText,
			})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})
	return messages
}

// toolCallAccumulator reassembles tool calls from stream fragments: the
// first fragment of a call carries the name, later ones append argument
// JSON. Fragments are matched by stream index.
type toolCallAccumulator struct {
	byIndex map[int]*pendingToolCall
}

type pendingToolCall struct {
	index int
	name  string
	args  strings.Builder
}

func (a *toolCallAccumulator) add(deltas []openai.ToolCall) {
	for _, tc := range deltas {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		if a.byIndex == nil {
			a.byIndex = make(map[int]*pendingToolCall)
		}
		p := a.byIndex[idx]
		if p == nil {
			p = &pendingToolCall{index: idx}
			a.byIndex[idx] = p
		}
		if tc.Function.Name != "" {
			p.name = tc.Function.Name
		}
		p.args.WriteString(tc.Function.Arguments)
	}
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	pending := make([]*pendingToolCall, 0, len(a.byIndex))
	for _, p := range a.byIndex {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	out := make([]ToolCall, 0, len(pending))
	for _, p := range pending {
		if p.name == "" {
			continue
		}
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{Name: p.name, Arguments: args})
	}
	return out
}

// estimateTokenCount approximates billing tokens when the provider does not
// report usage. Four characters per token is the usual rule of thumb.
func estimateTokenCount(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return n/4 + 1
}

// speechClient is the slice of the openai client the TTS provider needs.
type speechClient interface {
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// OpenAITTS synthesizes queued segments one request at a time, in order, so
// audio chunks leave in the same sequence the text arrived.
type OpenAITTS struct {
	client speechClient
	model  openai.SpeechModel
	log    zerolog.Logger
}

func NewOpenAITTS(client *openai.Client, model string, log zerolog.Logger) *OpenAITTS {
	m := openai.SpeechModel(model)
	if strings.TrimSpace(model) == "" {
		m = openai.TTSModel1
	}
	return &OpenAITTS{client: client, model: m, log: log}
}

var openaiSpeechVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

func (p *OpenAITTS) StartStream(ctx context.Context, voice string, settings TTSSettings) (TTSStream, error) {
	if p.client == nil {
		return nil, errors.New("openai tts: nil client")
	}
	v, ok := openaiSpeechVoices[strings.ToLower(strings.TrimSpace(voice))]
	if !ok {
		v = openai.VoiceAlloy
	}
	speed := settings.SpeakingRate
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.5 {
		speed = 0.5
	}
	if speed > 2.0 {
		speed = 2.0
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &openaiTTSStream{
		provider: p,
		voice:    v,
		speed:    speed,
		queue:    make(chan string, 16),
		events:   make(chan TTSEvent, 64),
		ctx:      baseCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

type openaiTTSStream struct {
	provider *OpenAITTS
	voice    openai.SpeechVoice
	speed    float64

	queue  chan string
	events chan TTSEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	inputClosed bool
	closed      bool
}

func (s *openaiTTSStream) SendText(ctx context.Context, text string, _ bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	if s.closed || s.inputClosed {
		s.mu.Unlock()
		return errors.New("tts stream input closed")
	}
	s.mu.Unlock()

	select {
	case s.queue <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("tts stream closed")
	}
}

func (s *openaiTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed || s.closed {
		return nil
	}
	s.inputClosed = true
	close(s.queue)
	return nil
}

func (s *openaiTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *openaiTTSStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.inputClosed {
		s.inputClosed = true
		close(s.queue)
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

func (s *openaiTTSStream) worker() {
	defer func() {
		close(s.events)
		close(s.done)
	}()
	for segment := range s.queue {
		if s.ctx.Err() != nil {
			return
		}
		chunk, err := s.synthesize(segment)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.emit(TTSEvent{
				Type:      TTSEventError,
				Code:      "synthesis_failed",
				Detail:    err.Error(),
				Retryable: true,
			})
			continue
		}
		s.emit(TTSEvent{
			Type:        TTSEventAudio,
			AudioBase64: base64.StdEncoding.EncodeToString(chunk),
			Format:      "mp3",
		})
	}
	s.emit(TTSEvent{Type: TTSEventFinal})
}

func (s *openaiTTSStream) synthesize(segment string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, openaiSynthesizeTimeout)
	defer cancel()

	resp, err := s.provider.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.provider.model,
		Input:          segment,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          s.speed,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

func (s *openaiTTSStream) emit(evt TTSEvent) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}
