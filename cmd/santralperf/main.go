package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/santralab/santral/internal/audio"
	"github.com/santralab/santral/internal/protocol"
)

type options struct {
	baseURL        string
	tenantID       string
	callerID       string
	language       string
	voiceID        string
	turns          int
	chunkMS        int
	utterMS        int
	realtime       float64
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	usePreview     bool
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	TenantID string `json:"tenant_id"`
	CallerID string `json:"caller_id,omitempty"`
	Language string `json:"language,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type previewRequest struct {
	VoiceID  string `json:"voice_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type wsEvent struct {
	kind string
	path string
	at   time.Time
}

type audioClip struct {
	Text       string
	PCM16LE    []byte
	SampleRate int
}

type turnTiming struct {
	firstAudio time.Duration
	turnEnd    time.Duration
}

var defaultUtterances = []string{
	"Çalışma saatleriniz nedir acaba?",
	"Randevu almak istiyorum.",
	"Adresinizi alabilir miyim?",
	"Teşekkür ederim, iyi günler.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "santralperf: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "santralperf: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "santral base URL")
	flag.StringVar(&cfg.tenantID, "tenant", "demo", "tenant_id for the synthetic call")
	flag.StringVar(&cfg.callerID, "caller", "+905550000000", "caller_id for the synthetic call")
	flag.StringVar(&cfg.language, "language", "", "session language override (default: tenant profile)")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "voice_id for preview synthesis")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.IntVar(&cfg.utterMS, "utter-ms", 1200, "synthetic utterance length in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&startDelayMS, "start-delay-ms", 200, "delay after the greeting before the first turn")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for assistant_turn_end per turn")
	flag.BoolVar(&cfg.usePreview, "use-preview", false, "synthesize utterance audio via /v1/voices/preview instead of local tones")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (preview mode only)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.tenantID) == "" {
		return options{}, fmt.Errorf("tenant is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.utterMS < 100 || cfg.utterMS > 30000 {
		return options{}, fmt.Errorf("utter-ms must be in [100,30000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("santralperf: session=%s tenant=%s turns=%d chunk_ms=%d realtime=%.2f\n",
			sessionID, cfg.tenantID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	clips, err := prepareClips(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	// The assistant greets first; the replay starts after its turn closes.
	if _, err := awaitTurn(events, readErrCh, time.Time{}, cfg.turnTimeout); err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}
	if cfg.verbose {
		fmt.Println("santralperf: greeting received")
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var timings []turnTiming
	seq := 0
	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}
		drainEvents(events)

		clip := clips[i%len(clips)]
		if cfg.verbose {
			fmt.Printf("santralperf: turn %d/%d text=%q sample_rate=%dHz bytes=%d\n",
				i+1, cfg.turns, clip.Text, clip.SampleRate, len(clip.PCM16LE))
		}

		if err := sendTurnAudio(conn, sessionID, clip, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := sendStop(conn, sessionID); err != nil {
			return fmt.Errorf("turn %d send stop: %w", i+1, err)
		}
		stopAt := time.Now()

		timing, err := awaitTurn(events, readErrCh, stopAt, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("santralperf: turn %d first_audio=%s turn_end=%s\n",
				i+1, formatLatency(timing.firstAudio), formatLatency(timing.turnEnd))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(timings)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		TenantID: cfg.tenantID,
		CallerID: cfg.callerID,
		Language: cfg.language,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// prepareClips builds the utterance audio: synthetic tones by default, which
// the scripted mock transcriber accepts as readily as speech, or preview
// synthesis when the target runs real providers.
func prepareClips(ctx context.Context, client *http.Client, cfg options) ([]audioClip, error) {
	if !cfg.usePreview {
		out := make([]audioClip, 0, len(cfg.texts))
		for i, text := range cfg.texts {
			freq := 300.0 + 80.0*float64(i%4)
			pcm := audio.GenerateTonePCM16LE(freq, time.Duration(cfg.utterMS)*time.Millisecond, 16000)
			out = append(out, audioClip{Text: text, PCM16LE: pcm, SampleRate: 16000})
		}
		return out, nil
	}

	cache := make(map[string]audioClip, len(cfg.texts))
	out := make([]audioClip, 0, len(cfg.texts))
	for _, text := range cfg.texts {
		if clip, ok := cache[text]; ok {
			out = append(out, clip)
			continue
		}
		clip, err := previewClip(ctx, client, cfg, text)
		if err != nil {
			return nil, err
		}
		cache[text] = clip
		out = append(out, clip)
	}
	return out, nil
}

func previewClip(ctx context.Context, client *http.Client, cfg options, text string) (audioClip, error) {
	payload, err := json.Marshal(previewRequest{
		VoiceID:  cfg.voiceID,
		Text:     text,
		Language: cfg.language,
	})
	if err != nil {
		return audioClip{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voices/preview", bytes.NewReader(payload))
	if err != nil {
		return audioClip{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return audioClip{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return audioClip{}, err
	}
	if res.StatusCode != http.StatusOK {
		return audioClip{}, fmt.Errorf("preview %q HTTP %d: %s", text, res.StatusCode, strings.TrimSpace(string(body)))
	}

	pcm, sampleRate, err := decodeWAVPCM16(body)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode preview wav for %q: %w", text, err)
	}
	if len(pcm) == 0 {
		return audioClip{}, fmt.Errorf("preview wav for %q produced no PCM bytes", text)
	}
	return audioClip{Text: text, PCM16LE: pcm, SampleRate: sampleRate}, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/session"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEvent, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeAssistantAudio):
			select {
			case events <- wsEvent{kind: "audio", at: time.Now()}:
			default:
			}
		case string(protocol.TypeAssistantTurnEnd):
			select {
			case events <- wsEvent{kind: "turn_end", path: env.Path, at: time.Now()}:
			default:
			}
		case string(protocol.TypeSystemEvent):
			if verbose && env.Code != "" {
				fmt.Printf("santralperf: system_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "santralperf: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// awaitTurn consumes events until the turn closes. A zero stopAt skips the
// latency math, which is how the greeting turn is absorbed.
func awaitTurn(events <-chan wsEvent, readErrCh <-chan error, stopAt time.Time, timeout time.Duration) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timing turnTiming
	sawAudio := false
	for {
		select {
		case evt := <-events:
			switch evt.kind {
			case "audio":
				if !sawAudio && !stopAt.IsZero() {
					timing.firstAudio = evt.at.Sub(stopAt)
				}
				sawAudio = true
			case "turn_end":
				if !stopAt.IsZero() {
					timing.turnEnd = evt.at.Sub(stopAt)
				}
				return timing, nil
			}
		case err := <-readErrCh:
			return timing, err
		case <-timer.C:
			return timing, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func drainEvents(events <-chan wsEvent) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func sendTurnAudio(conn *websocket.Conn, sessionID string, clip audioClip, chunkMS int, realtime float64, seq *int) error {
	sampleRate := clip.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	if bytesPerChunk > len(clip.PCM16LE) {
		bytesPerChunk = len(clip.PCM16LE)
		if bytesPerChunk%2 != 0 {
			bytesPerChunk--
		}
	}
	if bytesPerChunk <= 0 {
		return fmt.Errorf("invalid chunk size for sample_rate=%d", sampleRate)
	}

	for off := 0; off < len(clip.PCM16LE); {
		end := off + bytesPerChunk
		if end > len(clip.PCM16LE) {
			end = len(clip.PCM16LE)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		chunkBytes := end - off
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(clip.PCM16LE[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		off = end

		chunkDuration := time.Duration(float64(time.Duration(chunkBytes)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

func sendStop(conn *websocket.Conn, sessionID string) error {
	msg := protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    protocol.ActionStop,
		Reason:    "perf_replay_turn_end",
		TSMs:      time.Now().UnixMilli(),
	}
	return conn.WriteJSON(msg)
}

func printSummary(timings []turnTiming) {
	if len(timings) == 0 {
		fmt.Println("santralperf: no completed turns")
		return
	}

	firstAudio := make([]time.Duration, 0, len(timings))
	turnEnd := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		if t.firstAudio > 0 {
			firstAudio = append(firstAudio, t.firstAudio)
		}
		if t.turnEnd > 0 {
			turnEnd = append(turnEnd, t.turnEnd)
		}
	}

	fmt.Printf("santralperf: completed %d turns\n", len(timings))
	fmt.Printf("santralperf: first_audio p50=%s p95=%s max=%s\n",
		formatLatency(percentile(firstAudio, 0.50)),
		formatLatency(percentile(firstAudio, 0.95)),
		formatLatency(percentile(firstAudio, 1.0)))
	fmt.Printf("santralperf: turn_end    p50=%s p95=%s max=%s\n",
		formatLatency(percentile(turnEnd, 0.50)),
		formatLatency(percentile(turnEnd, 0.95)),
		formatLatency(percentile(turnEnd, 1.0)))
}

// percentile picks by nearest rank from a copy of the samples. Zero when
// there are none, so missing audio (text-only turns) reads as n/a.
func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return d.Round(time.Millisecond).String()
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
