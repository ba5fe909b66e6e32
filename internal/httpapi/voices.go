package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santralab/santral/internal/audio"
)

type voiceSummary struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Provider string            `json:"provider"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

// openaiVoiceCatalog mirrors the speech voices the primary tier accepts.
var openaiVoiceCatalog = []voiceSummary{
	{VoiceID: "alloy", Name: "Alloy", Provider: "openai"},
	{VoiceID: "echo", Name: "Echo", Provider: "openai"},
	{VoiceID: "fable", Name: "Fable", Provider: "openai"},
	{VoiceID: "onyx", Name: "Onyx", Provider: "openai"},
	{VoiceID: "nova", Name: "Nova", Provider: "openai"},
	{VoiceID: "shimmer", Name: "Shimmer", Provider: "openai"},
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	defaultVoice := strings.TrimSpace(s.cfg.ElevenLabsVoiceID)
	if defaultVoice == "" {
		defaultVoice = "alloy"
	}

	voices := append([]voiceSummary{}, openaiVoiceCatalog...)

	if strings.TrimSpace(s.cfg.ElevenLabsAPIKey) != "" {
		fetched, err := s.fetchElevenLabsVoices(r)
		if err != nil {
			// The primary catalog still answers; note the degradation.
			s.log.Warn().Err(err).Msg("elevenlabs voice listing failed")
		} else {
			voices = append(voices, fetched...)
		}
	}

	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: defaultVoice,
		Voices:         voices,
	})
}

func (s *Server) fetchElevenLabsVoices(r *http.Request) ([]voiceSummary, error) {
	base := strings.Replace(strings.TrimRight(s.cfg.ElevenLabsWSBaseURL, "/"), "wss://", "https://", 1)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.cfg.ElevenLabsAPIKey)

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Voices []struct {
			VoiceID string            `json:"voice_id"`
			Name    string            `json:"name"`
			Labels  map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	out := make([]voiceSummary, 0, len(parsed.Voices))
	for _, v := range parsed.Voices {
		item := voiceSummary{
			VoiceID:  strings.TrimSpace(v.VoiceID),
			Name:     strings.TrimSpace(v.Name),
			Provider: "elevenlabs",
			Labels:   v.Labels,
		}
		if item.VoiceID == "" || item.Name == "" {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

type previewTTSRequest struct {
	VoiceID  string `json:"voice_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = strings.TrimSpace(s.cfg.ElevenLabsVoiceID)
	}
	if voiceID == "" {
		voiceID = "alloy"
	}
	lang := strings.TrimSpace(req.Language)

	sample, format, err := s.deps.Orchestrator.PreviewTTS(r.Context(), voiceID, strings.TrimSpace(req.Text), lang)
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	contentType := mimeForTTSFormat(format)
	out := sample
	if sampleRate, ok := pcmSampleRate(format); ok {
		wav, err := audio.EncodeWAVPCM16LE(out, sampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if strings.TrimSpace(format) != "" {
		w.Header().Set("X-Audio-Format", strings.TrimSpace(format))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func mimeForTTSFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.Contains(f, "wav"):
		return "audio/wav"
	case strings.Contains(f, "mp3"):
		return "audio/mpeg"
	case strings.Contains(f, "ogg"):
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func pcmSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	idx := strings.Index(f, "pcm_")
	if idx < 0 {
		return 0, false
	}
	rest := f[idx+len("pcm_"):]
	n := 0
	for n < len(rest) {
		c := rest[n]
		if c < '0' || c > '9' {
			break
		}
		n++
	}
	if n == 0 {
		return 16000, true
	}
	sr, err := strconv.Atoi(rest[:n])
	if err != nil || sr <= 0 {
		return 16000, true
	}
	return sr, true
}
