// Package tenant loads per-tenant profiles from YAML files and keeps them
// fresh while the process runs. One file per tenant; the file stem is the
// tenant id unless the profile says otherwise.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/santralab/santral/internal/guardrail"
)

// ErrUnknownTenant is returned for ids with no loaded profile. Admission
// rejects these calls before any session state exists.
var ErrUnknownTenant = errors.New("unknown tenant")

// Persona shapes how the assistant presents itself for a tenant.
type Persona struct {
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	Greeting     string `yaml:"greeting" json:"greeting"`
}

// Quotas are monthly budget ceilings. Zero or negative means unlimited.
type Quotas struct {
	MonthlyTokens  float64 `yaml:"monthly_tokens" json:"monthly_tokens"`
	MonthlyMinutes float64 `yaml:"monthly_minutes" json:"monthly_minutes"`
}

// VoiceSettings select the synthesis voice and transcription hints.
type VoiceSettings struct {
	TTSVoice     string  `yaml:"tts_voice" json:"tts_voice"`
	SpeakingRate float64 `yaml:"speaking_rate" json:"speaking_rate"`
	STTLanguage  string  `yaml:"stt_language" json:"stt_language"`
}

// KnowledgeDoc is an inline knowledge passage for tenants that ship their
// documents in the profile instead of a vector collection.
type KnowledgeDoc struct {
	ID   string `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

// Admission caps how fast a tenant may open new sessions. Zero means the
// process-wide default applies.
type Admission struct {
	SessionsPerMinute float64 `yaml:"sessions_per_minute" json:"sessions_per_minute"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// Profile is everything the pipeline needs to serve one tenant.
type Profile struct {
	ID         string           `yaml:"id" json:"id"`
	Name       string           `yaml:"name" json:"name"`
	Language   string           `yaml:"language" json:"language"`
	Persona    Persona          `yaml:"persona" json:"persona"`
	Guardrails guardrail.Policy `yaml:"guardrails" json:"guardrails"`
	Quotas     Quotas           `yaml:"quotas" json:"quotas"`
	Voice      VoiceSettings    `yaml:"voice" json:"voice"`
	Webhook    string           `yaml:"webhook" json:"webhook,omitempty"`
	Admission  Admission        `yaml:"admission" json:"admission"`
	Documents  []KnowledgeDoc   `yaml:"documents" json:"documents,omitempty"`
}

func parseProfile(path string, data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if p.ID == "" {
		p.ID = profileIDFromPath(path)
	}
	if p.Language == "" {
		p.Language = "tr"
	}
	if p.Guardrails.MaxResponseLength <= 0 {
		p.Guardrails.MaxResponseLength = 600
	}
	return &p, nil
}

func loadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return parseProfile(path, data)
}

func profileIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isProfileFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
