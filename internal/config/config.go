// Package config loads service settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFinalizeSchedule is the delay before each transcript save attempt.
var DefaultFinalizeSchedule = []time.Duration{
	0,
	1500 * time.Millisecond,
	3000 * time.Millisecond,
	6000 * time.Millisecond,
	10000 * time.Millisecond,
}

// Config holds application configuration.
type Config struct {
	Port        string
	Environment string
	BaseURL     string

	// DataDir holds the sqlite database file.
	DataDir        string
	DBMaxOpenConns int

	Voice       VoiceConfig
	Diarization DiarizationConfig
	Rewrite     RewriteConfig

	// ImprovementBatchSize is the number of calls that arms the next rewrite cycle.
	ImprovementBatchSize int
	// ImprovementPaused suppresses rewrite triggers even when the threshold is met.
	ImprovementPaused bool
	TriggerTimeout    time.Duration

	FinalizeSchedule []time.Duration
}

// VoiceConfig configures the voice-session provider client.
type VoiceConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
}

// Configured reports whether the provider can be called at all.
func (c VoiceConfig) Configured() bool { return c.APIKey != "" }

// AgentConfigured reports whether a real agent id is set.
func (c VoiceConfig) AgentConfigured() bool {
	return c.AgentID != "" && c.AgentID != "your_agent_id_here"
}

// DiarizationConfig configures the diarization/emotion provider client.
type DiarizationConfig struct {
	URL    string
	APIKey string
}

func (c DiarizationConfig) Configured() bool { return c.URL != "" && c.APIKey != "" }

// RewriteConfig configures the downstream playbook rewrite service.
type RewriteConfig struct {
	URL    string
	APIKey string
}

func (c RewriteConfig) Configured() bool { return c.URL != "" }

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // loads .env

	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "local"),
		BaseURL:     strings.TrimRight(envOr("BASE_URL", "http://localhost:8080"), "/"),
		DataDir:     envOr("DATA_DIR", "data"),
		Voice: VoiceConfig{
			BaseURL: strings.TrimRight(envOr("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"), "/"),
			APIKey:  os.Getenv("ELEVENLABS_API_KEY"),
			AgentID: os.Getenv("ELEVENLABS_AGENT_ID"),
		},
		Diarization: DiarizationConfig{
			URL:    envOr("MODULATE_URL", "https://modulate-prototype-apis.com/api/velma-2-stt-batch"),
			APIKey: os.Getenv("MODULATE_API_KEY"),
		},
		Rewrite: RewriteConfig{
			URL:    os.Getenv("AIRIA_WEBHOOK_URL"),
			APIKey: os.Getenv("AIRIA_API_KEY"),
		},
	}

	var err error
	if cfg.DBMaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 0); err != nil {
		return nil, err
	}
	if cfg.ImprovementBatchSize, err = envInt("IMPROVEMENT_BATCH_SIZE", 3); err != nil {
		return nil, err
	}
	if cfg.ImprovementBatchSize < 1 {
		return nil, fmt.Errorf("IMPROVEMENT_BATCH_SIZE must be at least 1, got %d", cfg.ImprovementBatchSize)
	}
	if cfg.ImprovementPaused, err = envBool("IMPROVEMENT_PAUSED", false); err != nil {
		return nil, err
	}
	timeoutSec, err := envInt("TRIGGER_TIMEOUT_SEC", 20)
	if err != nil {
		return nil, err
	}
	cfg.TriggerTimeout = time.Duration(timeoutSec) * time.Second
	if cfg.FinalizeSchedule, err = ParseSchedule(os.Getenv("FINALIZE_SCHEDULE_MS")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseSchedule parses a comma-separated list of millisecond delays.
// An empty string yields DefaultFinalizeSchedule.
func ParseSchedule(s string) ([]time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return append([]time.Duration(nil), DefaultFinalizeSchedule...), nil
	}
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("FINALIZE_SCHEDULE_MS: invalid delay %q", part)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func envBool(k string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
