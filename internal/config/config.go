package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Voices accepted by the realtime endpoint.
var KnownVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// Turn detection modes.
const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionManual    = "manual"
)

// Config contains all runtime settings for the voice assistant client.
type Config struct {
	RealtimeURL   string
	RealtimeModel string
	APIKey        string

	Instructions       string
	Personality        string
	CustomInstructions string
	Voice              string
	TurnDetection      string

	MemoryEnabled     bool
	MemoryMaxMessages int
	MemoryMaxAge      time.Duration
	MemoryCharBudget  int
	MemoryFile        string
	DatabaseURL       string

	SampleRate      int
	ChunkSamples    int
	SilenceWindow   time.Duration
	SilenceRMSLimit float64

	TriggerKey rune

	BindAddr         string
	MetricsNamespace string

	ConnectTimeout  time.Duration
	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
}

const defaultInstructions = "You are a helpful AI assistant. Keep responses concise and natural for voice conversation."

const defaultPersonality = "Be friendly, engaging, and professional. Keep your responses brief and to the point."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		RealtimeURL:        envOrDefault("ARIA_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:      envOrDefault("ARIA_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		APIKey:             trimmedEnv("OPENAI_API_KEY"),
		Instructions:       envOrDefault("ARIA_INSTRUCTIONS", defaultInstructions),
		Personality:        envOrDefault("ARIA_PERSONALITY", defaultPersonality),
		CustomInstructions: envOrDefault("ARIA_CUSTOM_INSTRUCTIONS", ""),
		Voice:              envOrDefault("ARIA_VOICE", "alloy"),
		TurnDetection:      envOrDefault("ARIA_TURN_DETECTION", TurnDetectionServerVAD),
		MemoryEnabled:      true,
		MemoryMaxMessages:  50,
		MemoryMaxAge:       24 * time.Hour,
		MemoryCharBudget:   4000,
		MemoryFile:         envOrDefault("ARIA_MEMORY_FILE", "conversation_memory.json"),
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
		// The realtime endpoint expects PCM16 mono at 24 kHz.
		SampleRate:   24000,
		ChunkSamples: 1024,
		// Zero disables the trailing-silence heuristic: manual-mode turn
		// end is then driven only by the explicit stop signal.
		SilenceWindow:    0,
		SilenceRMSLimit:  250,
		TriggerKey:       'v',
		BindAddr:         envOrDefault("ARIA_BIND_ADDR", "127.0.0.1:8765"),
		MetricsNamespace: envOrDefault("ARIA_METRICS_NAMESPACE", "aria"),
		ConnectTimeout:   10 * time.Second,
		DrainTimeout:     5 * time.Second,
		ShutdownTimeout:  15 * time.Second,
	}

	var err error
	cfg.MemoryEnabled, err = boolFromEnv("ARIA_MEMORY_ENABLED", cfg.MemoryEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxMessages, err = intFromEnv("ARIA_MEMORY_MAX_MESSAGES", cfg.MemoryMaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxAge, err = durationFromEnv("ARIA_MEMORY_MAX_AGE", cfg.MemoryMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryCharBudget, err = intFromEnv("ARIA_MEMORY_CHAR_BUDGET", cfg.MemoryCharBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("ARIA_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkSamples, err = intFromEnv("ARIA_CHUNK_SAMPLES", cfg.ChunkSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceWindow, err = durationFromEnv("ARIA_SILENCE_WINDOW", cfg.SilenceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("ARIA_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainTimeout, err = durationFromEnv("ARIA_DRAIN_TIMEOUT", cfg.DrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("ARIA_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	if key := trimmedEnv("ARIA_TRIGGER_KEY"); key != "" {
		runes := []rune(key)
		if len(runes) != 1 {
			return Config{}, fmt.Errorf("ARIA_TRIGGER_KEY must be a single character")
		}
		cfg.TriggerKey = runes[0]
	}

	if !validVoice(cfg.Voice) {
		return Config{}, fmt.Errorf("ARIA_VOICE: unknown voice %q (expected one of %s)", cfg.Voice, strings.Join(KnownVoices, "|"))
	}
	if cfg.TurnDetection != TurnDetectionServerVAD && cfg.TurnDetection != TurnDetectionManual {
		return Config{}, fmt.Errorf("ARIA_TURN_DETECTION must be %s or %s", TurnDetectionServerVAD, TurnDetectionManual)
	}
	if cfg.MemoryMaxMessages <= 0 {
		return Config{}, fmt.Errorf("ARIA_MEMORY_MAX_MESSAGES must be positive")
	}
	if cfg.MemoryMaxAge <= 0 {
		return Config{}, fmt.Errorf("ARIA_MEMORY_MAX_AGE must be positive")
	}
	if cfg.MemoryCharBudget <= 0 {
		return Config{}, fmt.Errorf("ARIA_MEMORY_CHAR_BUDGET must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("ARIA_SAMPLE_RATE must be positive")
	}
	if cfg.ChunkSamples <= 0 {
		return Config{}, fmt.Errorf("ARIA_CHUNK_SAMPLES must be positive")
	}

	return cfg, nil
}

// CombinedInstructions joins the base instructions, personality, and any
// custom instructions into the text sent with session configuration.
func (c Config) CombinedInstructions() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Instructions, c.Personality, c.CustomInstructions} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	if len(parts) == 0 {
		return defaultInstructions + " " + defaultPersonality
	}
	return strings.Join(parts, " ")
}

func validVoice(v string) bool {
	for _, known := range KnownVoices {
		if v == known {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
