package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

type Config struct {
	Addr string

	// Upstream conversational engine.
	UpstreamProvider Provider
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	GeminiAPIKey     string
	GeminiModel      string
	Voice            string
	// Instructions overrides the built-in system prompt when set.
	Instructions string

	// Optional Postgres DSN for the patient directory. Empty keeps the
	// in-memory directory.
	DatabaseURL string

	// Slot calendar generation.
	ScheduleDays   int
	ScheduleSeed   int64
	BookedFraction float64

	// Live call websocket.
	ConnectTimeout    time.Duration
	ToolTimeout       time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	MaxFrameBytes     int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEGATE_ADDR", ":8080"),
		UpstreamProvider:    Provider(envOr("VOICEGATE_UPSTREAM_PROVIDER", string(ProviderOpenAI))),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:         envOr("VOICEGATE_OPENAI_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		OpenAIBaseURL:       envOr("VOICEGATE_OPENAI_BASE_URL", ""),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:         envOr("VOICEGATE_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		Voice:               envOr("VOICEGATE_VOICE", "coral"),
		Instructions:        strings.TrimSpace(os.Getenv("VOICEGATE_INSTRUCTIONS")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("VOICEGATE_DATABASE_URL")),
		ScheduleDays:        envIntOr("VOICEGATE_SCHEDULE_DAYS", 60),
		ScheduleSeed:        envInt64Or("VOICEGATE_SCHEDULE_SEED", 1),
		BookedFraction:      envFloat64Or("VOICEGATE_SCHEDULE_BOOKED_FRACTION", 0.3),
		ConnectTimeout:      envDurationOr("VOICEGATE_UPSTREAM_CONNECT_TIMEOUT", 15*time.Second),
		ToolTimeout:         envDurationOr("VOICEGATE_TOOL_TIMEOUT", 30*time.Second),
		PingInterval:        envDurationOr("VOICEGATE_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:        envDurationOr("VOICEGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		OutboundQueueSize:   envIntOr("VOICEGATE_WS_OUTBOUND_QUEUE", 256),
		MaxFrameBytes:       envInt64Or("VOICEGATE_WS_MAX_FRAME_BYTES", 1<<20),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOICEGATE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEGATE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.UpstreamProvider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY must be set when VOICEGATE_UPSTREAM_PROVIDER=openai")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY must be set when VOICEGATE_UPSTREAM_PROVIDER=gemini")
		}
	default:
		return Config{}, fmt.Errorf("VOICEGATE_UPSTREAM_PROVIDER must be one of openai|gemini")
	}

	if cfg.ScheduleDays <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SCHEDULE_DAYS must be > 0")
	}
	if cfg.BookedFraction < 0 || cfg.BookedFraction >= 1 {
		return Config{}, fmt.Errorf("VOICEGATE_SCHEDULE_BOOKED_FRACTION must be in [0, 1)")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
