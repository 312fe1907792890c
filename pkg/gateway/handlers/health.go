package handlers

import (
	"net/http"

	"github.com/analiza-labs/voicegate/pkg/gateway/config"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config  config.Config
	Tracker *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Provider    string   `json:"provider"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.UpstreamProvider {
	case config.ProviderOpenAI:
		if h.Config.OpenAIAPIKey == "" {
			issues = append(issues, "openai api key not configured")
		}
	case config.ProviderGemini:
		if h.Config.GeminiAPIKey == "" {
			issues = append(issues, "gemini api key not configured")
		}
	default:
		issues = append(issues, "invalid upstream provider")
	}

	if h.Config.ToolTimeout <= 0 || h.Config.ConnectTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.PingInterval <= 0 || h.Config.WriteTimeout <= 0 {
		issues = append(issues, "websocket keepalive settings must be > 0")
	}
	if h.Config.OutboundQueueSize <= 0 || h.Config.MaxFrameBytes <= 0 {
		issues = append(issues, "websocket buffer settings must be > 0")
	}
	if h.Config.ScheduleDays <= 0 {
		issues = append(issues, "schedule horizon must be > 0")
	}

	active := 0
	if h.Tracker != nil {
		active = h.Tracker.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:          ok,
		Provider:    string(h.Config.UpstreamProvider),
		ActiveCalls: active,
		Issues:      issues,
	})
}
