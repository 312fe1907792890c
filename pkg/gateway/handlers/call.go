package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/analiza-labs/voicegate/pkg/gateway/config"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/bridge"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
	"github.com/analiza-labs/voicegate/pkg/gateway/upstream"
)

// Audio formats negotiated per client kind. Telephony media arrives as
// G.711 mu-law; browser clients send raw PCM16.
const (
	audioFormatPhone   = "g711_ulaw"
	audioFormatBrowser = "pcm16"
)

// Placeholder caller identities. These never end up linked to a
// patient record as a real phone number.
const (
	callerPhoneWeb   = "WEB-CLIENT"
	callerPhonePhone = "+50300000000"
)

// CallHandler upgrades /v1/call to a websocket and runs the duplex
// bridge between the caller and the upstream conversational engine.
type CallHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Connector    upstream.Connector
	Dispatcher   *tools.Dispatcher
	Store        *sessions.Store
	Tracker      *sessions.Tracker
	Instructions string
	Draining     func() bool
}

func (h *CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	if h.Draining != nil && h.Draining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, r, http.StatusServiceUnavailable, "draining", "server is draining, retry against another instance")
		return
	}

	browser := r.URL.Query().Get("client") == "browser"
	audioFormat := audioFormatPhone
	callerPhone := callerPhonePhone
	if browser {
		audioFormat = audioFormatBrowser
		callerPhone = callerPhoneWeb
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := h.Store.Create(callerPhone)

	instructions := h.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	sessionCfg := upstream.SessionConfig{
		Instructions: instructions,
		Voice:        h.Config.Voice,
		AudioFormat:  audioFormat,
		Tools:        tools.Definitions(),
		TurnDetection: upstream.TurnDetection{
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 200,
		},
	}

	b := bridge.New(conn, h.Connector, sessionCfg, h.Dispatcher, h.Store, sess.ID, h.Logger, bridge.Config{
		PingInterval:      h.Config.PingInterval,
		WriteTimeout:      h.Config.WriteTimeout,
		ConnectTimeout:    h.Config.ConnectTimeout,
		ToolTimeout:       h.Config.ToolTimeout,
		OutboundQueueSize: h.Config.OutboundQueueSize,
		MaxFrameBytes:     h.Config.MaxFrameBytes,
	})

	unregister := h.Tracker.Register(sess.ID, sessions.Handle{
		Cancel: b.Cancel,
		Notify: b.Notify,
	})
	defer unregister()

	h.Logger.Info("call accepted", "session_id", sess.ID, "client", r.URL.Query().Get("client"), "audio_format", audioFormat)
	if err := b.Run(r.Context()); err != nil {
		h.Logger.Warn("call ended with error", "session_id", sess.ID, "error", err)
	}
}

// checkOrigin mirrors the REST CORS allowlist. No allowlist means
// non-browser clients only, so requests without an Origin still pass.
func (h *CallHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
