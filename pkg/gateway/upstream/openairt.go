package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"

// OpenAIConnector dials the OpenAI realtime API.
type OpenAIConnector struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

func (c *OpenAIConnector) Connect(ctx context.Context, cfg SessionConfig) (Engine, error) {
	base := c.BaseURL
	if base == "" {
		base = defaultOpenAIRealtimeURL
	}
	url := fmt.Sprintf("%s?model=%s", base, c.Model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Provider: "openai", Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("dial openai realtime: %w", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &openAIEngine{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	if err := e.configure(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	go e.readLoop()
	return e, nil
}

type openAIEngine struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (e *openAIEngine) Events() <-chan Event { return e.events }

func (e *openAIEngine) configure(cfg SessionConfig) error {
	toolDefs := make([]map[string]any, 0, len(cfg.Tools))
	for _, def := range cfg.Tools {
		toolDefs = append(toolDefs, map[string]any{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  def.Parameters,
		})
	}
	return e.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        cfg.Instructions,
			"voice":               cfg.Voice,
			"input_audio_format":  cfg.AudioFormat,
			"output_audio_format": cfg.AudioFormat,
			"tool_choice":         "auto",
			"tools":               toolDefs,
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           cfg.TurnDetection.Threshold,
				"prefix_padding_ms":   cfg.TurnDetection.PrefixPaddingMS,
				"silence_duration_ms": cfg.TurnDetection.SilenceDurationMS,
			},
		},
	})
}

func (e *openAIEngine) AppendAudio(b64 string) error {
	return e.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	})
}

func (e *openAIEngine) SendText(text string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.sendLocked(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return e.sendLocked(map[string]any{"type": "response.create"})
}

// SendToolResult writes the function output and the continuation
// request under one lock so no other frame can land between them.
func (e *openAIEngine) SendToolResult(callID string, payload []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.sendLocked(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(payload),
		},
	}); err != nil {
		return err
	}
	return e.sendLocked(map[string]any{"type": "response.create"})
}

func (e *openAIEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		e.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = e.conn.WriteMessage(websocket.CloseMessage, msg)
		e.writeMu.Unlock()
		_ = e.conn.Close()
	})
	return nil
}

func (e *openAIEngine) send(msg map[string]any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.sendLocked(msg)
}

func (e *openAIEngine) sendLocked(msg map[string]any) error {
	if e.closed {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := e.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// deliver hands an event to the consumer. It gives up once the engine
// is closed so an abandoned call cannot park this goroutine forever.
func (e *openAIEngine) deliver(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *openAIEngine) readLoop() {
	defer close(e.events)
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				e.logger.Warn("upstream read failed", "provider", "openai", "error", err)
				e.deliver(ClosedEvent{Err: err})
				return
			}
			e.deliver(ClosedEvent{})
			return
		}
		if event, ok := e.decode(data); ok {
			if !e.deliver(event) {
				return
			}
		}
	}
}

func (e *openAIEngine) decode(data []byte) (Event, bool) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		e.logger.Warn("undecodable upstream frame", "provider", "openai", "error", err)
		return nil, false
	}

	switch envelope.Type {
	case "session.created":
		return nil, false
	case "session.updated":
		return ReadyEvent{}, true
	case "input_audio_buffer.speech_started":
		return InterruptEvent{}, true
	case "response.audio.delta":
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Delta == "" {
			return nil, false
		}
		return AudioDeltaEvent{B64: msg.Delta}, true
	case "response.audio_transcript.delta", "response.text.delta":
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Delta == "" {
			return nil, false
		}
		return TextDeltaEvent{Text: msg.Delta}, true
	case "response.function_call_arguments.done":
		var msg struct {
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warn("undecodable tool call", "provider", "openai", "error", err)
			return nil, false
		}
		return ToolCallEvent{
			CallID:    msg.CallID,
			Name:      msg.Name,
			Arguments: json.RawMessage(msg.Arguments),
		}, true
	case "error":
		var msg struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false
		}
		return ErrorEvent{Code: msg.Error.Code, Message: msg.Error.Message}, true
	default:
		return nil, false
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
