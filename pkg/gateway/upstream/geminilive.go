package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"google.golang.org/genai"
)

// GeminiConnector dials the Gemini Live API through the official SDK.
type GeminiConnector struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func (c *GeminiConnector) Connect(ctx context.Context, cfg SessionConfig) (Engine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
	for _, def := range cfg.Tools {
		schema, err := schemaFromJSON(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schema,
		})
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		},
	}
	if len(declarations) > 0 {
		connectCfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	if cfg.Voice != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	session, err := client.Live.Connect(ctx, c.Model, connectCfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
			return nil, &AuthError{Provider: "gemini", Status: apiErr.Code}
		}
		return nil, fmt.Errorf("connect gemini live: %w", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &geminiEngine{
		session: session,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go e.receiveLoop()
	return e, nil
}

// liveSession is the slice of *genai.Session the engine uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type geminiEngine struct {
	session liveSession
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger

	closeOnce sync.Once
}

func (e *geminiEngine) Events() <-chan Event { return e.events }

func (e *geminiEngine) AppendAudio(b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	return e.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: data, MIMEType: "audio/pcm"},
	})
}

func (e *geminiEngine) SendText(text string) error {
	return e.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: genai.Ptr(true),
	})
}

// SendToolResult maps the JSON payload into a function response. The
// SDK issues the continuation itself once responses are delivered.
func (e *geminiEngine) SendToolResult(callID string, payload []byte) error {
	var response map[string]any
	if err := json.Unmarshal(payload, &response); err != nil {
		response = map[string]any{"output": string(payload)}
	}
	return e.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       callID,
			Response: response,
		}},
	})
}

func (e *geminiEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.session.Close()
	})
	return nil
}

// deliver hands an event to the consumer. It gives up once the engine
// is closed so an abandoned call cannot park this goroutine forever.
func (e *geminiEngine) deliver(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *geminiEngine) receiveLoop() {
	defer close(e.events)
	ready := false
	for {
		msg, err := e.session.Receive()
		if err != nil {
			e.deliver(ClosedEvent{Err: err})
			return
		}
		if msg == nil {
			e.deliver(ClosedEvent{})
			return
		}
		if msg.SetupComplete != nil && !ready {
			ready = true
			if !e.deliver(ReadyEvent{}) {
				return
			}
			continue
		}
		if msg.ServerContent != nil && msg.ServerContent.Interrupted {
			if !e.deliver(InterruptEvent{}) {
				return
			}
		}
		if msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil {
			for _, part := range msg.ServerContent.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					if !e.deliver(AudioDeltaEvent{B64: base64.StdEncoding.EncodeToString(part.InlineData.Data)}) {
						return
					}
				}
				if part.Text != "" {
					if !e.deliver(TextDeltaEvent{Text: part.Text}) {
						return
					}
				}
			}
		}
		if msg.ToolCall != nil {
			for _, call := range msg.ToolCall.FunctionCalls {
				if call == nil {
					continue
				}
				args, err := json.Marshal(call.Args)
				if err != nil {
					e.logger.Warn("unencodable tool arguments", "provider", "gemini", "tool", call.Name, "error", err)
					continue
				}
				if !e.deliver(ToolCallEvent{CallID: call.ID, Name: call.Name, Arguments: args}) {
					return
				}
			}
		}
	}
}

// schemaFromJSON converts a JSON-schema parameter object into the SDK's
// schema type. Only the subset the tool definitions use is supported.
func schemaFromJSON(params map[string]any) (*genai.Schema, error) {
	if params == nil {
		return nil, nil
	}
	schema := &genai.Schema{}

	if typ, ok := params["type"].(string); ok {
		switch typ {
		case "object":
			schema.Type = genai.TypeObject
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		case "array":
			schema.Type = genai.TypeArray
		default:
			return nil, fmt.Errorf("unsupported schema type %q", typ)
		}
	}
	if desc, ok := params["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := params["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %q is not an object", name)
			}
			sub, err := schemaFromJSON(obj)
			if err != nil {
				return nil, err
			}
			schema.Properties[name] = sub
		}
	}
	if items, ok := params["items"].(map[string]any); ok {
		sub, err := schemaFromJSON(items)
		if err != nil {
			return nil, err
		}
		schema.Items = sub
	}
	if required, ok := params["required"].([]any); ok {
		for _, raw := range required {
			if name, ok := raw.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	if enum, ok := params["enum"].([]any); ok {
		for _, raw := range enum {
			if val, ok := raw.(string); ok {
				schema.Enum = append(schema.Enum, val)
			}
		}
	}
	return schema, nil
}
