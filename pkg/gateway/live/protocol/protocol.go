// Package protocol defines the JSON frames exchanged with telephony and
// browser clients over the live call websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame events.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventText  = "text"
)

// Server frame events. Media and text mirror the client names; error
// and clear are server-only.
const (
	EventError = "error"
	EventClear = "clear"
)

// Close reasons surfaced in error frames before the socket is closed.
const (
	ReasonUpstreamAuthFailed = "upstream_auth_failed"
	ReasonUpstreamError      = "upstream_error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// MediaPayload carries one chunk of base64 audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// StartInfo is the optional metadata on a start frame.
type StartInfo struct {
	StreamID string `json:"streamId,omitempty"`
}

// ClientFrame is a decoded inbound frame. Exactly the fields for the
// frame's event are populated.
type ClientFrame struct {
	Event string        `json:"event"`
	Start *StartInfo    `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Text  string        `json:"text,omitempty"`
}

// ServerFrame is an outbound frame.
type ServerFrame struct {
	Event   string        `json:"event"`
	Media   *MediaPayload `json:"media,omitempty"`
	Text    string        `json:"text,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

// MediaFrame builds an outbound audio frame.
func MediaFrame(b64 string) ServerFrame {
	return ServerFrame{Event: EventMedia, Media: &MediaPayload{Payload: b64}}
}

// TextFrame builds an outbound assistant-text frame.
func TextFrame(text string) ServerFrame {
	return ServerFrame{Event: EventText, Text: text}
}

// ErrorFrame builds an outbound error frame.
func ErrorFrame(code, message string) ServerFrame {
	return ServerFrame{Event: EventError, Code: code, Message: message}
}

// ClearFrame tells the client to drop any queued playback audio. Sent
// when the caller starts speaking over the assistant.
func ClearFrame() ServerFrame {
	return ServerFrame{Event: EventClear}
}

// DecodeClientFrame parses one inbound frame. Unknown events and
// malformed payloads produce a *DecodeError; callers log and drop the
// frame rather than killing the call.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ClientFrame{}, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(frame.Event)
	if event == "" {
		return ClientFrame{}, badRequest("missing event", "event")
	}
	frame.Event = event

	switch event {
	case EventStart, EventStop:
		return frame, nil
	case EventMedia:
		if frame.Media == nil || frame.Media.Payload == "" {
			return ClientFrame{}, badRequest("media.payload is required", "media.payload")
		}
		return frame, nil
	case EventText:
		if strings.TrimSpace(frame.Text) == "" {
			return ClientFrame{}, badRequest("text is required", "text")
		}
		return frame, nil
	default:
		return ClientFrame{}, badRequest("unsupported event", "event")
	}
}
