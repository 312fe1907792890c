// Package upstream connects a live call to a realtime conversational
// engine and normalizes its wire events.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
)

// Event is the normalized stream coming back from an engine. Exactly
// one concrete type flows per value.
type Event interface{ isEvent() }

// ReadyEvent signals the engine accepted the session configuration.
type ReadyEvent struct{}

// AudioDeltaEvent carries one base64 chunk of synthesized speech.
type AudioDeltaEvent struct {
	B64 string
}

// TextDeltaEvent carries one fragment of assistant text.
type TextDeltaEvent struct {
	Text string
}

// InterruptEvent signals the caller started speaking over the
// assistant; queued playback should be discarded.
type InterruptEvent struct{}

// ToolCallEvent asks the gateway to run a tool and send the result back.
type ToolCallEvent struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ErrorEvent reports an engine-side failure. Fatal errors are followed
// by a ClosedEvent.
type ErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

// ClosedEvent is the final event on the stream.
type ClosedEvent struct {
	Err error
}

func (ReadyEvent) isEvent()      {}
func (AudioDeltaEvent) isEvent() {}
func (TextDeltaEvent) isEvent()  {}
func (InterruptEvent) isEvent()  {}
func (ToolCallEvent) isEvent()   {}
func (ErrorEvent) isEvent()      {}
func (ClosedEvent) isEvent()     {}

// TurnDetection tunes server-side voice activity detection.
type TurnDetection struct {
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// SessionConfig is the per-call engine configuration.
type SessionConfig struct {
	Instructions  string
	Voice         string
	AudioFormat   string
	Tools         []tools.Definition
	TurnDetection TurnDetection
}

// Engine is one live upstream conversation.
//
// Send methods are safe for concurrent use. After Close, sends are
// no-ops and the Events channel drains to a ClosedEvent.
type Engine interface {
	// Events yields normalized engine events. The channel is closed
	// after a ClosedEvent is delivered.
	Events() <-chan Event
	// AppendAudio streams one base64 chunk of caller audio.
	AppendAudio(b64 string) error
	// SendText injects a typed user message and requests a response.
	SendText(text string) error
	// SendToolResult delivers a tool outcome and asks the engine to
	// continue the turn. The result is always delivered before the
	// continuation request.
	SendToolResult(callID string, payload []byte) error
	// Close tears the connection down. It is idempotent.
	Close() error
}

// Connector dials an engine for one call.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Engine, error)
}

// AuthError marks a connection refused for bad credentials. Sessions
// report it to the caller and close instead of retrying.
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected credentials (status %d)", e.Provider, e.Status)
}

// IsAuthError reports whether err wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
