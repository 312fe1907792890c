package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
)

// fakeRealtime accepts one websocket connection and records every
// frame the engine writes.
type fakeRealtime struct {
	t        *testing.T
	upgrader websocket.Upgrader

	connCh   chan *websocket.Conn
	framesCh chan map[string]any
	header   http.Header
	rawQuery string
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *httptest.Server) {
	t.Helper()
	f := &fakeRealtime{
		t:        t,
		connCh:   make(chan *websocket.Conn, 1),
		framesCh: make(chan map[string]any, 32),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.header = r.Header.Clone()
		f.rawQuery = r.URL.RawQuery
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.connCh <- conn
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				close(f.framesCh)
				return
			}
			f.framesCh <- frame
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRealtime) nextFrame() map[string]any {
	f.t.Helper()
	select {
	case frame, ok := <-f.framesCh:
		if !ok {
			f.t.Fatal("frame channel closed")
		}
		return frame
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (f *fakeRealtime) serverConn() *websocket.Conn {
	f.t.Helper()
	select {
	case conn := <-f.connCh:
		return conn
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for connection")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Instructions: "atiende la llamada",
		Voice:        "coral",
		AudioFormat:  "g711_ulaw",
		Tools:        tools.Definitions(),
		TurnDetection: TurnDetection{
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 200,
		},
	}
}

func connect(t *testing.T, f *fakeRealtime, srv *httptest.Server) Engine {
	t.Helper()
	c := &OpenAIConnector{APIKey: "sk-test", Model: "gpt-4o-realtime-preview-2024-12-17", BaseURL: wsURL(srv)}
	engine, err := c.Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestOpenAIConnectSendsSessionUpdate(t *testing.T) {
	f, srv := newFakeRealtime(t)
	connect(t, f, srv)

	if got := f.header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := f.header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Fatalf("OpenAI-Beta = %q", got)
	}
	if !strings.Contains(f.rawQuery, "model=gpt-4o-realtime-preview-2024-12-17") {
		t.Fatalf("query = %q, want model param", f.rawQuery)
	}

	frame := f.nextFrame()
	if frame["type"] != "session.update" {
		t.Fatalf("first frame type = %v, want session.update", frame["type"])
	}
	session, ok := frame["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing: %v", frame)
	}
	if session["voice"] != "coral" {
		t.Fatalf("voice = %v", session["voice"])
	}
	if session["input_audio_format"] != "g711_ulaw" {
		t.Fatalf("input_audio_format = %v", session["input_audio_format"])
	}
	defs, ok := session["tools"].([]any)
	if !ok || len(defs) != len(tools.Definitions()) {
		t.Fatalf("tools = %v, want %d definitions", session["tools"], len(tools.Definitions()))
	}
	td, ok := session["turn_detection"].(map[string]any)
	if !ok || td["type"] != "server_vad" {
		t.Fatalf("turn_detection = %v", session["turn_detection"])
	}
}

func TestOpenAIConnectAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &OpenAIConnector{APIKey: "sk-bad", Model: "m", BaseURL: wsURL(srv)}
	_, err := c.Connect(context.Background(), testSessionConfig())
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !IsAuthError(err) {
		t.Fatalf("IsAuthError(%v) = false", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 AuthError", err)
	}
}

func TestOpenAIEngineDecodesEvents(t *testing.T) {
	f, srv := newFakeRealtime(t)
	engine := connect(t, f, srv)
	conn := f.serverConn()
	f.nextFrame() // session.update

	push := func(v map[string]any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	push(map[string]any{"type": "session.created"})
	push(map[string]any{"type": "session.updated"})
	push(map[string]any{"type": "input_audio_buffer.speech_started"})
	push(map[string]any{"type": "response.audio.delta", "delta": "c2lsZW5jZQ=="})
	push(map[string]any{"type": "response.audio_transcript.delta", "delta": "hola"})
	push(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_1",
		"name":      "validate_code",
		"arguments": `{"code":"123456"}`,
	})
	push(map[string]any{"type": "error", "error": map[string]any{"code": "rate_limited", "message": "slow down"}})

	expect := func() Event {
		t.Helper()
		select {
		case ev := <-engine.Events():
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}

	if _, ok := expect().(ReadyEvent); !ok {
		t.Fatal("expected ReadyEvent first")
	}
	if _, ok := expect().(InterruptEvent); !ok {
		t.Fatal("expected InterruptEvent after speech_started")
	}
	audio, ok := expect().(AudioDeltaEvent)
	if !ok || audio.B64 != "c2lsZW5jZQ==" {
		t.Fatalf("audio event = %+v", audio)
	}
	text, ok := expect().(TextDeltaEvent)
	if !ok || text.Text != "hola" {
		t.Fatalf("text event = %+v", text)
	}
	call, ok := expect().(ToolCallEvent)
	if !ok || call.Name != "validate_code" || call.CallID != "call_1" {
		t.Fatalf("tool event = %+v", call)
	}
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Code != "123456" {
		t.Fatalf("arguments = %s", call.Arguments)
	}
	errEv, ok := expect().(ErrorEvent)
	if !ok || errEv.Code != "rate_limited" {
		t.Fatalf("error event = %+v", errEv)
	}
}

func TestOpenAIToolResultOrdering(t *testing.T) {
	f, srv := newFakeRealtime(t)
	engine := connect(t, f, srv)
	f.nextFrame() // session.update

	if err := engine.SendToolResult("call_9", []byte(`{"valid":true}`)); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	first := f.nextFrame()
	if first["type"] != "conversation.item.create" {
		t.Fatalf("first frame = %v, want conversation.item.create", first["type"])
	}
	item, ok := first["item"].(map[string]any)
	if !ok || item["type"] != "function_call_output" || item["call_id"] != "call_9" {
		t.Fatalf("item = %v", first["item"])
	}
	if item["output"] != `{"valid":true}` {
		t.Fatalf("output = %v", item["output"])
	}

	second := f.nextFrame()
	if second["type"] != "response.create" {
		t.Fatalf("second frame = %v, want response.create", second["type"])
	}
}

func TestOpenAIAppendAudioAndText(t *testing.T) {
	f, srv := newFakeRealtime(t)
	engine := connect(t, f, srv)
	f.nextFrame() // session.update

	if err := engine.AppendAudio("YXVkaW8="); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	frame := f.nextFrame()
	if frame["type"] != "input_audio_buffer.append" || frame["audio"] != "YXVkaW8=" {
		t.Fatalf("append frame = %v", frame)
	}

	if err := engine.SendText("quiero agendar"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	frame = f.nextFrame()
	if frame["type"] != "conversation.item.create" {
		t.Fatalf("text frame = %v", frame["type"])
	}
	if f.nextFrame()["type"] != "response.create" {
		t.Fatal("SendText did not request a response")
	}
}

func TestOpenAICloseReleasesUndrainedReadLoop(t *testing.T) {
	f, srv := newFakeRealtime(t)
	engine := connect(t, f, srv)
	conn := f.serverConn()
	f.nextFrame() // session.update

	// Overflow the event buffer while nobody reads Events.
	for i := 0; i < 400; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "AAAA"}); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The read loop must let go of the backlog and close the channel
	// instead of staying parked on a send.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-engine.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}

func TestOpenAICloseEmitsClosedEvent(t *testing.T) {
	f, srv := newFakeRealtime(t)
	engine := connect(t, f, srv)
	f.nextFrame() // session.update

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Repeat close is a no-op.
	if err := engine.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-engine.Events():
			if !ok {
				return
			}
			if _, closed := ev.(ClosedEvent); closed {
				return
			}
		case <-deadline:
			t.Fatal("no ClosedEvent after Close")
		}
	}
}
