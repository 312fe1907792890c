package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/analiza-labs/voicegate/pkg/directory"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/protocol"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
	"github.com/analiza-labs/voicegate/pkg/gateway/upstream"
	"github.com/analiza-labs/voicegate/pkg/schedule"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	controls []int
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32)}
}

func (c *fakeConn) push(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(limit int64)           {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frames(t *testing.T) []protocol.ServerFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ServerFrame, 0, len(c.written))
	for _, data := range c.written {
		var f protocol.ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unparsable server frame %s: %v", data, err)
		}
		out = append(out, f)
	}
	return out
}

type toolResult struct {
	callID  string
	payload []byte
}

type fakeEngine struct {
	events chan upstream.Event

	mu       sync.Mutex
	audio    []string
	texts    []string
	results  []toolResult
	closed   bool
	closeone sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan upstream.Event, 32)}
}

func (e *fakeEngine) Events() <-chan upstream.Event { return e.events }

func (e *fakeEngine) AppendAudio(b64 string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio = append(e.audio, b64)
	return nil
}

func (e *fakeEngine) SendText(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	return nil
}

func (e *fakeEngine) SendToolResult(callID string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, toolResult{callID: callID, payload: append([]byte(nil), payload...)})
	return nil
}

func (e *fakeEngine) Close() error {
	e.closeone.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.events <- upstream.ClosedEvent{}
		close(e.events)
	})
	return nil
}

type fakeConnector struct {
	engine *fakeEngine
	err    error
}

func (c *fakeConnector) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.Engine, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.engine, nil
}

func testDispatcher(t *testing.T, store *sessions.Store) *tools.Dispatcher {
	t.Helper()
	kb, err := directory.LoadKnowledgeBase()
	if err != nil {
		t.Fatalf("load knowledge base: %v", err)
	}
	slots := []schedule.Slot{{
		ID:       "SLOT-000001",
		Start:    time.Now().Add(time.Hour),
		End:      time.Now().Add(time.Hour + schedule.SlotDuration),
		BranchID: "SS-001",
	}}
	engine := schedule.NewEngine(schedule.NewStore(slots), nil)
	codes := directory.NewCodeService(directory.SeedCodes())
	return tools.NewDispatcher(engine, codes, kb, directory.NewMemoryDirectory(), store, nil)
}

func startBridge(t *testing.T, conn *fakeConn, connector upstream.Connector) (*Bridge, *sessions.Store, string, chan error) {
	t.Helper()
	store := sessions.NewStore()
	sess := store.Create("+50377778888")
	b := New(conn, connector, upstream.SessionConfig{}, testDispatcher(t, store), store, sess.ID, nil, Config{
		PingInterval: time.Hour, // keep pings out of written-frame assertions
		ToolTimeout:  5 * time.Second,
	})
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return b, store, sess.ID, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("bridge did not finish")
		return nil
	}
}

func TestBridge_ForwardsClientAudioUpstream(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	_, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	conn.push(`{"event":"start","start":{"streamId":"S1"}}`)
	conn.push(`{"event":"media","media":{"payload":"AAAA"}}`)
	conn.push(`{"event":"media","media":{"payload":"BBBB"}}`)
	conn.push(`{"event":"stop"}`)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.audio) != 2 || engine.audio[0] != "AAAA" || engine.audio[1] != "BBBB" {
		t.Fatalf("audio = %v", engine.audio)
	}
	if !engine.closed {
		t.Fatalf("engine not closed after stop")
	}
}

func TestBridge_ForwardsUpstreamAudioToClient(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	b, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	engine.events <- upstream.AudioDeltaEvent{B64: "CCCC"}
	engine.events <- upstream.AudioDeltaEvent{B64: "DDDD"}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if frames := conn.frames(t); len(frames) >= 2 {
			if frames[0].Media.Payload != "CCCC" || frames[1].Media.Payload != "DDDD" {
				t.Fatalf("frames out of order: %+v", frames)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audio frames never reached the client: %+v", conn.frames(t))
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Cancel()
	_ = waitDone(t, done)
}

func TestBridge_ActivatesOnUpstreamReady(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	b, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	deadline := time.Now().Add(2 * time.Second)
	for b.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatalf("state = %d, want Connecting before ready", b.State())
		}
		time.Sleep(time.Millisecond)
	}

	// Forwarding works either way, but the call is not Active until
	// the engine acknowledges the session configuration.
	if b.State() == StateActive {
		t.Fatal("bridge active before upstream ready")
	}
	engine.events <- upstream.ReadyEvent{}

	for b.State() != StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("state = %d, want Active after ready", b.State())
		}
		time.Sleep(time.Millisecond)
	}

	b.Cancel()
	_ = waitDone(t, done)
}

func TestBridge_InterruptSendsClearFrame(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	b, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	engine.events <- upstream.AudioDeltaEvent{B64: "FFFF"}
	engine.events <- upstream.InterruptEvent{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := conn.frames(t)
		if len(frames) >= 2 {
			if frames[1].Event != protocol.EventClear {
				t.Fatalf("frames = %+v, want clear second", frames)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("clear frame never sent: %+v", conn.frames(t))
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Cancel()
	_ = waitDone(t, done)
}

func TestBridge_DispatchesToolCalls(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	_, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	engine.events <- upstream.ToolCallEvent{
		CallID:    "call_42",
		Name:      "validate_code",
		Arguments: json.RawMessage(`{"code":"123456"}`),
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		engine.mu.Lock()
		n := len(engine.results)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tool result never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.mu.Lock()
	res := engine.results[0]
	engine.mu.Unlock()
	if res.callID != "call_42" {
		t.Fatalf("callID = %q", res.callID)
	}
	var out map[string]any
	if err := json.Unmarshal(res.payload, &out); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if out["valid"] != true {
		t.Fatalf("payload = %s", res.payload)
	}

	close(conn.inbound)
	_ = waitDone(t, done)
}

func TestBridge_UnknownToolStillAnswers(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	_, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	engine.events <- upstream.ToolCallEvent{CallID: "call_1", Name: "no_such_tool"}

	deadline := time.Now().Add(2 * time.Second)
	for {
		engine.mu.Lock()
		n := len(engine.results)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result for unknown tool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.mu.Lock()
	payload := engine.results[0].payload
	engine.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(payload, &out)
	if out["error"] != "unknown tool" {
		t.Fatalf("payload = %s", payload)
	}

	close(conn.inbound)
	_ = waitDone(t, done)
}

func TestBridge_AuthFailureClosesWithReason(t *testing.T) {
	conn := newFakeConn()
	authErr := &upstream.AuthError{Provider: "openai", Status: 401}
	_, store, sessionID, done := startBridge(t, conn, &fakeConnector{err: fmt.Errorf("connect: %w", authErr)})

	err := waitDone(t, done)
	if !errors.Is(err, authErr) {
		t.Fatalf("Run err = %v", err)
	}

	frames := conn.frames(t)
	if len(frames) != 1 || frames[0].Event != protocol.EventError || frames[0].Code != protocol.ReasonUpstreamAuthFailed {
		t.Fatalf("frames = %+v", frames)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatalf("client socket left open")
	}
	if _, ok := store.Get(sessionID); ok {
		t.Fatalf("session survived auth failure")
	}
}

func TestBridge_MalformedFramesAreDropped(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	_, _, _, done := startBridge(t, conn, &fakeConnector{engine: engine})

	conn.push(`{"event":"warp"}`)
	conn.push(`not json`)
	conn.push(`{"event":"media","media":{"payload":"EEEE"}}`)
	conn.push(`{"event":"stop"}`)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.audio) != 1 || engine.audio[0] != "EEEE" {
		t.Fatalf("audio after malformed frames = %v", engine.audio)
	}
}

func TestBridge_RecordsTranscriptTurns(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	_, store, sessionID, done := startBridge(t, conn, &fakeConnector{engine: engine})

	engine.events <- upstream.TextDeltaEvent{Text: "Hola, "}
	engine.events <- upstream.TextDeltaEvent{Text: "¿en qué puedo ayudarle?"}
	time.Sleep(50 * time.Millisecond)
	conn.push(`{"event":"text","text":"quiero una cita"}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		engine.mu.Lock()
		n := len(engine.texts)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("user text never forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Snapshot before the bridge destroys the session.
	sess, ok := store.Get(sessionID)
	if !ok {
		t.Fatalf("session gone while active")
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("turns = %+v", sess.Turns)
	}
	if sess.Turns[0].Role != "assistant" || sess.Turns[0].Content != "Hola, ¿en qué puedo ayudarle?" {
		t.Fatalf("assistant turn = %+v", sess.Turns[0])
	}
	if sess.Turns[1].Role != "user" || sess.Turns[1].Content != "quiero una cita" {
		t.Fatalf("user turn = %+v", sess.Turns[1])
	}

	close(conn.inbound)
	_ = waitDone(t, done)
}

func TestBridge_CancelIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	engine := newFakeEngine()
	b, store, sessionID, done := startBridge(t, conn, &fakeConnector{engine: engine})

	b.Cancel()
	b.Cancel()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %d, want Closed", b.State())
	}
	if _, ok := store.Get(sessionID); ok {
		t.Fatalf("session survived cancel")
	}
}
