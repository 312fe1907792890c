package upstream

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"
)

// fakeLiveSession records what the engine sends and replays scripted
// server messages through Receive.
type fakeLiveSession struct {
	mu        sync.Mutex
	inputs    []genai.LiveRealtimeInput
	contents  []genai.LiveClientContentInput
	responses []genai.LiveToolResponseInput
	closes    int

	recv chan *genai.LiveServerMessage
}

func newFakeLiveSession(buffer int) *fakeLiveSession {
	return &fakeLiveSession{recv: make(chan *genai.LiveServerMessage, buffer)}
}

func (s *fakeLiveSession) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input)
	return nil
}

func (s *fakeLiveSession) SendClientContent(input genai.LiveClientContentInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = append(s.contents, input)
	return nil
}

func (s *fakeLiveSession) SendToolResponse(input genai.LiveToolResponseInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, input)
	return nil
}

func (s *fakeLiveSession) Receive() (*genai.LiveServerMessage, error) {
	msg, ok := <-s.recv
	if !ok {
		return nil, nil
	}
	return msg, nil
}

func (s *fakeLiveSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func newGeminiTestEngine(s *fakeLiveSession) *geminiEngine {
	return &geminiEngine{
		session: s,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestGeminiSendTextCompletesTurn(t *testing.T) {
	sess := newFakeLiveSession(1)
	engine := newGeminiTestEngine(sess)

	if err := engine.SendText("quiero agendar"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(sess.contents))
	}
	got := sess.contents[0]
	if got.TurnComplete == nil || !*got.TurnComplete {
		t.Fatalf("TurnComplete = %v, want true", got.TurnComplete)
	}
	if len(got.Turns) != 1 || got.Turns[0].Role != genai.RoleUser {
		t.Fatalf("turns = %+v", got.Turns)
	}
	if got.Turns[0].Parts[0].Text != "quiero agendar" {
		t.Fatalf("text = %q", got.Turns[0].Parts[0].Text)
	}
}

func TestGeminiReceiveLoopMapsEvents(t *testing.T) {
	sess := newFakeLiveSession(8)
	engine := newGeminiTestEngine(sess)

	sess.recv <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{1, 2, 3}}},
			{Text: "hola"},
		}},
	}}
	sess.recv <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: "validate_code", Args: map[string]any{"code": "123456"}}},
	}}
	close(sess.recv)

	go engine.receiveLoop()

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
		t.Fatal("expected InterruptEvent after interruption")
	}
	audio, ok := expect().(AudioDeltaEvent)
	if !ok || audio.B64 != "AQID" {
		t.Fatalf("audio event = %+v", audio)
	}
	text, ok := expect().(TextDeltaEvent)
	if !ok || text.Text != "hola" {
		t.Fatalf("text event = %+v", text)
	}
	call, ok := expect().(ToolCallEvent)
	if !ok || call.CallID != "c1" || call.Name != "validate_code" {
		t.Fatalf("tool event = %+v", call)
	}
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Code != "123456" {
		t.Fatalf("arguments = %s", call.Arguments)
	}
	if _, ok := expect().(ClosedEvent); !ok {
		t.Fatal("expected ClosedEvent last")
	}
}

func TestGeminiCloseIsIdempotent(t *testing.T) {
	sess := newFakeLiveSession(1)
	engine := newGeminiTestEngine(sess)

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closes != 1 {
		t.Fatalf("session closed %d times, want 1", sess.closes)
	}
}

func TestGeminiCloseReleasesUndrainedReceiveLoop(t *testing.T) {
	sess := newFakeLiveSession(400)
	engine := newGeminiTestEngine(sess)

	// Overflow the event buffer while nobody reads Events.
	for i := 0; i < 400; i++ {
		sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: []byte{1}}}}},
		}}
	}
	close(sess.recv)

	go engine.receiveLoop()
	time.Sleep(20 * time.Millisecond)

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

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
