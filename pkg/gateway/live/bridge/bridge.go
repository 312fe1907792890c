// Package bridge owns one live call: the client websocket on one side,
// the upstream conversational engine on the other, and the tool
// dispatch loop between them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/analiza-labs/voicegate/pkg/gateway/live/protocol"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
	"github.com/analiza-labs/voicegate/pkg/gateway/upstream"
)

// Lifecycle states. Closed is terminal and reachable from every state.
const (
	StateIdle int32 = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

// ClientConn is the subset of *websocket.Conn the bridge uses.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Config tunes one bridge instance.
type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ConnectTimeout    time.Duration
	ToolTimeout       time.Duration
	OutboundQueueSize int
	MaxFrameBytes     int64
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	return c
}

// Bridge forwards frames between one client connection and one
// upstream engine, intercepting tool calls along the way.
type Bridge struct {
	conn       ClientConn
	connector  upstream.Connector
	sessionCfg upstream.SessionConfig
	dispatcher *tools.Dispatcher
	store      *sessions.Store
	sessionID  string
	logger     *slog.Logger
	cfg        Config

	state    atomic.Int32
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	now func() time.Time
}

// New builds a bridge for one accepted client connection. sessionID
// must already exist in the store.
func New(
	conn ClientConn,
	connector upstream.Connector,
	sessionCfg upstream.SessionConfig,
	dispatcher *tools.Dispatcher,
	store *sessions.Store,
	sessionID string,
	logger *slog.Logger,
	cfg Config,
) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Bridge{
		conn:       conn,
		connector:  connector,
		sessionCfg: sessionCfg,
		dispatcher: dispatcher,
		store:      store,
		sessionID:  sessionID,
		logger:     logger,
		cfg:        cfg,
		outbound:   make(chan []byte, cfg.OutboundQueueSize),
		done:       make(chan struct{}),
		cancels:    make(map[string]context.CancelFunc),
		now:        time.Now,
	}
}

// State reports the current lifecycle state.
func (b *Bridge) State() int32 { return b.state.Load() }

// Cancel tears the call down from outside (shutdown drain). Safe to
// call at any time, from any goroutine, repeatedly.
func (b *Bridge) Cancel() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Notify pushes a text notice to the caller, best effort.
func (b *Bridge) Notify(code, message string) error {
	frame, err := json.Marshal(protocol.ErrorFrame(code, message))
	if err != nil {
		return err
	}
	b.enqueue(frame)
	return nil
}

type inboundFrame struct {
	frame protocol.ClientFrame
	err   error
}

// Run drives the call to completion. It returns after both sides are
// closed and the session is destroyed.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.finish()

	b.state.Store(StateConnecting)
	b.conn.SetReadLimit(b.cfg.MaxFrameBytes)

	connectCtx, cancelConnect := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	engine, err := b.connector.Connect(connectCtx, b.sessionCfg)
	cancelConnect()
	if err != nil {
		reason := protocol.ReasonUpstreamError
		if upstream.IsAuthError(err) {
			reason = protocol.ReasonUpstreamAuthFailed
		}
		b.logger.Error("upstream connect failed", "session_id", b.sessionID, "reason", reason, "error", err)
		b.rejectClient(reason)
		return err
	}

	w := &clientWriter{
		conn:         b.conn,
		frames:       b.outbound,
		done:         b.done,
		pingInterval: b.cfg.PingInterval,
		writeTimeout: b.cfg.WriteTimeout,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := w.run(); err != nil {
			b.logger.Warn("client write failed", "session_id", b.sessionID, "error", err)
			b.Cancel()
		}
	}()

	inbound := make(chan inboundFrame, 16)
	go b.readLoop(inbound)

	var assistantText strings.Builder
	flushAssistant := func() {
		if assistantText.Len() == 0 {
			return
		}
		text := assistantText.String()
		assistantText.Reset()
		at := b.now()
		b.store.Update(b.sessionID, func(s *sessions.State) {
			s.AppendTurn("assistant", text, at)
		})
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-b.done:
			break loop

		case in := <-inbound:
			if in.err != nil {
				var de *protocol.DecodeError
				if errors.As(in.err, &de) {
					// Malformed frames are dropped, not fatal.
					b.logger.Warn("dropping malformed client frame", "session_id", b.sessionID, "error", de)
					continue
				}
				break loop
			}
			switch in.frame.Event {
			case protocol.EventStart:
				// Stream metadata only; the session already exists.
			case protocol.EventMedia:
				if err := engine.AppendAudio(in.frame.Media.Payload); err != nil {
					b.logger.Warn("audio forward failed", "session_id", b.sessionID, "error", err)
				}
			case protocol.EventText:
				flushAssistant()
				text := in.frame.Text
				at := b.now()
				b.store.Update(b.sessionID, func(s *sessions.State) {
					s.AppendTurn("user", text, at)
				})
				if err := engine.SendText(text); err != nil {
					b.logger.Warn("text forward failed", "session_id", b.sessionID, "error", err)
				}
			case protocol.EventStop:
				break loop
			}

		case event, ok := <-engine.Events():
			if !ok {
				break loop
			}
			switch ev := event.(type) {
			case upstream.ReadyEvent:
				// The engine accepted the session config; the call is live.
				if b.state.CompareAndSwap(StateConnecting, StateActive) {
					b.logger.Info("call active", "session_id", b.sessionID)
				}
			case upstream.AudioDeltaEvent:
				b.sendFrame(protocol.MediaFrame(ev.B64))
			case upstream.TextDeltaEvent:
				assistantText.WriteString(ev.Text)
				b.sendFrame(protocol.TextFrame(ev.Text))
			case upstream.InterruptEvent:
				// Caller barged in; tell the client to dump queued playback.
				b.sendFrame(protocol.ClearFrame())
			case upstream.ToolCallEvent:
				flushAssistant()
				b.dispatchTool(ctx, engine, ev)
			case upstream.ErrorEvent:
				b.logger.Warn("upstream error", "session_id", b.sessionID, "code", ev.Code, "message", ev.Message, "fatal", ev.Fatal)
				if ev.Fatal {
					b.sendFrame(protocol.ErrorFrame(protocol.ReasonUpstreamError, ev.Message))
					break loop
				}
			case upstream.ClosedEvent:
				if ev.Err != nil {
					b.logger.Warn("upstream closed", "session_id", b.sessionID, "error", ev.Err)
				}
				break loop
			}
		}
	}

	b.state.Store(StateClosing)
	flushAssistant()
	b.cancelDispatches()
	_ = engine.Close()
	b.Cancel()
	<-writerDone
	return nil
}

// dispatchTool runs one tool call off the main loop so audio keeps
// flowing while a collaborator is busy.
func (b *Bridge) dispatchTool(ctx context.Context, engine upstream.Engine, ev upstream.ToolCallEvent) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.ToolTimeout)

	b.cancelMu.Lock()
	b.cancels[ev.CallID] = cancel
	b.cancelMu.Unlock()

	go func() {
		defer func() {
			b.cancelMu.Lock()
			delete(b.cancels, ev.CallID)
			b.cancelMu.Unlock()
			cancel()
		}()

		b.logger.Info("tool call", "session_id", b.sessionID, "tool", ev.Name, "call_id", ev.CallID)
		res := b.dispatcher.Dispatch(callCtx, b.sessionID, tools.Call{
			ID:        ev.CallID,
			Name:      ev.Name,
			Arguments: ev.Arguments,
		})
		if err := engine.SendToolResult(res.CallID, res.Payload); err != nil {
			b.logger.Warn("tool result delivery failed", "session_id", b.sessionID, "call_id", ev.CallID, "error", err)
		}
	}()
}

func (b *Bridge) cancelDispatches() {
	b.cancelMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.cancels))
	for _, cancel := range b.cancels {
		cancels = append(cancels, cancel)
	}
	b.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (b *Bridge) readLoop(out chan<- inboundFrame) {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-b.done:
			}
			return
		}
		frame, err := protocol.DecodeClientFrame(data)
		select {
		case out <- inboundFrame{frame: frame, err: err}:
		case <-b.done:
			return
		}
	}
}

// rejectClient reports a fatal connect failure and closes the socket
// with a policy close code so clients can distinguish it from a drop.
func (b *Bridge) rejectClient(reason string) {
	frame, err := json.Marshal(protocol.ErrorFrame(reason, "upstream connection failed"))
	if err == nil {
		deadline := time.Now().Add(b.cfg.WriteTimeout)
		_ = b.conn.SetWriteDeadline(deadline)
		_ = b.conn.WriteMessage(websocket.TextMessage, frame)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.cfg.WriteTimeout))
	b.Cancel()
}

func (b *Bridge) finish() {
	b.Cancel()
	_ = b.conn.Close()
	b.store.Destroy(b.sessionID)
	b.state.Store(StateClosed)
	b.logger.Info("call closed", "session_id", b.sessionID)
}

func (b *Bridge) sendFrame(frame protocol.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("unencodable server frame", "session_id", b.sessionID, "error", err)
		return
	}
	b.enqueue(data)
}

// enqueue drops frames when the client cannot keep up; a stalled
// caller must not block tool dispatch or upstream reads.
func (b *Bridge) enqueue(data []byte) {
	select {
	case b.outbound <- data:
	case <-b.done:
	default:
		b.logger.Warn("outbound queue full, dropping frame", "session_id", b.sessionID)
	}
}
