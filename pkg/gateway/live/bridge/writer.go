package bridge

import (
	"time"

	"github.com/gorilla/websocket"
)

// clientWriter is the single goroutine allowed to write to the client
// socket. It interleaves queued frames with keepalive pings and applies
// a write deadline to every operation.
type clientWriter struct {
	conn         ClientConn
	frames       <-chan []byte
	done         <-chan struct{}
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (w *clientWriter) run() error {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			w.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(w.writeTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case data := <-w.frames:
			if err := w.write(data); err != nil {
				return err
			}
		}
	}
}

// flush drains a bounded number of already-queued frames so the tail of
// the conversation is not lost on clean shutdown.
func (w *clientWriter) flush() {
	for i := 0; i < 8; i++ {
		select {
		case data := <-w.frames:
			if w.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *clientWriter) write(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
