package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subtun/subtun/internal/tunnelproto"
)

// WSConn adapts a gorilla websocket connection to the [Conn] interface.
// Writes are serialized through a mutex; the websocket package forbids
// concurrent writers.
type WSConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewWSConn wraps c. A non-zero writeTimeout bounds every frame write.
func NewWSConn(c *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{conn: c, writeTimeout: writeTimeout}
}

func (w *WSConn) ReadFrame() (tunnelproto.Frame, error) {
	var f tunnelproto.Frame
	err := w.conn.ReadJSON(&f)
	return f, err
}

func (w *WSConn) WriteFrame(f tunnelproto.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
		defer func() { _ = w.conn.SetWriteDeadline(time.Time{}) }()
	}
	return w.conn.WriteJSON(f)
}

// SetReadDeadline bounds subsequent ReadFrame calls. A zero time clears it.
func (w *WSConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}
