package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// Conn is one streaming connection. ReadFrame blocks until a text frame
// arrives or the connection fails; Close unblocks any pending read.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens streaming connections. The session depends on this interface
// so tests can substitute an in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Compile-time interface checks.
var (
	_ Conn   = (*wsConn)(nil)
	_ Dialer = (*WebsocketDialer)(nil)
)

// WebsocketDialer dials wss endpoints.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	wd := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}
	c, _, err := wd.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn

	// writeMu serializes writes; gorilla allows only one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteFrame(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}
