// Package transport abstracts the byte-frame channel underneath a relay
// connection so the pool can be tested against in-process servers and the
// socket library can be swapped without touching connection logic.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single bidirectional frame channel to one relay.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection
	// fails. Unblocked by Close.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Ping sends a transport-level liveness probe carrying payload.
	Ping(payload []byte) error

	// SetPongHandler registers h to run for every pong received. Must be
	// called before the first ReadMessage.
	SetPongHandler(h func(payload []byte))

	// Close tears down the underlying socket.
	Close() error
}

// Transport opens connections to relays.
type Transport interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// WebSocket is the default Transport, backed by gorilla/websocket.
type WebSocket struct {
	// HandshakeTimeout bounds the dial. Zero means 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration
}

// Open dials the relay URL.
func (w *WebSocket) Open(ctx context.Context, url string) (Conn, error) {
	handshake := w.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	writeTimeout := w.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
		// Control frames are handled by gorilla; anything else is skipped.
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) SetPongHandler(h func(payload []byte)) {
	c.conn.SetPongHandler(func(data string) error {
		h([]byte(data))
		return nil
	})
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
