// ABOUTME: WebSocket implementation of the channel Transport.
// ABOUTME: Serializes writes, keeps the connection alive with pings, and decodes frames.

package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Transport is a single bidirectional frame stream. The connection manager
// is its only writer.
type Transport interface {
	ReadFrame() (*Frame, error)
	WriteFrame(*Frame) error
	Close() error
}

// Dialer establishes a Transport. The connection manager invokes it on
// connect and on every reconnect attempt.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocket is a Transport over a gorilla websocket connection.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// DialWebSocket connects to the given ws:// or wss:// URL and returns a
// ready Transport.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established websocket connection. Used directly by
// tests that upgrade their own connections.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn: conn,
		done: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ws.keepAlive()
	return ws
}

// NewWebSocketDialer returns a Dialer for a fixed URL.
func NewWebSocketDialer(url string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, url)
	}
}

// ReadFrame blocks until the next frame arrives or the connection fails.
func (w *WebSocket) ReadFrame() (*Frame, error) {
	var f Frame
	if err := w.conn.ReadJSON(&f); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return &f, nil
}

// WriteFrame sends a frame. Safe for concurrent use.
func (w *WebSocket) WriteFrame(f *Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call multiple times.
func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// keepAlive pings the server until the connection is closed.
func (w *WebSocket) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}
