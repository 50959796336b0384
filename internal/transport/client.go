package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientTransport adapts one websocket connection to session.Transport.
// Writes are serialized by the mutex; gorilla connections allow only one
// concurrent writer.
type clientTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func newClientTransport(conn *websocket.Conn, writeTimeout time.Duration) *clientTransport {
	return &clientTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *clientTransport) Send(event string, data any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(envelope{Event: event, Data: data})
}

func (t *clientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	deadline := time.Now().Add(t.writeTimeout)
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return t.conn.Close()
}

func (t *clientTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *clientTransport) ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// hashOrigin stores only a digest of the Origin header; the raw value never
// enters connection metadata.
func hashOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(origin))
	return hex.EncodeToString(sum[:8])
}
