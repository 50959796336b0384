package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is one step in a connection's lifecycle. Transitions are linear with
// a single cycle: Connected -> Authenticated -> InRoom -> Disconnected ->
// Reconnecting -> InRoom, or Disconnected -> Expired (terminal).
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateInRoom
	StateDisconnected
	StateReconnecting
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateInRoom:
		return "IN_ROOM"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Transport is the write side of one client connection. Implementations must
// be safe for concurrent use; the Manager is the only component allowed to
// close it.
type Transport interface {
	Send(event string, data any) error
	Close() error
	RemoteAddr() string
}

// Metadata holds transport-level details captured at accept time.
type Metadata struct {
	UserAgent  string
	OriginHash string
}

// ConnectionInfo tracks everything the session layer knows about one client
// connection. Mutable fields are guarded by the embedded mutex; the Manager
// is the only writer.
type ConnectionInfo struct {
	ID          string
	Metadata    Metadata
	ConnectedAt time.Time

	mu           sync.RWMutex
	transport    Transport
	state        State
	playerID     string
	roomID       string
	lastActivity time.Time

	// Latched exactly once when a failed send (or explicit disconnect) claims
	// responsibility for tearing this connection down.
	disconnecting atomic.Bool
}

func newConnectionInfo(id string, t Transport, meta Metadata) *ConnectionInfo {
	now := time.Now()
	return &ConnectionInfo{
		ID:           id,
		Metadata:     meta,
		ConnectedAt:  now,
		transport:    t,
		state:        StateConnected,
		lastActivity: now,
	}
}

func (c *ConnectionInfo) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PlayerID is non-empty in every state from AUTHENTICATED onward.
func (c *ConnectionInfo) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// RoomID is non-empty only while the connection is IN_ROOM.
func (c *ConnectionInfo) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *ConnectionInfo) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Send writes an event to the connection's transport. Send failures are not
// handled here; callers route them through Manager.HandleSendFailure.
func (c *ConnectionInfo) Send(event string, data any) error {
	return c.transport.Send(event, data)
}

func (c *ConnectionInfo) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Snapshot is an immutable copy of a connection's identity, taken at
// disconnect time so downstream handlers can act on it after the live
// indexes have been cleaned up.
type Snapshot struct {
	ID             string
	PlayerID       string
	RoomID         string
	Metadata       Metadata
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

func (c *ConnectionInfo) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:             c.ID,
		PlayerID:       c.playerID,
		RoomID:         c.roomID,
		Metadata:       c.Metadata,
		ConnectedAt:    c.ConnectedAt,
		DisconnectedAt: time.Now(),
	}
}
