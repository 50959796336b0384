package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DisconnectHook is invoked after a connection has been removed from every
// index and its transport closed. Hooks run in registration order, exactly
// once per live connection.
type DisconnectHook func(Snapshot)

// Manager owns the connection lifecycle state machine and room-scoped
// delivery. All mutation of connection state goes through it.
type Manager struct {
	logger   *logrus.Logger
	registry *Registry

	hookMu          sync.RWMutex
	disconnectHooks []DisconnectHook
}

func NewManager(logger *logrus.Logger, registry *Registry) *Manager {
	return &Manager{logger: logger, registry: registry}
}

// OnDisconnect registers a hook to run whenever a connection is torn down.
func (m *Manager) OnDisconnect(hook DisconnectHook) {
	m.hookMu.Lock()
	m.disconnectHooks = append(m.disconnectHooks, hook)
	m.hookMu.Unlock()
}

// Connect registers a new transport under connectionID. The id acts as an
// idempotency key: reusing one that is still live fails with
// ErrDuplicateConnection. An empty id gets a generated one.
func (m *Manager) Connect(t Transport, connectionID string, meta Metadata) (*ConnectionInfo, error) {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	c := newConnectionInfo(connectionID, t, meta)
	if err := m.registry.add(c); err != nil {
		return nil, err
	}

	m.logger.Infof("[session] accepted connection %s from %s", c.ID, t.RemoteAddr())
	return c, nil
}

// Authenticate binds a player identity to a connection.
func (m *Manager) Authenticate(connectionID, playerID string) error {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot authenticate connection %s in state %s", connectionID, state)
	}
	c.playerID = playerID
	c.state = StateAuthenticated
	c.mu.Unlock()

	m.registry.bindPlayer(connectionID, playerID)
	return nil
}

// JoinRoom moves an authenticated connection into a room.
func (m *Manager) JoinRoom(connectionID, roomID string) error {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	c.mu.Lock()
	if c.state != StateAuthenticated {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot join room from state %s", state)
	}
	c.roomID = roomID
	c.state = StateInRoom
	c.mu.Unlock()

	m.registry.addToRoom(roomID, c)
	return nil
}

// LeaveRoom returns a connection to the authenticated state.
func (m *Manager) LeaveRoom(connectionID string) error {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	if c.state == StateInRoom {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	if roomID != "" {
		m.registry.removeFromRoom(roomID, connectionID)
	}
	return nil
}

// MarkReconnecting flags a fresh connection as mid-recovery.
func (m *Manager) MarkReconnecting(connectionID string) error {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()
	return nil
}

// Rebind attaches a recovered player's identity and room to a new connection.
// Only the recovery path uses this; it bypasses the authenticate/join steps
// because the token already proved both.
func (m *Manager) Rebind(connectionID, playerID, roomID string) error {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	c.mu.Lock()
	c.playerID = playerID
	c.roomID = roomID
	c.state = StateInRoom
	c.mu.Unlock()

	m.registry.bindPlayer(connectionID, playerID)
	m.registry.addToRoom(roomID, c)
	return nil
}

// BroadcastToRoom delivers an event to every member of a room and returns the
// number of successful sends. The member set is snapshotted under the
// registry lock and delivery happens outside it, so a slow or dead socket
// never stalls the room. A failed send demotes that one connection and is
// invisible to the caller and to the other members.
func (m *Manager) BroadcastToRoom(roomID, event string, data any) (int, error) {
	members, ok := m.registry.roomMembers(roomID)
	if !ok {
		return 0, ErrRoomNotFound
	}

	delivered := 0
	for _, c := range members {
		if err := c.Send(event, data); err != nil {
			m.logger.Warnf("[session] send to %s failed during room broadcast: %v", c.ID, err)
			m.HandleSendFailure(c)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// HandleSendFailure converts a failed send into a disconnect. The
// disconnecting latch guarantees the connection is disconnect-handled exactly
// once even if several concurrent sends fail for it.
func (m *Manager) HandleSendFailure(c *ConnectionInfo) {
	if !c.disconnecting.CompareAndSwap(false, true) {
		return
	}
	m.teardown(c)
}

// Disconnect tears down a connection: the transport is always closed and the
// connection removed from every index before this returns. Calling it again
// for the same id is a no-op.
func (m *Manager) Disconnect(connectionID string) {
	c, ok := m.registry.get(connectionID)
	if !ok {
		return
	}
	if !c.disconnecting.CompareAndSwap(false, true) {
		return
	}
	m.teardown(c)
}

func (m *Manager) teardown(c *ConnectionInfo) {
	snap := c.snapshot()

	m.registry.remove(c.ID)

	c.mu.Lock()
	c.state = StateDisconnected
	c.roomID = ""
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		m.logger.Warnf("[session] failed to close transport for %s: %v", c.ID, err)
	}

	m.logger.Infof("[session] disconnected %s (player=%q room=%q)", snap.ID, snap.PlayerID, snap.RoomID)

	m.hookMu.RLock()
	hooks := m.disconnectHooks
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(snap)
	}
}

// Touch records inbound activity for a connection.
func (m *Manager) Touch(connectionID string) {
	if c, ok := m.registry.get(connectionID); ok {
		c.touch()
	}
}

func (m *Manager) Connection(connectionID string) (*ConnectionInfo, bool) {
	return m.registry.get(connectionID)
}

func (m *Manager) ConnectionByPlayer(playerID string) (*ConnectionInfo, bool) {
	return m.registry.getByPlayer(playerID)
}

// RoomConnections returns a copy of a room's current member set.
func (m *Manager) RoomConnections(roomID string) []*ConnectionInfo {
	members, _ := m.registry.roomMembers(roomID)
	return members
}

func (m *Manager) AllConnections() []*ConnectionInfo {
	return m.registry.all()
}

func (m *Manager) Count() int {
	return m.registry.len()
}
