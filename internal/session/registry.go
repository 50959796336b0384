package session

// A concurrency-safe set of indexes over the live connections. Critical
// sections are pure in-memory map mutation; no I/O ever happens under the
// registry lock.
import "sync"

type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*ConnectionInfo
	byPlayer map[string]string
	rooms    map[string]map[string]*ConnectionInfo
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*ConnectionInfo),
		byPlayer: make(map[string]string),
		rooms:    make(map[string]map[string]*ConnectionInfo),
	}
}

func (r *Registry) add(c *ConnectionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ID]; ok {
		return ErrDuplicateConnection
	}
	r.byID[c.ID] = c
	return nil
}

// remove drops the connection from every index. Safe to call for ids that
// are already gone.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)

	c.mu.RLock()
	playerID, roomID := c.playerID, c.roomID
	c.mu.RUnlock()

	if playerID != "" && r.byPlayer[playerID] == id {
		delete(r.byPlayer, playerID)
	}
	if roomID != "" {
		r.removeFromRoomLocked(roomID, id)
	}
}

func (r *Registry) get(id string) (*ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) getByPlayer(playerID string) (*ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) bindPlayer(id, playerID string) {
	r.mu.Lock()
	r.byPlayer[playerID] = id
	r.mu.Unlock()
}

func (r *Registry) addToRoom(roomID string, c *ConnectionInfo) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*ConnectionInfo)
		r.rooms[roomID] = room
	}
	room[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) removeFromRoom(roomID, id string) {
	r.mu.Lock()
	r.removeFromRoomLocked(roomID, id)
	r.mu.Unlock()
}

func (r *Registry) removeFromRoomLocked(roomID, id string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

// roomMembers returns a point-in-time copy of a room's member set so callers
// can attempt delivery without holding the registry lock.
func (r *Registry) roomMembers(roomID string) ([]*ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	members := make([]*ConnectionInfo, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	return members, true
}

func (r *Registry) all() []*ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*ConnectionInfo, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
