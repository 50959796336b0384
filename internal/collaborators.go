package internal

import (
	"sync"
	"time"

	"github.com/parlorgames/parlor/internal/recovery"
)

// UnmanagedGameControl is the no-op rules engine used when the server runs
// without a game layer attached. No games are ever active, so no bot
// substitution happens.
type UnmanagedGameControl struct{}

func (UnmanagedGameControl) IsActive(string) bool { return false }

func (UnmanagedGameControl) ReplacePlayerWithBot(string, string) (bool, error) { return false, nil }

func (UnmanagedGameControl) DeactivateBot(string, string) error { return nil }

func (UnmanagedGameControl) FinalizeBotTakeover(string, string) {}

// RoomDirectory is an in-memory implementation of recovery.RoomControl: seat
// assignments, host tracking, and cancellable room-cleanup timers. Domain
// layers with their own room model supply their own implementation instead.
type RoomDirectory struct {
	onTeardown func(roomID string)

	mu        sync.Mutex
	hosts     map[string]string
	seats     map[string]map[string]int
	connected map[string]map[string]bool
	timers    map[string]*time.Timer
}

func NewRoomDirectory(onTeardown func(roomID string)) *RoomDirectory {
	return &RoomDirectory{
		onTeardown: onTeardown,
		hosts:      make(map[string]string),
		seats:      make(map[string]map[string]int),
		connected:  make(map[string]map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
}

// SeatPlayer records a player's seat in a room and marks them connected.
// The first seated player becomes host.
func (d *RoomDirectory) SeatPlayer(roomID, playerID string, seat int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.seats[roomID]
	if !ok {
		room = make(map[string]int)
		d.seats[roomID] = room
		d.connected[roomID] = make(map[string]bool)
	}
	room[playerID] = seat
	d.connected[roomID][playerID] = true
	if _, ok := d.hosts[roomID]; !ok {
		d.hosts[roomID] = playerID
	}
}

// MarkConnected updates a seated player's connectivity.
func (d *RoomDirectory) MarkConnected(roomID, playerID string, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok := d.connected[roomID]; ok {
		if _, seated := d.seats[roomID][playerID]; seated {
			room[playerID] = connected
		}
	}
}

// RemoveRoom forgets a room entirely.
func (d *RoomDirectory) RemoveRoom(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hosts, roomID)
	delete(d.seats, roomID)
	delete(d.connected, roomID)
	d.cancelTimerLocked(roomID)
}

func (d *RoomDirectory) ConnectedSeats(roomID string) []recovery.Seat {
	d.mu.Lock()
	defer d.mu.Unlock()

	var seats []recovery.Seat
	for playerID, seat := range d.seats[roomID] {
		if d.connected[roomID][playerID] {
			seats = append(seats, recovery.Seat{PlayerID: playerID, Index: seat})
		}
	}
	return seats
}

func (d *RoomDirectory) HostID(roomID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	host, ok := d.hosts[roomID]
	return host, ok
}

func (d *RoomDirectory) SetHost(roomID, playerID string) {
	d.mu.Lock()
	d.hosts[roomID] = playerID
	d.mu.Unlock()
}

func (d *RoomDirectory) CancelTeardown(roomID string) {
	d.mu.Lock()
	d.cancelTimerLocked(roomID)
	d.mu.Unlock()
}

func (d *RoomDirectory) ScheduleTeardown(roomID string, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelTimerLocked(roomID)
	d.timers[roomID] = time.AfterFunc(after, func() {
		d.mu.Lock()
		delete(d.timers, roomID)
		d.mu.Unlock()
		if d.onTeardown != nil {
			d.onTeardown(roomID)
		}
	})
}

func (d *RoomDirectory) cancelTimerLocked(roomID string) {
	if timer, ok := d.timers[roomID]; ok {
		timer.Stop()
		delete(d.timers, roomID)
	}
}
