package recovery

import "time"

// Seat pairs a player with their seat index in a room.
type Seat struct {
	PlayerID string
	Index    int
}

// GameControl is implemented by the game rules engine. The session layer
// treats game state as opaque and only drives bot substitution through it.
type GameControl interface {
	// IsActive reports whether the room's game is in progress.
	IsActive(roomID string) bool
	// ReplacePlayerWithBot installs a bot for the player and reports whether
	// the player was already bot-controlled before the swap.
	ReplacePlayerWithBot(roomID, playerID string) (wasAlreadyBot bool, err error)
	// DeactivateBot hands control back to the returning human player.
	DeactivateBot(roomID, playerID string) error
	// FinalizeBotTakeover makes a substitute bot permanent after the
	// recovery window has lapsed.
	FinalizeBotTakeover(roomID, playerID string)
}

// RoomControl is implemented by the room/lobby layer.
type RoomControl interface {
	// ConnectedSeats returns the seats whose players currently hold a live
	// connection.
	ConnectedSeats(roomID string) []Seat
	// MarkConnected records a seated player's connectivity change.
	MarkConnected(roomID, playerID string, connected bool)
	HostID(roomID string) (string, bool)
	SetHost(roomID, playerID string)
	// CancelTeardown stops any pending room-cleanup timer.
	CancelTeardown(roomID string)
	// ScheduleTeardown arms the room-cleanup timer if the room is now empty.
	ScheduleTeardown(roomID string, after time.Duration)
}

// GameArchiver receives completed or abandoned games for cold storage. The
// session layer owns no persisted state itself.
type GameArchiver interface {
	ArchiveGame(gameID, reason string)
}
