package statesync

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/pubsub"
)

// EventStateUpdate is the outbound event type for both room-wide update
// notices and direct sync pushes.
const EventStateUpdate = "state_update"

// ErrGameNotFound is returned for sync requests against an unknown game.
var ErrGameNotFound = errors.New("game not found")

// SyncMode distinguishes a full snapshot push from an incremental one.
type SyncMode string

const (
	SyncFull  SyncMode = "full"
	SyncDelta SyncMode = "delta"
)

// UpdateNotice is broadcast to the room whenever a new version is minted.
// Clients compare the version against their own and request a sync if they
// have fallen behind.
type UpdateNotice struct {
	GameID   string `json:"gameId"`
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
	Reason   string `json:"reason"`
}

// SyncPayload is pushed to a single connection in response to a sync request
// or after recovery. Exactly one of Snapshot or Deltas is populated.
type SyncPayload struct {
	Mode     SyncMode  `json:"mode"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Deltas   []*Delta  `json:"deltas,omitempty"`
	Version  int64     `json:"version"`
	Checksum string    `json:"checksum"`
	Reason   string    `json:"reason"`
}

// Publisher is the slice of the event bus the synchronizer needs.
type Publisher interface {
	Publish(pubsub.Event) (int, error)
}

type gameState struct {
	mu      sync.Mutex
	version int64
	// Bounded history of snapshots, oldest first.
	history []*Snapshot
	// Deltas for consecutive version pairs, oldest first, bounded by the
	// retention window.
	deltas []*Delta
}

// Synchronizer maintains versioned, checksummed snapshots per game and
// chooses between full and incremental synchronization. Rooms host exactly
// one game and share its id, so room-scoped events target the game id.
type Synchronizer struct {
	logger       *logrus.Logger
	bus          Publisher
	historyDepth int
	deltaWindow  int

	mu    sync.RWMutex
	games map[string]*gameState
}

func NewSynchronizer(logger *logrus.Logger, bus Publisher, historyDepth, deltaWindow int) *Synchronizer {
	return &Synchronizer{
		logger:       logger,
		bus:          bus,
		historyDepth: historyDepth,
		deltaWindow:  deltaWindow,
		games:        make(map[string]*gameState),
	}
}

func (s *Synchronizer) game(gameID string) *gameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		g = &gameState{}
		s.games[gameID] = g
	}
	return g
}

func (s *Synchronizer) lookup(gameID string) (*gameState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	return g, ok
}

// CreateSnapshot mints the next version for a game, records its snapshot and
// delta, and broadcasts an update notice to the room. This is the only path
// that increments version counters. The increment and the propagation
// enqueue happen inside the same critical section, so the bus observes
// versions of one game in mint order; propagation itself is an in-memory
// enqueue, never I/O, so holding the game lock across it is safe.
func (s *Synchronizer) CreateSnapshot(
	gameID, phase string,
	phaseData map[string]any,
	players map[string]PlayerSummary,
	round, turn int,
	reason string,
) (*Snapshot, error) {
	g := s.game(gameID)

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		Version:   g.version + 1,
		GameID:    gameID,
		Phase:     phase,
		PhaseData: copyPhaseData(phaseData),
		Players:   copyPlayers(players),
		Round:     round,
		Turn:      turn,
		CreatedAt: time.Now(),
	}

	sum, err := computeChecksum(snap)
	if err != nil {
		return nil, err
	}
	snap.Checksum = sum

	if len(g.history) > 0 {
		prev := g.history[len(g.history)-1]
		g.deltas = append(g.deltas, &Delta{
			GameID:      gameID,
			FromVersion: prev.Version,
			ToVersion:   snap.Version,
			Changes:     diffSnapshots(prev, snap),
			Checksum:    snap.Checksum,
			CreatedAt:   snap.CreatedAt,
		})
		if len(g.deltas) > s.deltaWindow {
			g.deltas = g.deltas[len(g.deltas)-s.deltaWindow:]
		}
	}

	g.version = snap.Version
	g.history = append(g.history, snap)
	if len(g.history) > s.historyDepth {
		g.history = g.history[len(g.history)-s.historyDepth:]
	}

	if _, err := s.bus.Publish(pubsub.NewEvent(
		EventStateUpdate,
		UpdateNotice{GameID: gameID, Version: snap.Version, Checksum: snap.Checksum, Reason: reason},
		pubsub.ScopeRoom,
		gameID,
		pubsub.PriorityHigh,
	)); err != nil {
		s.logger.Warnf("[statesync] update notice for %s v%d not propagated: %v", gameID, snap.Version, err)
	}

	return snap, nil
}

// Capture creates a snapshot by reading the game through its capability
// interface.
func (s *Synchronizer) Capture(gameID string, gs GameState, reason string) (*Snapshot, error) {
	return s.CreateSnapshot(
		gameID,
		gs.Phase(),
		gs.PhaseData(),
		gs.Players(),
		gs.RoundNumber(),
		gs.TurnNumber(),
		reason,
	)
}

// CurrentVersion returns a game's latest minted version.
func (s *Synchronizer) CurrentVersion(gameID string) (int64, bool) {
	g, ok := s.lookup(gameID)
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version, g.version > 0
}

// SnapshotByVersion returns the retained snapshot with the given version.
func (s *Synchronizer) SnapshotByVersion(gameID string, version int64) (*Snapshot, bool) {
	g, ok := s.lookup(gameID)
	if !ok {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, snap := range g.history {
		if snap.Version == version {
			return snap, true
		}
	}
	return nil, false
}

// VersionHistory returns up to limit of the most recent versions, ascending.
func (s *Synchronizer) VersionHistory(gameID string, limit int) []int64 {
	g, ok := s.lookup(gameID)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	history := g.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	versions := make([]int64, len(history))
	for i, snap := range history {
		versions[i] = snap.Version
	}
	return versions
}

// SyncState brings one connection up to date. A nil clientVersion, a gap
// wider than the retained delta window, or missing deltas for the gap force a
// full sync; otherwise the client gets the deltas for
// clientVersion+1..currentVersion in order. The payload is pushed to the
// connection as a state_update event and also returned to the caller.
// Either strategy is idempotent for the client: full snapshots replace state
// wholesale and deltas are keyed on the embedded version numbers.
func (s *Synchronizer) SyncState(connectionID, gameID string, clientVersion *int64, reason string) (*SyncPayload, error) {
	g, ok := s.lookup(gameID)
	if !ok {
		return nil, ErrGameNotFound
	}

	g.mu.Lock()
	payload := s.buildPayloadLocked(g, clientVersion, reason)
	g.mu.Unlock()

	if payload == nil {
		return nil, ErrGameNotFound
	}

	if _, err := s.bus.Publish(pubsub.NewEvent(
		EventStateUpdate, payload, pubsub.ScopeSingle, connectionID, pubsub.PriorityHigh,
	)); err != nil {
		return payload, err
	}
	return payload, nil
}

func (s *Synchronizer) buildPayloadLocked(g *gameState, clientVersion *int64, reason string) *SyncPayload {
	if len(g.history) == 0 {
		return nil
	}
	current := g.history[len(g.history)-1]

	full := &SyncPayload{
		Mode:     SyncFull,
		Snapshot: current,
		Version:  current.Version,
		Checksum: current.Checksum,
		Reason:   reason,
	}

	if clientVersion == nil {
		return full
	}
	cv := *clientVersion
	if cv > current.Version || current.Version-cv > int64(s.deltaWindow) {
		return full
	}
	if cv == current.Version {
		return &SyncPayload{Mode: SyncDelta, Version: current.Version, Checksum: current.Checksum, Reason: reason}
	}

	deltas := make([]*Delta, 0, current.Version-cv)
	want := cv + 1
	for _, d := range g.deltas {
		if d.ToVersion < want {
			continue
		}
		if d.ToVersion != want {
			// Hole in the delta log; only a full snapshot is safe.
			return full
		}
		deltas = append(deltas, d)
		want++
	}
	if want != current.Version+1 {
		return full
	}

	return &SyncPayload{
		Mode:     SyncDelta,
		Deltas:   deltas,
		Version:  current.Version,
		Checksum: current.Checksum,
		Reason:   reason,
	}
}

// DropGame discards all retained state for a game after teardown or
// archival handoff.
func (s *Synchronizer) DropGame(gameID string) {
	s.mu.Lock()
	delete(s.games, gameID)
	s.mu.Unlock()
}

func copyPhaseData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPlayers(m map[string]PlayerSummary) map[string]PlayerSummary {
	out := make(map[string]PlayerSummary, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
