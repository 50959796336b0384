package recovery

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/metrics"
	"github.com/parlorgames/parlor/internal/pubsub"
	"github.com/parlorgames/parlor/internal/session"
	"github.com/parlorgames/parlor/internal/statesync"
)

// Event types emitted by the recovery layer.
const (
	EventPlayerDisconnected = "player_disconnected"
	EventHostMigrated       = "host_migrated"
	EventRecoverySuccess    = "recovery_success"
	EventRecoveryFailed     = "recovery_failed"
)

// ErrInvalidRecoveryToken covers unknown, already-consumed, and expired
// tokens. The three cases are deliberately indistinguishable to callers.
var ErrInvalidRecoveryToken = errors.New("invalid recovery token")

const tokenSweepInterval = 30 * time.Second

type queueKey struct {
	roomID   string
	playerID string
}

// tokenContext is the connection-less player context a recovery token
// stands for.
type tokenContext struct {
	Token          string
	PlayerID       string
	RoomID         string
	DisconnectedAt time.Time
	SubstituteBot  bool

	// Single-use latch: redemption and expiry finalization race for it and
	// exactly one wins.
	claimed atomic.Bool
}

// DisconnectResult describes what the disconnect path set up for a player.
type DisconnectResult struct {
	PlayerID      string
	RoomID        string
	Token         string
	ExpiresAt     time.Time
	SubstituteBot bool
	Queued        bool
	NewHostID     string
}

// RecoveryResult describes a successful token redemption.
type RecoveryResult struct {
	PlayerID         string
	RoomID           string
	MessagesRestored int
}

type publisher interface {
	Publish(pubsub.Event) (int, error)
}

// Manager issues and redeems recovery tokens, buffers messages for
// disconnected players, and coordinates bot substitution and host failover.
type Manager struct {
	logger   *logrus.Logger
	sessions *session.Manager
	bus      publisher
	sync     *statesync.Synchronizer
	game     GameControl
	rooms    RoomControl
	archiver GameArchiver

	tokenTTL     time.Duration
	queueMaxSize int
	gracePeriod  time.Duration

	// tokens maps token string -> *tokenContext. The cache janitor is the
	// expiry sweep; OnEvicted finalizes abandoned sessions.
	tokens *gocache.Cache

	mu     sync.Mutex
	queues map[queueKey]*MessageQueue
}

type ManagerParams struct {
	Logger       *logrus.Logger
	Sessions     *session.Manager
	Bus          *pubsub.Bus
	Synchronizer *statesync.Synchronizer
	Game         GameControl
	Rooms        RoomControl
	// Archiver may be nil when no cold-storage collaborator is wired.
	Archiver     GameArchiver
	TokenTTL     time.Duration
	QueueMaxSize int
	GracePeriod  time.Duration
	// SweepInterval overrides how often expired tokens are finalized.
	// Zero means the default.
	SweepInterval time.Duration
}

func NewManager(p ManagerParams) *Manager {
	sweep := p.SweepInterval
	if sweep <= 0 {
		sweep = tokenSweepInterval
	}
	m := &Manager{
		logger:       p.Logger,
		sessions:     p.Sessions,
		bus:          p.Bus,
		sync:         p.Synchronizer,
		game:         p.Game,
		rooms:        p.Rooms,
		archiver:     p.Archiver,
		tokenTTL:     p.TokenTTL,
		queueMaxSize: p.QueueMaxSize,
		gracePeriod:  p.GracePeriod,
		tokens:       gocache.New(p.TokenTTL, sweep),
		queues:       make(map[queueKey]*MessageQueue),
	}
	m.tokens.OnEvicted(m.onTokenEvicted)
	return m
}

// HandleDisconnection runs the disconnect path for a connection that has
// already been torn down by the session manager. For players in an active
// game it installs a substitute bot and a message queue; for a departing
// host it migrates host privileges; in every in-room case it issues a
// recovery token.
func (m *Manager) HandleDisconnection(snap session.Snapshot) (*DisconnectResult, error) {
	if snap.PlayerID == "" || snap.RoomID == "" {
		// Nothing recoverable for unauthenticated or roomless connections.
		return &DisconnectResult{}, nil
	}

	res := &DisconnectResult{PlayerID: snap.PlayerID, RoomID: snap.RoomID}

	m.rooms.MarkConnected(snap.RoomID, snap.PlayerID, false)

	if m.game.IsActive(snap.RoomID) {
		wasBot, err := m.game.ReplacePlayerWithBot(snap.RoomID, snap.PlayerID)
		if err != nil {
			m.logger.Warnf("[recovery] bot substitution for %s in %s failed: %v", snap.PlayerID, snap.RoomID, err)
		} else {
			// A player who was already bot-controlled keeps their native bot;
			// only a fresh substitute is deactivated on reconnect.
			res.SubstituteBot = !wasBot
		}

		m.mu.Lock()
		m.queues[queueKey{snap.RoomID, snap.PlayerID}] = NewMessageQueue(snap.RoomID, snap.PlayerID, m.queueMaxSize)
		m.mu.Unlock()
		res.Queued = true
	}

	// The room view may not have observed the disconnect yet, so the departing
	// player is never a candidate here or in the empty-room check below.
	if hostID, ok := m.rooms.HostID(snap.RoomID); ok && hostID == snap.PlayerID {
		if newHost, ok := lowestSeat(seatsWithout(m.rooms.ConnectedSeats(snap.RoomID), snap.PlayerID)); ok {
			m.rooms.SetHost(snap.RoomID, newHost)
			res.NewHostID = newHost
			metrics.HostMigrations.Inc()
			m.publish(pubsub.NewEvent(EventHostMigrated, map[string]any{
				"roomId":         snap.RoomID,
				"newHostId":      newHost,
				"previousHostId": snap.PlayerID,
			}, pubsub.ScopeRoom, snap.RoomID, pubsub.PriorityHigh))
		}
	}

	tc := &tokenContext{
		Token:          uuid.NewString(),
		PlayerID:       snap.PlayerID,
		RoomID:         snap.RoomID,
		DisconnectedAt: snap.DisconnectedAt,
		SubstituteBot:  res.SubstituteBot,
	}
	m.tokens.Set(tc.Token, tc, gocache.DefaultExpiration)
	res.Token = tc.Token
	res.ExpiresAt = time.Now().Add(m.tokenTTL)

	if len(seatsWithout(m.rooms.ConnectedSeats(snap.RoomID), snap.PlayerID)) == 0 {
		m.rooms.ScheduleTeardown(snap.RoomID, m.gracePeriod)
	}

	m.publish(pubsub.NewEvent(EventPlayerDisconnected, map[string]any{
		"playerId":   snap.PlayerID,
		"roomId":     snap.RoomID,
		"canRecover": true,
	}, pubsub.ScopeRoom, snap.RoomID, pubsub.PriorityHigh))

	m.logger.Infof("[recovery] issued token for %s in %s (substitute=%v queued=%v)",
		snap.PlayerID, snap.RoomID, res.SubstituteBot, res.Queued)
	return res, nil
}

// AttemptRecovery redeems a token for a fresh connection. On success the
// connection is rebound to the recovered player and room, the substitute bot
// (if any) deactivated, every queued message delivered in enqueue order, the
// queue destroyed, pending timers cancelled, and a catch-up sync pushed.
func (m *Manager) AttemptRecovery(token string, conn *session.ConnectionInfo, clientVersion *int64) (*RecoveryResult, error) {
	v, ok := m.tokens.Get(token)
	var tc *tokenContext
	if ok {
		tc = v.(*tokenContext)
	}
	if tc == nil || !tc.claimed.CompareAndSwap(false, true) {
		m.failRecovery(conn.ID, "invalid_token")
		return nil, ErrInvalidRecoveryToken
	}

	// The token is not spent until the new connection is bound: a rebind
	// failure releases the claim so the player can retry while the TTL lasts,
	// and the queue stays buffered for that retry.
	if err := m.sessions.MarkReconnecting(conn.ID); err != nil {
		tc.claimed.Store(false)
		m.failRecovery(conn.ID, "connection_lost")
		return nil, err
	}
	if err := m.sessions.Rebind(conn.ID, tc.PlayerID, tc.RoomID); err != nil {
		tc.claimed.Store(false)
		m.failRecovery(conn.ID, "connection_lost")
		return nil, err
	}

	// Consuming the claimed token cancels its expiry timer; OnEvicted sees
	// the latch and skips finalization.
	m.tokens.Delete(token)

	m.mu.Lock()
	key := queueKey{tc.RoomID, tc.PlayerID}
	queue := m.queues[key]
	delete(m.queues, key)
	m.mu.Unlock()

	m.rooms.MarkConnected(tc.RoomID, tc.PlayerID, true)

	if tc.SubstituteBot {
		if err := m.game.DeactivateBot(tc.RoomID, tc.PlayerID); err != nil {
			m.logger.Warnf("[recovery] bot deactivation for %s in %s failed: %v", tc.PlayerID, tc.RoomID, err)
		}
	}

	m.rooms.CancelTeardown(tc.RoomID)

	restored := 0
	if queue != nil {
		for _, entry := range queue.Drain() {
			if err := conn.Send(entry.EventType, entry.Data); err != nil {
				m.logger.Warnf("[recovery] replay to %s aborted: %v", conn.ID, err)
				m.sessions.HandleSendFailure(conn)
				break
			}
			restored++
		}
	}

	metrics.RecoveriesSucceeded.Inc()
	m.publish(pubsub.NewEvent(EventRecoverySuccess, map[string]any{
		"playerId":         tc.PlayerID,
		"roomId":           tc.RoomID,
		"messagesRestored": restored,
	}, pubsub.ScopeSingle, conn.ID, pubsub.PriorityCritical))

	if _, err := m.sync.SyncState(conn.ID, tc.RoomID, clientVersion, "recovery"); err != nil && !errors.Is(err, statesync.ErrGameNotFound) {
		m.logger.Warnf("[recovery] catch-up sync for %s failed: %v", conn.ID, err)
	}

	m.logger.Infof("[recovery] %s recovered into %s (restored=%d)", tc.PlayerID, tc.RoomID, restored)
	return &RecoveryResult{PlayerID: tc.PlayerID, RoomID: tc.RoomID, MessagesRestored: restored}, nil
}

// EnqueueFor buffers a message for a disconnected player. An absent queue is
// the normal case for connected players and is reported, not an error;
// dropped reports whether the overflow policy discarded an entry.
func (m *Manager) EnqueueFor(roomID, playerID string, entry QueueEntry) (queued, dropped bool) {
	m.mu.Lock()
	queue, ok := m.queues[queueKey{roomID, playerID}]
	m.mu.Unlock()
	if !ok {
		return false, false
	}

	dropped = queue.Enqueue(entry)
	if dropped {
		metrics.QueuedMessagesDropped.Inc()
	}
	return true, dropped
}

// QueueFor returns the live queue for a (room, player) pair, if any.
func (m *Manager) QueueFor(roomID, playerID string) (*MessageQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.queues[queueKey{roomID, playerID}]
	return queue, ok
}

// DiscardQueues drops every queue for a room, used on out-of-band teardown.
func (m *Manager) DiscardQueues(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.queues {
		if key.roomID == roomID {
			delete(m.queues, key)
		}
	}
}

// onTokenEvicted finalizes a session whose token aged out: the queue is
// discarded, a substitute bot becomes permanent, and a room left with no
// connected players is handed to the archival collaborator.
func (m *Manager) onTokenEvicted(_ string, v any) {
	tc, ok := v.(*tokenContext)
	if !ok || !tc.claimed.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	delete(m.queues, queueKey{tc.RoomID, tc.PlayerID})
	m.mu.Unlock()

	if tc.SubstituteBot {
		m.game.FinalizeBotTakeover(tc.RoomID, tc.PlayerID)
	}

	m.logger.Infof("[recovery] token for %s in %s expired; substitution is permanent", tc.PlayerID, tc.RoomID)

	if len(seatsWithout(m.rooms.ConnectedSeats(tc.RoomID), tc.PlayerID)) == 0 {
		if m.archiver != nil {
			m.archiver.ArchiveGame(tc.RoomID, "abandoned")
		}
		m.sync.DropGame(tc.RoomID)
	}
}

func (m *Manager) failRecovery(connID, reason string) {
	metrics.RecoveriesFailed.Inc()
	m.publish(pubsub.NewEvent(EventRecoveryFailed, map[string]any{
		"reason": reason,
	}, pubsub.ScopeSingle, connID, pubsub.PriorityCritical))
}

func (m *Manager) publish(ev pubsub.Event) {
	if _, err := m.bus.Publish(ev); err != nil {
		m.logger.Warnf("[recovery] publish of %q failed: %v", ev.Type, err)
	}
}

// seatsWithout filters one player out of a seat list.
func seatsWithout(seats []Seat, playerID string) []Seat {
	var out []Seat
	for _, s := range seats {
		if s.PlayerID != playerID {
			out = append(out, s)
		}
	}
	return out
}

// lowestSeat deterministically selects the connected player with the lowest
// seat index, breaking impossible ties by player id.
func lowestSeat(seats []Seat) (string, bool) {
	if len(seats) == 0 {
		return "", false
	}
	sorted := append([]Seat(nil), seats...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Index != sorted[j].Index {
			return sorted[i].Index < sorted[j].Index
		}
		return sorted[i].PlayerID < sorted[j].PlayerID
	})
	return sorted[0].PlayerID, true
}
