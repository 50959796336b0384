package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/core"
	"github.com/parlorgames/parlor/internal/core/debug"
	"github.com/parlorgames/parlor/internal/metrics"
	"github.com/parlorgames/parlor/internal/pubsub"
	"github.com/parlorgames/parlor/internal/recovery"
	"github.com/parlorgames/parlor/internal/session"
	"github.com/parlorgames/parlor/internal/statesync"
	"github.com/parlorgames/parlor/internal/transport"
)

// Controller is the main entrypoint for the session server. It's responsible
// for initializing shared resources (logging, the event bus), constructing
// each component with explicit ownership, and launching everything.
type Controller struct {
	Config *core.Config

	// Domain collaborators, implemented by the game rules and room layers.
	Game     recovery.GameControl
	Rooms    recovery.RoomControl
	Archiver recovery.GameArchiver

	// DomainHandler receives inbound messages the session layer does not
	// own. May be nil.
	DomainHandler transport.Handler

	logger *logrus.Logger
	wg     sync.WaitGroup

	sessions      *session.Manager
	subscriptions *pubsub.SubscriptionManager
	propagator    *pubsub.Propagator
	bus           *pubsub.Bus
	synchronizer  *statesync.Synchronizer
	recovery      *recovery.Manager
	frontend      *transport.Frontend
}

func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	c.sessions = session.NewManager(c.logger, session.NewRegistry())
	c.subscriptions = pubsub.NewSubscriptionManager()
	c.propagator = pubsub.NewPropagator(c.logger, c.sessions)
	c.propagator.OnDrop(func(pubsub.Event) { metrics.EventsDropped.Inc() })
	c.bus = pubsub.NewBus(c.propagator)

	c.synchronizer = statesync.NewSynchronizer(
		c.logger,
		c.bus,
		c.Config.Session.SnapshotHistoryDepth,
		c.Config.Session.DeltaRetentionWindow,
	)

	c.recovery = recovery.NewManager(recovery.ManagerParams{
		Logger:       c.logger,
		Sessions:     c.sessions,
		Bus:          c.bus,
		Synchronizer: c.synchronizer,
		Game:         c.Game,
		Rooms:        c.Rooms,
		Archiver:     c.Archiver,
		TokenTTL:     c.Config.Session.RecoveryTokenTTL,
		QueueMaxSize: c.Config.Session.MessageQueueMaxSize,
		GracePeriod:  c.Config.Session.RoomCleanupGracePeriod,
	})

	// Disconnect ordering matters: subscriptions must not dangle, then the
	// recovery path takes over the player's session.
	c.sessions.OnDisconnect(func(snap session.Snapshot) {
		c.subscriptions.RemoveConnection(snap.ID)
	})
	c.sessions.OnDisconnect(func(snap session.Snapshot) {
		if _, err := c.recovery.HandleDisconnection(snap); err != nil {
			c.logger.Warnf("disconnect handling for %s failed: %v", snap.ID, err)
		}
	})

	if c.Config.Metrics.Enabled {
		metrics.Register(c.bus)
		metrics.StartServer(c.logger, c.Config.Metrics.Port, c.Config.Metrics.Path)
	}

	if c.Config.Debugging.EventLoggingEnabled {
		c.bus.On(pubsub.OnAny, func(ev pubsub.Event) {
			debug.DumpEvent(c.logger, ev.Type, ev.Data)
		})
	}

	c.propagator.Start(ctx)

	c.frontend = &transport.Frontend{
		Address:  c.Config.GatewayAddress(),
		Config:   c.Config,
		Logger:   c.logger,
		Sessions: c.sessions,
		Handler:  c.routeMessage,
	}
	if err := c.frontend.Start(ctx, &c.wg); err != nil {
		return fmt.Errorf("error starting %s: %w", c.frontend.Identifier(), err)
	}

	c.wg.Wait()
	<-c.propagator.Done()
	return ctx.Err()
}

// Sessions exposes the connection manager to embedding processes.
func (c *Controller) Sessions() *session.Manager { return c.sessions }

// Bus exposes the event bus to embedding processes.
func (c *Controller) Bus() *pubsub.Bus { return c.bus }

// Synchronizer exposes the state synchronizer to embedding processes.
func (c *Controller) Synchronizer() *statesync.Synchronizer { return c.synchronizer }

// Recovery exposes the recovery manager to embedding processes.
func (c *Controller) Recovery() *recovery.Manager { return c.recovery }

// Subscriptions exposes the subscription index so embedding processes can
// register filtered interests beyond the plain subscribe message.
func (c *Controller) Subscriptions() *pubsub.SubscriptionManager { return c.subscriptions }

// PublishChange delivers an entity change to every matching subscriber. The
// change itself travels as the event payload.
func (c *Controller) PublishChange(eventType string, change pubsub.ChangeEvent, priority pubsub.Priority) (int, error) {
	ev := pubsub.NewEvent(eventType, change, pubsub.ScopeSingle, "", priority)
	return c.bus.PublishTo(c.subscriptions.Subscribers(change), ev)
}

// routeMessage dispatches the inbound events owned by the session layer and
// hands everything else to the domain handler. Authorization and rate checks
// happened upstream; messages arriving here carry resolved identities.
func (c *Controller) routeMessage(ctx context.Context, conn *session.ConnectionInfo, msg transport.Message) error {
	switch msg.Event {
	case "recover":
		var data struct {
			Token       string `json:"token"`
			LastVersion *int64 `json:"lastVersion"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("malformed recover request: %w", err)
		}
		// recovery_failed was already emitted to the connection; the caller
		// treats itself as a fresh join.
		_, err := c.recovery.AttemptRecovery(data.Token, conn, data.LastVersion)
		if err == recovery.ErrInvalidRecoveryToken {
			return nil
		}
		return err

	case "sync_request":
		var data struct {
			GameID  string `json:"gameId"`
			Version *int64 `json:"version"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("malformed sync request: %w", err)
		}
		if data.GameID == "" {
			data.GameID = conn.RoomID()
		}
		_, err := c.synchronizer.SyncState(conn.ID, data.GameID, data.Version, "client_request")
		return err

	case "request_full_sync":
		// Client-observed checksum mismatch; never retried server-side.
		_, err := c.synchronizer.SyncState(conn.ID, conn.RoomID(), nil, "checksum_mismatch")
		return err

	case "subscribe":
		var data struct {
			EntityType string `json:"entityType"`
			EntityID   string `json:"entityId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("malformed subscribe request: %w", err)
		}
		subID := c.subscriptions.Subscribe(conn.ID, data.EntityType, data.EntityID, nil)
		return conn.Send("subscribed", map[string]string{"subscriptionId": subID})

	case "unsubscribe":
		var data struct {
			SubscriptionID string `json:"subscriptionId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("malformed unsubscribe request: %w", err)
		}
		c.subscriptions.Unsubscribe(data.SubscriptionID)
		return nil

	default:
		if c.DomainHandler != nil {
			return c.DomainHandler(ctx, conn, msg)
		}
		return fmt.Errorf("unknown event %q", msg.Event)
	}
}

func (c *Controller) Shutdown() {
	c.wg.Wait()
}
