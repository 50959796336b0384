package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/core"
	"github.com/parlorgames/parlor/internal/metrics"
	"github.com/parlorgames/parlor/internal/session"
)

// Handler processes one decoded inbound message for a connection. Errors are
// reported back to that connection only, as an "error" event.
type Handler func(ctx context.Context, conn *session.ConnectionInfo, msg Message) error

// Frontend implements the concurrent client connection logic: it upgrades
// websocket connections, registers them with the session manager, and runs a
// read goroutine per client, abstracting the wire details away from the
// message handler.
type Frontend struct {
	Address  string
	Config   *core.Config
	Logger   *logrus.Logger
	Sessions *session.Manager
	Handler  Handler

	upgrader websocket.Upgrader
	server   *http.Server
}

// Start opens the websocket listener. The serving loop is spun off in its
// own goroutine and added to the WaitGroup; context cancellation shuts the
// listener down and closes every client.
func (f *Frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin policy is enforced by the authorization collaborator in
		// front of this layer.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.acceptClient(ctx, w, r)
	})

	f.server = &http.Server{Addr: f.Address, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Logger.Infof("[gateway] waiting for connections on %s", f.Address)
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.Logger.Errorf("[gateway] listener exited: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.server.Shutdown(shutdownCtx); err != nil {
			f.Logger.Warnf("[gateway] shutdown: %v", err)
		}
	}()

	return nil
}

// acceptClient upgrades the connection and attempts to initiate a session.
// If it succeeds, the goroutine moves into the message processing loop.
func (f *Frontend) acceptClient(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if f.Sessions.Count() >= f.Config.MaxConnections {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Logger.Warnf("[gateway] failed to upgrade connection: %v", err)
		return
	}

	transport := newClientTransport(wsConn, f.Config.GatewayServer.WriteTimeout)
	meta := session.Metadata{
		UserAgent:  r.UserAgent(),
		OriginHash: hashOrigin(r.Header.Get("Origin")),
	}

	conn, err := f.Sessions.Connect(transport, uuid.NewString(), meta)
	if err != nil {
		f.Logger.Warnf("[gateway] rejected connection from %s: %v", transport.RemoteAddr(), err)
		_ = transport.Close()
		return
	}

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()

	pingCtx, stopPing := context.WithCancel(ctx)
	go f.pingLoop(pingCtx, transport, conn.ID)

	f.processMessages(ctx, wsConn, conn)
	stopPing()
	metrics.ActiveConnections.Dec()
}

// processMessages is a blocking loop dedicated to reading messages from one
// client; it only returns once the connection has closed.
func (f *Frontend) processMessages(ctx context.Context, wsConn *websocket.Conn, conn *session.ConnectionInfo) {
	defer f.closeConnectionAndRecover(conn)

	activityTimeout := f.Config.GatewayServer.ActivityTimeout
	_ = wsConn.SetReadDeadline(time.Now().Add(activityTimeout))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(activityTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.Logger.Warnf("[gateway] read from %s failed: %v", conn.ID, err)
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(activityTimeout))
		f.Sessions.Touch(conn.ID)

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.sendError(conn, "bad_message", "message must be a {event, data} object")
			continue
		}

		if f.Handler == nil {
			continue
		}
		if err := f.Handler(ctx, conn, msg); err != nil {
			f.sendError(conn, "request_failed", err.Error())
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics and
// disconnects the client regardless of the state of the connection.
func (f *Frontend) closeConnectionAndRecover(conn *session.ConnectionInfo) {
	if err := recover(); err != nil {
		f.Logger.Errorf("[gateway] error in client communication with %s: error=%s, trace: %s",
			conn.ID, err, debug.Stack())
	}
	f.Sessions.Disconnect(conn.ID)
}

func (f *Frontend) pingLoop(ctx context.Context, t *clientTransport, connID string) {
	ticker := time.NewTicker(f.Config.GatewayServer.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.ping(time.Now().Add(f.Config.GatewayServer.WriteTimeout)); err != nil {
				f.Logger.Debugf("[gateway] ping to %s failed: %v", connID, err)
				return
			}
		}
	}
}

// sendError reports a failure to the offending connection only. A failed
// error send is handled like any other send failure.
func (f *Frontend) sendError(conn *session.ConnectionInfo, code, message string) {
	if err := conn.Send("error", ErrorData{Code: code, Message: message}); err != nil {
		f.Sessions.HandleSendFailure(conn)
	}
}

// Identifier names the frontend in logs.
func (f *Frontend) Identifier() string {
	return fmt.Sprintf("GATEWAY@%s", f.Address)
}
