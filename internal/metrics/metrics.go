package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/pubsub"
	"github.com/parlorgames/parlor/internal/statesync"
)

var (
	// Gateway metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_connections_active",
		Help: "The current number of active client connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_connections_total",
		Help: "The total number of client connections accepted.",
	})

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_events_published_total",
		Help: "The total number of events published, by priority.",
	}, []string{"priority"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_events_dropped_total",
		Help: "The total number of events rejected by backpressure.",
	})

	// State sync metrics
	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_snapshots_created_total",
		Help: "The total number of state snapshots minted.",
	})
	Syncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_syncs_total",
		Help: "The total number of sync pushes, by mode.",
	}, []string{"mode"})

	// Recovery metrics
	RecoveriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_recoveries_succeeded_total",
		Help: "The total number of successful session recoveries.",
	})
	RecoveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_recoveries_failed_total",
		Help: "The total number of rejected recovery attempts.",
	})
	QueuedMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_queued_messages_dropped_total",
		Help: "The total number of buffered messages discarded by the overflow policy.",
	})
	HostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_host_migrations_total",
		Help: "The total number of host failovers.",
	})
)

// Register subscribes the collectors that observe bus traffic.
func Register(bus *pubsub.Bus) {
	bus.On(pubsub.OnAny, func(ev pubsub.Event) {
		EventsPublished.WithLabelValues(ev.Priority.String()).Inc()
	})
	bus.On(statesync.EventStateUpdate, func(ev pubsub.Event) {
		switch data := ev.Data.(type) {
		case statesync.UpdateNotice:
			SnapshotsCreated.Inc()
		case *statesync.SyncPayload:
			Syncs.WithLabelValues(string(data.Mode)).Inc()
		}
	})
}

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(logger *logrus.Logger, port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Infof("starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warnf("metrics server exited: %v", err)
		}
	}()
}
