// Package metrics exposes the daemon's Prometheus counters and gauges and
// the HTTP endpoint that serves them. The rest of the daemon calls the
// package-level functions directly, the same way the shoveler's
// metrics.go wires packetsReceived/validationsFailed: this is a passive
// observability tap, not part of the protocol core.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_records_stored_total",
		Help: "Total number of records successfully appended by a sink.",
	})

	queriesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_queries_served_total",
		Help: "Total number of GET_AFTER queries answered.",
	})

	queryMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_query_matches_total",
		Help: "Total number of records returned across all queries.",
	})

	subscriptionsAttached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_subscriptions_attached_total",
		Help: "Total number of OBSERVE subscriptions attached.",
	})

	relayMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_relay_matches_total",
		Help: "Total number of subscriptions a stored record was relayed to.",
	})

	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datalogger_sink_errors_total",
		Help: "Total number of sink Process failures.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datalogger_active_connections",
		Help: "Number of currently connected clients.",
	})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datalogger_active_subscriptions",
		Help: "Number of currently attached OBSERVE subscriptions.",
	})
)

// RecordStored increments the stored-records counter.
func RecordStored() { recordsStored.Inc() }

// QueryServed records one completed GET_AFTER scan that returned n matches.
func QueryServed(n int) {
	queriesServed.Inc()
	queryMatches.Add(float64(n))
}

// SubscriptionAttached increments the attach counter and the active gauge.
func SubscriptionAttached() {
	subscriptionsAttached.Inc()
	activeSubscriptions.Inc()
}

// SubscriptionDetached decrements the active-subscriptions gauge.
func SubscriptionDetached() { activeSubscriptions.Dec() }

// RelayMatched records that a stored record matched n live subscriptions.
func RelayMatched(n int) { relayMatches.Add(float64(n)) }

// SinkError increments the sink-failure counter.
func SinkError() { sinkErrors.Inc() }

// ConnectionOpened/ConnectionClosed track the active-connections gauge.
func ConnectionOpened() { activeConnections.Inc() }
func ConnectionClosed() { activeConnections.Dec() }

// Serve starts an HTTP server exposing /metrics on addr. It blocks until
// ctx is done or the server fails to start.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
