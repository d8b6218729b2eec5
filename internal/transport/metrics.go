package transport

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gravity_transport_state",
		Help: "Connection managers currently in each state",
	}, []string{"state"})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gravity_transport_reconnect_attempts_total",
		Help: "Scheduled reconnection attempts",
	})

	closeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gravity_transport_close_events_total",
		Help: "Transport closures by close code and policy class",
	}, []string{"code", "class"})

	reconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gravity_transport_reconnect_delay_seconds",
		Help:    "Backoff delay chosen before a reconnection attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9),
	})
)

func recordClose(code int) {
	closeEvents.WithLabelValues(strconv.Itoa(code), string(Classify(code))).Inc()
}

func recordTransition(from, to State) {
	if from == to {
		return
	}
	connectionState.WithLabelValues(from.String()).Dec()
	connectionState.WithLabelValues(to.String()).Inc()
}
