package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gravity_authority_connections",
		Help: "Replica connections currently served by the sync authority.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gravity_authority_sessions",
		Help: "Per-object sync sessions currently open on the sync authority.",
	})
	accessDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gravity_authority_access_denials_total",
		Help: "Objects a replica was refused or lost read access to.",
	}, []string{"reason"})
	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gravity_authority_messages_total",
		Help: "Inbound envelopes by outcome.",
	}, []string{"result"})
)
