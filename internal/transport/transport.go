// Package transport keeps a byte-message connection to the sync authority alive:
// websocket framing, heartbeat dead-connection detection, close-code classification
// and backoff-scheduled reconnection.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when sending on a transport that has shut down.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned by Manager.Send while no transport is established.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrMissingDialer indicates a manager configured without a dialer.
	ErrMissingDialer = errors.New("transport: dialer is required")
)

// Heartbeat tokens exchanged in text frames.
const (
	PingToken = "ping"
	PongToken = "pong"
)

// CloseEvent describes why a transport ended.
type CloseEvent struct {
	Code   int
	Reason string
	// Local is true when this side initiated the close.
	Local bool
	Err   error
}

// Transport is a bidirectional byte-message channel.
type Transport interface {
	// Send queues one binary message.
	Send(payload []byte) error
	// Incoming yields received messages and is closed when the transport ends.
	Incoming() <-chan []byte
	// Closed delivers exactly one CloseEvent and is then closed.
	Closed() <-chan CloseEvent
	// Close ends the transport with the given close code.
	Close(code int, reason string) error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// HeartbeatConfig controls dead-connection detection.
type HeartbeatConfig struct {
	// Interval between pings sent by the client.
	Interval time.Duration
	// Timeout without a heartbeat after which the connection is closed with
	// CloseHeartbeatTimeout.
	Timeout time.Duration
}

// DefaultHeartbeat pings every 30s and declares the connection dead after 45s of
// silence.
func DefaultHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 45 * time.Second}
}

func (cfg HeartbeatConfig) withDefaults() HeartbeatConfig {
	defaults := DefaultHeartbeat()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return cfg
}
