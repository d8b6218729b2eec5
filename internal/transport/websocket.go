package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	frameBufferSize         = 64
)

// WebSocketDialer dials the sync authority over a websocket.
type WebSocketDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Heartbeat        HeartbeatConfig
	Logger           *zap.Logger
}

// Dial opens a websocket and starts the client heartbeat.
func (dialer WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	handshakeTimeout := dialer.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	header := http.Header{}
	if dialer.Token != "" {
		header.Set("Authorization", "Bearer "+dialer.Token)
	}
	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, response, err := wsDialer.DialContext(ctx, dialer.URL, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", dialer.URL, err, response.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", dialer.URL, err)
	}
	return newWebSocketTransport(conn, roleClient, dialer.Heartbeat, dialer.WriteTimeout, dialer.Logger), nil
}

// NewServerTransport wraps an accepted websocket. The server answers client pings and
// closes the connection when pings stop arriving within the heartbeat timeout.
func NewServerTransport(conn *websocket.Conn, heartbeat HeartbeatConfig, logger *zap.Logger) Transport {
	return newWebSocketTransport(conn, roleServer, heartbeat, 0, logger)
}

type role int

const (
	roleClient role = iota
	roleServer
)

type frame struct {
	messageType int
	payload     []byte
}

type webSocketTransport struct {
	conn         *websocket.Conn
	role         role
	heartbeat    HeartbeatConfig
	writeTimeout time.Duration
	logger       *zap.Logger

	incoming chan []byte
	outgoing chan frame
	closed   chan CloseEvent
	done     chan struct{}
	once     sync.Once
	deadline *time.Timer
}

func newWebSocketTransport(conn *websocket.Conn, side role, heartbeat HeartbeatConfig, writeTimeout time.Duration, logger *zap.Logger) *webSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &webSocketTransport{
		conn:         conn,
		role:         side,
		heartbeat:    heartbeat.withDefaults(),
		writeTimeout: writeTimeout,
		logger:       logger,
		incoming:     make(chan []byte, frameBufferSize),
		outgoing:     make(chan frame, frameBufferSize),
		closed:       make(chan CloseEvent, 1),
		done:         make(chan struct{}),
	}
	transport.deadline = time.AfterFunc(transport.heartbeat.Timeout, func() {
		transport.logger.Info("heartbeat timed out", zap.Duration("timeout", transport.heartbeat.Timeout))
		_ = transport.Close(CloseHeartbeatTimeout, "heartbeat timeout")
	})
	go transport.readLoop()
	go transport.writeLoop()
	return transport
}

func (transport *webSocketTransport) Send(payload []byte) error {
	select {
	case <-transport.done:
		return ErrClosed
	default:
	}
	select {
	case transport.outgoing <- frame{messageType: websocket.BinaryMessage, payload: payload}:
		return nil
	case <-transport.done:
		return ErrClosed
	}
}

func (transport *webSocketTransport) Incoming() <-chan []byte {
	return transport.incoming
}

func (transport *webSocketTransport) Closed() <-chan CloseEvent {
	return transport.closed
}

func (transport *webSocketTransport) Close(code int, reason string) error {
	select {
	case <-transport.done:
		return nil
	default:
	}
	message := websocket.FormatCloseMessage(code, reason)
	writeErr := transport.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(transport.writeTimeout))
	transport.finish(CloseEvent{Code: code, Reason: reason, Local: true})
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: send close frame: %w", writeErr)
	}
	return nil
}

func (transport *webSocketTransport) finish(event CloseEvent) {
	transport.once.Do(func() {
		transport.deadline.Stop()
		close(transport.done)
		_ = transport.conn.Close()
		transport.closed <- event
		close(transport.closed)
	})
}

func (transport *webSocketTransport) readLoop() {
	defer close(transport.incoming)
	for {
		messageType, payload, err := transport.conn.ReadMessage()
		if err != nil {
			transport.finish(closeEventFromError(err))
			return
		}
		switch messageType {
		case websocket.TextMessage:
			transport.handleHeartbeat(string(payload))
		case websocket.BinaryMessage:
			select {
			case transport.incoming <- payload:
			case <-transport.done:
				return
			}
		}
	}
}

func (transport *webSocketTransport) handleHeartbeat(token string) {
	switch {
	case transport.role == roleClient && token == PongToken:
		transport.deadline.Reset(transport.heartbeat.Timeout)
	case transport.role == roleServer && token == PingToken:
		transport.deadline.Reset(transport.heartbeat.Timeout)
		select {
		case transport.outgoing <- frame{messageType: websocket.TextMessage, payload: []byte(PongToken)}:
		case <-transport.done:
		}
	}
}

func (transport *webSocketTransport) writeLoop() {
	var pings <-chan time.Time
	if transport.role == roleClient {
		ticker := time.NewTicker(transport.heartbeat.Interval)
		defer ticker.Stop()
		pings = ticker.C
	}
	for {
		var next frame
		select {
		case <-transport.done:
			return
		case next = <-transport.outgoing:
		case <-pings:
			next = frame{messageType: websocket.TextMessage, payload: []byte(PingToken)}
		}
		_ = transport.conn.SetWriteDeadline(time.Now().Add(transport.writeTimeout))
		if err := transport.conn.WriteMessage(next.messageType, next.payload); err != nil {
			transport.logger.Debug("websocket write failed", zap.Error(err))
			transport.finish(CloseEvent{Code: CloseAbnormal, Reason: "write failed", Err: err})
			return
		}
	}
}

func closeEventFromError(err error) CloseEvent {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseEvent{Code: closeErr.Code, Reason: closeErr.Text, Err: err}
	}
	return CloseEvent{Code: CloseAbnormal, Reason: "connection lost", Err: err}
}
