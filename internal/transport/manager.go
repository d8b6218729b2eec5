package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connection lifecycle state surfaced to callers.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateWaiting
	StateGaveUp
	StateClosed
)

// String returns the lowercase state name.
func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StateGaveUp:
		return "gave_up"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Dialer  Dialer
	Backoff Backoff
	Logger  *zap.Logger
	// After schedules the backoff timer. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
	// OnMessage receives every inbound message in receipt order.
	OnMessage func(payload []byte)
	// OnConnected runs after each successful dial, before any message is read.
	OnConnected func(transport Transport)
}

// Manager owns one logical connection and re-establishes it according to the close
// classification and backoff schedule.
type Manager struct {
	cfg ManagerConfig

	mu        sync.Mutex
	state     State
	current   Transport
	attempt   int
	listeners map[int]func(State)
	nextKey   int
	reconnect chan struct{}
}

// NewManager validates cfg and constructs a Manager in StateIdle.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, ErrMissingDialer
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func([]byte) {}
	}
	connectionState.WithLabelValues(StateIdle.String()).Inc()
	return &Manager{
		cfg:       cfg,
		state:     StateIdle,
		listeners: make(map[int]func(State)),
		reconnect: make(chan struct{}, 1),
	}, nil
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.state
}

// Attempt returns the number of consecutive failed attempts since the last success.
func (manager *Manager) Attempt() int {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.attempt
}

// OnState registers listener for state transitions and returns a function removing it.
func (manager *Manager) OnState(listener func(State)) func() {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	key := manager.nextKey
	manager.nextKey++
	manager.listeners[key] = listener
	return func() {
		manager.mu.Lock()
		defer manager.mu.Unlock()
		delete(manager.listeners, key)
	}
}

// Send writes payload on the established transport.
func (manager *Manager) Send(payload []byte) error {
	manager.mu.Lock()
	current := manager.current
	manager.mu.Unlock()
	if current == nil {
		return ErrNotConnected
	}
	return current.Send(payload)
}

// Reconnect skips the pending backoff timer, or restarts a manager that gave up. It
// has no effect while connecting or connected.
func (manager *Manager) Reconnect() {
	manager.mu.Lock()
	state := manager.state
	manager.mu.Unlock()
	if state != StateWaiting && state != StateGaveUp {
		return
	}
	select {
	case manager.reconnect <- struct{}{}:
	default:
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or the peer closes
// normally.
func (manager *Manager) Run(ctx context.Context) error {
	logger := manager.cfg.Logger
	for {
		manager.setState(StateConnecting)
		transport, err := manager.cfg.Dialer.Dial(ctx)
		if ctx.Err() != nil {
			if transport != nil {
				_ = transport.Close(CloseNormal, "shutdown")
			}
			manager.setState(StateClosed)
			return ctx.Err()
		}

		if err != nil {
			logger.Warn("dial failed", zap.Int("attempt", manager.Attempt()), zap.Error(err))
		} else {
			event := manager.serve(ctx, transport)
			if ctx.Err() != nil {
				manager.setState(StateClosed)
				return ctx.Err()
			}
			recordClose(event.Code)
			logger.Info("connection closed",
				zap.Int("code", event.Code),
				zap.String("reason", event.Reason),
				zap.Bool("local", event.Local),
				zap.String("class", string(Classify(event.Code))),
			)
			if !ShouldReconnect(event.Code) {
				manager.setState(StateClosed)
				return nil
			}
		}

		if !manager.wait(ctx) {
			manager.setState(StateClosed)
			return ctx.Err()
		}
	}
}

func (manager *Manager) serve(ctx context.Context, transport Transport) CloseEvent {
	manager.mu.Lock()
	manager.current = transport
	manager.attempt = 0
	manager.mu.Unlock()
	select {
	case <-manager.reconnect:
	default:
	}
	manager.setState(StateConnected)
	defer func() {
		manager.mu.Lock()
		manager.current = nil
		manager.mu.Unlock()
	}()

	if manager.cfg.OnConnected != nil {
		manager.cfg.OnConnected(transport)
	}
	incoming := transport.Incoming()
	for {
		select {
		case <-ctx.Done():
			_ = transport.Close(CloseNormal, "shutdown")
			return CloseEvent{Code: CloseNormal, Reason: "shutdown", Local: true}
		case payload, ok := <-incoming:
			if !ok {
				return <-transport.Closed()
			}
			manager.cfg.OnMessage(payload)
		}
	}
}

// wait sleeps for the next backoff delay, or until a manual reconnect. It returns
// false when ctx is cancelled.
func (manager *Manager) wait(ctx context.Context) bool {
	manager.mu.Lock()
	attempt := manager.attempt
	manager.mu.Unlock()

	delay, ok := manager.cfg.Backoff.Delay(attempt)
	if !ok {
		manager.cfg.Logger.Warn("giving up reconnection", zap.Int("attempts", attempt))
		manager.setState(StateGaveUp)
		select {
		case <-ctx.Done():
			return false
		case <-manager.reconnect:
			return true
		}
	}

	manager.mu.Lock()
	manager.attempt++
	manager.mu.Unlock()
	reconnectAttempts.Inc()
	reconnectDelay.Observe(delay.Seconds())
	manager.setState(StateWaiting)

	select {
	case <-ctx.Done():
		return false
	case <-manager.cfg.After(delay):
	case <-manager.reconnect:
		manager.cfg.Logger.Info("manual reconnect superseded backoff timer", zap.Duration("delay", delay))
	}
	return true
}

func (manager *Manager) setState(next State) {
	manager.mu.Lock()
	previous := manager.state
	manager.state = next
	listeners := make([]func(State), 0, len(manager.listeners))
	for key := 0; key < manager.nextKey; key++ {
		if listener, ok := manager.listeners[key]; ok {
			listeners = append(listeners, listener)
		}
	}
	manager.mu.Unlock()

	if previous == next {
		return
	}
	recordTransition(previous, next)
	for _, listener := range listeners {
		listener(next)
	}
}
