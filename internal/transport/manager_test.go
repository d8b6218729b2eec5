package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	incoming chan []byte
	closed   chan CloseEvent
	once     sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 8), closed: make(chan CloseEvent, 1)}
}

func (transport *fakeTransport) Send(payload []byte) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	transport.sent = append(transport.sent, payload)
	return nil
}

func (transport *fakeTransport) Incoming() <-chan []byte {
	return transport.incoming
}

func (transport *fakeTransport) Closed() <-chan CloseEvent {
	return transport.closed
}

func (transport *fakeTransport) Close(code int, reason string) error {
	transport.closeWith(CloseEvent{Code: code, Reason: reason, Local: true})
	return nil
}

func (transport *fakeTransport) closeWith(event CloseEvent) {
	transport.once.Do(func() {
		close(transport.incoming)
		transport.closed <- event
		close(transport.closed)
	})
}

type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

type dialResult struct {
	transport *fakeTransport
	err       error
}

func (dialer *scriptedDialer) Dial(ctx context.Context) (Transport, error) {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	dialer.dials++
	if len(dialer.results) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := dialer.results[0]
	dialer.results = dialer.results[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.transport, nil
}

func immediateAfter(delays *[]time.Duration, mu *sync.Mutex) func(time.Duration) <-chan time.Time {
	return func(delay time.Duration) <-chan time.Time {
		mu.Lock()
		*delays = append(*delays, delay)
		mu.Unlock()
		fired := make(chan time.Time, 1)
		fired <- time.Time{}
		return fired
	}
}

func waitForState(t *testing.T, manager *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current %s", want, manager.State())
}

func TestManagerStopsOnNormalClosure(t *testing.T) {
	first := newFakeTransport()
	dialer := &scriptedDialer{results: []dialResult{{transport: first}}}
	var received [][]byte
	manager, err := NewManager(ManagerConfig{
		Dialer:    dialer,
		OnMessage: func(payload []byte) { received = append(received, payload) },
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	first.incoming <- []byte("hello")
	first.closeWith(CloseEvent{Code: CloseNormal})

	if err := manager.Run(context.Background()); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if manager.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", manager.State())
	}
	if len(received) != 1 || string(received[0]) != "hello" {
		t.Fatalf("expected one delivered message, got %q", received)
	}
	if dialer.dials != 1 {
		t.Fatalf("expected no reconnect after normal closure, got %d dials", dialer.dials)
	}
}

func TestManagerReconnectsAfterTransientClosureAndResetsAttempts(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &scriptedDialer{results: []dialResult{
		{transport: first},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{transport: second},
	}}

	var mu sync.Mutex
	var delays []time.Duration
	backoff := DefaultBackoff()
	backoff.Rand = func() float64 { return 0.5 }
	var connections int
	manager, err := NewManager(ManagerConfig{
		Dialer:  dialer,
		Backoff: backoff,
		After:   immediateAfter(&delays, &mu),
		OnConnected: func(Transport) {
			mu.Lock()
			connections++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	first.closeWith(CloseEvent{Code: CloseHeartbeatTimeout})
	done := make(chan error, 1)
	go func() { done <- manager.Run(context.Background()) }()

	waitForState(t, manager, StateConnected)
	deadline := time.Now().Add(2 * time.Second)
	for manager.Attempt() != 0 || dialerCount(dialer) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("expected four dials and reset attempts, got attempt %d", manager.Attempt())
		}
		time.Sleep(time.Millisecond)
	}
	if err := manager.Send([]byte("x")); err != nil {
		t.Fatalf("send on connected manager failed: %v", err)
	}
	second.closeWith(CloseEvent{Code: CloseNormal})
	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{7500 * time.Millisecond, 5 * time.Second, 10 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for index := range want {
		if delays[index] != want[index] {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
	}
	if connections != 2 {
		t.Fatalf("expected two connections, got %d", connections)
	}
}

func dialerCount(dialer *scriptedDialer) int {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	return dialer.dials
}

func TestManagerGivesUpAndManualReconnectRestarts(t *testing.T) {
	results := make([]dialResult, 0, 4)
	for range 3 {
		results = append(results, dialResult{err: errors.New("offline")})
	}
	recovered := newFakeTransport()
	results = append(results, dialResult{transport: recovered})
	dialer := &scriptedDialer{results: results}

	backoff := DefaultBackoff()
	backoff.MaxAttempts = 2
	var mu sync.Mutex
	var delays []time.Duration
	var states []State
	manager, err := NewManager(ManagerConfig{Dialer: dialer, Backoff: backoff, After: immediateAfter(&delays, &mu)})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	manager.OnState(func(state State) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	waitForState(t, manager, StateGaveUp)
	manager.Reconnect()
	waitForState(t, manager, StateConnected)
	if manager.Attempt() != 0 {
		t.Fatalf("expected attempt counter reset on success, got %d", manager.Attempt())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sawGaveUp := false
	for _, state := range states {
		if state == StateGaveUp {
			sawGaveUp = true
		}
	}
	if !sawGaveUp {
		t.Fatalf("expected gave up state to be observed, got %v", states)
	}
}

func TestManualReconnectSupersedesTimer(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &scriptedDialer{results: []dialResult{{transport: first}, {transport: second}}}
	never := make(chan time.Time)
	manager, err := NewManager(ManagerConfig{
		Dialer: dialer,
		After:  func(time.Duration) <-chan time.Time { return never },
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	first.closeWith(CloseEvent{Code: CloseGoingAway})

	done := make(chan error, 1)
	go func() { done <- manager.Run(context.Background()) }()
	waitForState(t, manager, StateWaiting)
	manager.Reconnect()
	waitForState(t, manager, StateConnected)
	second.closeWith(CloseEvent{Code: CloseNormal})
	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	manager, err := NewManager(ManagerConfig{Dialer: &scriptedDialer{}})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	if err := manager.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestNewManagerRequiresDialer(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); !errors.Is(err, ErrMissingDialer) {
		t.Fatalf("expected missing dialer error, got %v", err)
	}
}
