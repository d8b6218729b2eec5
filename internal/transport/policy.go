package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// WebSocket close codes the reconnection policy distinguishes.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseProtocolError    = 1002
	CloseAbnormal         = 1006
	CloseTLSHandshake     = 1015
	CloseHeartbeatTimeout = 4000
)

// CloseClass groups close codes by how the policy reacts to them.
type CloseClass string

const (
	// ClassTerminal closures are final.
	ClassTerminal CloseClass = "terminal"
	// ClassTransient closures are retried with backoff.
	ClassTransient CloseClass = "transient"
)

// Classify maps a close code to its class. Only a normal closure is terminal; going
// away, protocol-layer codes (1002-1015), heartbeat timeouts and unclassified codes are
// transient.
func Classify(code int) CloseClass {
	if code == CloseNormal {
		return ClassTerminal
	}
	return ClassTransient
}

// ShouldReconnect reports whether a connection closed with code should be retried.
func ShouldReconnect(code int) bool {
	return Classify(code) == ClassTransient
}

// Backoff computes reconnection delays.
type Backoff struct {
	// InitialMin and InitialMax bound the uniformly random first delay.
	InitialMin time.Duration
	InitialMax time.Duration
	// Base and Cap shape the exponential schedule for attempts after the first.
	Base time.Duration
	Cap  time.Duration
	// Jitter is the multiplicative jitter fraction applied to exponential delays.
	Jitter float64
	// MaxAttempts is the number of scheduled attempts before giving up.
	MaxAttempts int
	// Rand returns a uniformly distributed float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the production schedule: a random first delay in [5s, 10s),
// then 5s doubling per attempt up to 180s with ±30% jitter, for at most 30 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialMin:  5 * time.Second,
		InitialMax:  10 * time.Second,
		Base:        5 * time.Second,
		Cap:         180 * time.Second,
		Jitter:      0.3,
		MaxAttempts: 30,
	}
}

func (backoff Backoff) random() float64 {
	if backoff.Rand != nil {
		return backoff.Rand()
	}
	return rand.Float64()
}

// BaseDelay returns the unjittered delay for attempt n >= 1: min(Base*2^(n-1), Cap).
func (backoff Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exponent := float64(attempt - 1)
	delay := float64(backoff.Base) * math.Pow(2, exponent)
	if delay > float64(backoff.Cap) || math.IsInf(delay, 1) {
		return backoff.Cap
	}
	return time.Duration(delay)
}

// Delay returns the wait before attempt. The second result is false once attempt has
// reached MaxAttempts and the caller should give up.
func (backoff Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= backoff.MaxAttempts {
		return 0, false
	}
	if attempt == 0 {
		span := float64(backoff.InitialMax - backoff.InitialMin)
		return backoff.InitialMin + time.Duration(span*backoff.random()), true
	}
	base := float64(backoff.BaseDelay(attempt))
	factor := 1 + backoff.Jitter*(2*backoff.random()-1)
	delay := time.Duration(base * factor)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
