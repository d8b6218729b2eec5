package transport

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestCloseClassification(t *testing.T) {
	testCases := []struct {
		code      int
		reconnect bool
	}{
		{code: CloseNormal, reconnect: false},
		{code: CloseGoingAway, reconnect: true},
		{code: CloseProtocolError, reconnect: true},
		{code: 1003, reconnect: true},
		{code: CloseAbnormal, reconnect: true},
		{code: 1011, reconnect: true},
		{code: CloseTLSHandshake, reconnect: true},
		{code: CloseHeartbeatTimeout, reconnect: true},
		{code: 4999, reconnect: true},
		{code: 0, reconnect: true},
	}
	for _, testCase := range testCases {
		if got := ShouldReconnect(testCase.code); got != testCase.reconnect {
			t.Errorf("code %d: expected reconnect=%v, got %v", testCase.code, testCase.reconnect, got)
		}
	}
}

func TestFirstAttemptIsRandomWithinInitialWindow(t *testing.T) {
	backoff := DefaultBackoff()
	for _, sample := range []float64{0, 0.25, 0.5, 0.999999} {
		backoff.Rand = func() float64 { return sample }
		delay, ok := backoff.Delay(0)
		if !ok {
			t.Fatalf("expected attempt 0 to be scheduled")
		}
		if delay < 5*time.Second || delay >= 10*time.Second {
			t.Fatalf("sample %v: delay %s outside [5s, 10s)", sample, delay)
		}
	}
}

func TestBackoffEnvelope(t *testing.T) {
	backoff := DefaultBackoff()
	source := rand.New(rand.NewPCG(42, 7))
	backoff.Rand = source.Float64

	previous := time.Duration(0)
	for attempt := 1; attempt < backoff.MaxAttempts; attempt++ {
		base := backoff.BaseDelay(attempt)
		if base < previous {
			t.Fatalf("attempt %d: unjittered delay %s decreased from %s", attempt, base, previous)
		}
		if base > backoff.Cap {
			t.Fatalf("attempt %d: unjittered delay %s exceeds cap", attempt, base)
		}
		previous = base

		for sample := 0; sample < 50; sample++ {
			delay, ok := backoff.Delay(attempt)
			if !ok {
				t.Fatalf("attempt %d: expected a delay", attempt)
			}
			lower := time.Duration(float64(base) * 0.7)
			upper := time.Duration(float64(base) * 1.3)
			if delay < 0 || delay < lower-time.Nanosecond || delay > upper+time.Nanosecond {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, delay, lower, upper)
			}
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	backoff := DefaultBackoff()
	expected := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		6: 160 * time.Second,
		7: 180 * time.Second,
		29: 180 * time.Second,
	}
	for attempt, want := range expected {
		if got := backoff.BaseDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	backoff := DefaultBackoff()
	if _, ok := backoff.Delay(backoff.MaxAttempts - 1); !ok {
		t.Fatalf("expected last attempt to be scheduled")
	}
	if _, ok := backoff.Delay(backoff.MaxAttempts); ok {
		t.Fatalf("expected give up after %d attempts", backoff.MaxAttempts)
	}
}
