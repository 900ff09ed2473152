package proxy

import (
	"math"
	"testing"
	"time"
)

func TestReconnectorDelayBounds(t *testing.T) {
	r := NewReconnector(20)

	for attempt := 1; attempt <= 15; attempt++ {
		exp := attempt - 1
		if exp > reconnectExpCap {
			exp = reconnectExpCap
		}
		ideal := float64(reconnectBase) * math.Pow(1.5, float64(exp))
		if ideal > float64(reconnectCap) {
			ideal = float64(reconnectCap)
		}
		lo := time.Duration(ideal * jitterMin)
		hi := time.Duration(ideal * jitterMax)

		// Jitter is random; sample a few times per attempt.
		for i := 0; i < 20; i++ {
			d := r.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestReconnectorDelayExponentCapped(t *testing.T) {
	r := NewReconnector(100)
	// Far past the exponent cap the delay must stop growing.
	d20 := r.Delay(20)
	limit := time.Duration(float64(reconnectBase) * math.Pow(1.5, reconnectExpCap) * jitterMax)
	if d20 > limit {
		t.Errorf("delay %v exceeds capped maximum %v", d20, limit)
	}
}

func TestReconnectorScheduleFires(t *testing.T) {
	r := NewReconnector(5)
	fired := make(chan struct{}, 1)

	delay, err := r.Schedule(1, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(delay + 2*time.Second):
		t.Fatal("scheduled callback never fired")
	}
}

func TestReconnectorScheduleExhausted(t *testing.T) {
	r := NewReconnector(2)

	if _, err := r.Schedule(2, func() {}); err != nil {
		t.Fatalf("attempt 2 of 2 should schedule, got %v", err)
	}
	r.Cancel()

	if _, err := r.Schedule(3, func() {}); err != ErrAttemptsExhausted {
		t.Fatalf("attempt 3 of 2 should be exhausted, got %v", err)
	}
}

func TestReconnectorCancel(t *testing.T) {
	r := NewReconnector(5)
	fired := make(chan struct{}, 1)

	if _, err := r.Schedule(1, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	r.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer still fired")
	case <-time.After(1500 * time.Millisecond):
	}
}
