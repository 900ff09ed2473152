package proxy

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Exponential backoff parameters for upstream reconnects. The exponent is
// capped so the delay curve flattens near the ceiling instead of overflowing.
const (
	reconnectBase   = 1000 * time.Millisecond
	reconnectCap    = 60 * time.Second
	reconnectExpCap = 10

	jitterMin = 0.85
	jitterMax = 1.15
)

// ErrAttemptsExhausted is returned by Schedule when the attempt number
// exceeds the configured maximum. The caller surfaces a terminal failure
// instead of retrying.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Reconnector computes backoff delays and owns the single outstanding retry
// timer for one TCPSession. At most one timer is pending at a time; a new
// Schedule replaces a pending one and Cancel aborts it.
type Reconnector struct {
	maxAttempts int

	mu    sync.Mutex
	timer *time.Timer
}

// NewReconnector creates a reconnector allowing maxAttempts retries.
func NewReconnector(maxAttempts int) *Reconnector {
	return &Reconnector{maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured retry ceiling.
func (r *Reconnector) MaxAttempts() int {
	return r.maxAttempts
}

// Delay computes the backoff for a 1-based attempt number:
// min(base * 1.5^(attempt-1), cap) scaled by uniform jitter in
// [jitterMin, jitterMax]. Jitter keeps a fleet of clients chasing the same
// dead upstream from reconnecting in lockstep.
func (r *Reconnector) Delay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > reconnectExpCap {
		exp = reconnectExpCap
	}
	d := float64(reconnectBase) * math.Pow(1.5, float64(exp))
	if d > float64(reconnectCap) {
		d = float64(reconnectCap)
	}
	jitter := jitterMin + (jitterMax-jitterMin)*rand.Float64()
	return time.Duration(d * jitter)
}

// Schedule arms the retry timer for the given attempt and invokes fn when it
// expires. Returns the chosen delay, or ErrAttemptsExhausted when attempt
// exceeds the maximum. A previously pending timer is replaced.
func (r *Reconnector) Schedule(attempt int, fn func()) (time.Duration, error) {
	if attempt > r.maxAttempts {
		return 0, ErrAttemptsExhausted
	}
	delay := r.Delay(attempt)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, fn)
	return delay, nil
}

// Cancel aborts a pending retry, if any.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
