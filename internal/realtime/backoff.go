package realtime

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff computes reconnect delays: base*2^attempt plus up to base/2 of
// jitter, capped at max. The attempt counter resets once a connection has
// stayed up longer than the stability window.
type Backoff struct {
	base        time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stability   time.Duration

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time

	jitter func() float64
	now    func() time.Time
}

// NewBackoff creates a backoff. maxAttempts of zero means unlimited.
func NewBackoff(base, maxDelay time.Duration, maxAttempts int, stability time.Duration) *Backoff {
	return &Backoff{
		base:        base,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		stability:   stability,
		jitter:      rand.Float64,
		now:         time.Now,
	}
}

// Delay returns the capped delay for attempt. jitter is a fraction in [0,1)
// of half the base delay.
func Delay(base, maxDelay time.Duration, attempt int, jitter float64) time.Duration {
	d := float64(base)*math.Pow(2, float64(attempt)) + jitter*float64(base)*0.5
	return time.Duration(math.Min(d, float64(maxDelay)))
}

// ShouldRetry reports whether the attempt budget allows another reconnect.
func (b *Backoff) ShouldRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle()
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

// Next returns the delay before the next attempt and the attempt's
// 1-based number.
func (b *Backoff) Next() (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle()
	d := Delay(b.base, b.maxDelay, b.attempt, b.jitter())
	b.attempt++
	return d, b.attempt
}

// MarkConnected records the start of a connection.
func (b *Backoff) MarkConnected() {
	b.mu.Lock()
	b.connectedAt = b.now()
	b.mu.Unlock()
}

// Reset clears the attempt counter and connection timestamp.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.connectedAt = time.Time{}
	b.mu.Unlock()
}

// Attempt returns the number of attempts scheduled since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *Backoff) settle() {
	if !b.connectedAt.IsZero() && b.now().Sub(b.connectedAt) > b.stability {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
}
