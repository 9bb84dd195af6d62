package transport

import (
	"sync"
	"time"
)

// rateLimiter is a sliding window limiter with backoff. Going over the
// limit blocks the peer for baseBackoff; going over again before the window
// has drained doubles the block, up to maxBackoff. Attempts made while
// blocked are rejected without extending the block.
type rateLimiter struct {
	mutex sync.Mutex

	max        int
	window     time.Duration
	timestamps []time.Time

	violations   int
	backoffUntil time.Time

	baseBackoff time.Duration
	maxBackoff  time.Duration

	now func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:         max,
		window:      window,
		timestamps:  make([]time.Time, 0, max),
		baseBackoff: time.Second,
		maxBackoff:  time.Minute,
		now:         time.Now,
	}
}

// Allow records an attempt and reports whether it is within the limit.
func (rl *rateLimiter) Allow() bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()

	if now.Before(rl.backoffUntil) {
		return false
	}

	rl.expire(now)

	if rl.violations > 0 && len(rl.timestamps) == 0 {
		rl.violations = 0
		rl.backoffUntil = time.Time{}
	}

	if len(rl.timestamps) >= rl.max {
		rl.recordViolation(now)
		return false
	}

	rl.timestamps = append(rl.timestamps, now)
	return true
}

// Violations returns how many times the peer went over the limit since it
// last drained its window.
func (rl *rateLimiter) Violations() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return rl.violations
}

// must hold mutex
func (rl *rateLimiter) recordViolation(now time.Time) {
	rl.violations++

	backoff := rl.baseBackoff
	for i := 1; i < rl.violations && backoff < rl.maxBackoff; i++ {
		backoff *= 2
	}
	backoff = min(backoff, rl.maxBackoff)
	rl.backoffUntil = now.Add(backoff)
}

// must hold mutex
func (rl *rateLimiter) expire(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.timestamps) && !rl.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(rl.timestamps, rl.timestamps[i:])
		rl.timestamps = rl.timestamps[:n]
	}
}
