package orch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RestartLimiter is a sliding-window limiter for room restarts, so that the
// offline status, the keepalive ceiling and the monitor reacting to one
// outage end in a single rejoin.
type RestartLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRestartLimiter(limit int, interval time.Duration, clock clockwork.Clock) *RestartLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RestartLimiter{
		clock:    clock,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RestartLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	rl.history[key] = append(fresh, now)
	return true
}
