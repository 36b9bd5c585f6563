package relay

import (
	"sync"
	"time"

	"github.com/dkeye/Collab/internal/core"
)

// RateLimiter is a sliding-window limiter per relay member.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewRateLimiter allows limit frames per interval. A non-positive limit
// disables limiting.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(sid core.SessionID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

// Forget drops the history of a member that left.
func (rl *RateLimiter) Forget(sid core.SessionID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, sid)
	rl.mu.Unlock()
}
