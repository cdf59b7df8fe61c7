package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many trace dumps may be triggered within any
// trailing window, so an admin with a valid token still cannot hammer the
// recorder's flush path. A nil limiter, or one built with a non-positive
// window or limit, admits every call.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter builds a limiter admitting up to limit calls per
// window. timeSource may be nil outside tests.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &SlidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether another call fits in the window, recording it when it
// does. Denied calls are not recorded and do not extend the lockout.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	//1.- Expire timestamps that have slid out of the trailing window.
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	//2.- Admit only while the window still has budget.
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
