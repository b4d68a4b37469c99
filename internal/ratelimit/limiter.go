package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a per-session sliding window. Each session holds a
// trimmed timestamp slice; the check runs before any database work and the
// timestamp is recorded before query execution, so an aborted request still
// counts and cannot corrupt the window.
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	sessions  map[string]*sessionWindow
	lastPrune time.Time
}

type sessionWindow struct {
	stamps []time.Time
}

// New creates a limiter allowing max requests per window per session
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:      max,
		window:   window,
		sessions: map[string]*sessionWindow{},
	}
}

// Allow records a request attempt for the session. When the window is full
// it rejects and returns how long until the oldest entry exits the window,
// rounded up to whole seconds so clients get a usable Retry-After.
func (l *Limiter) Allow(sessionID string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneIdle(now)

	sw := l.sessions[sessionID]
	if sw == nil {
		sw = &sessionWindow{}
		l.sessions[sessionID] = sw
	}

	cutoff := now.Add(-l.window)
	kept := sw.stamps[:0]
	for _, t := range sw.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sw.stamps = kept

	if len(sw.stamps) >= l.max {
		retryAfter := sw.stamps[0].Add(l.window).Sub(now)
		return false, ceilSeconds(retryAfter)
	}

	sw.stamps = append(sw.stamps, now)
	return true, 0
}

// pruneIdle drops sessions whose newest timestamp fell out of the window.
// Runs at most once per window so hot paths stay O(own session).
func (l *Limiter) pruneIdle(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now

	cutoff := now.Add(-l.window)
	for id, sw := range l.sessions {
		if len(sw.stamps) == 0 || !sw.stamps[len(sw.stamps)-1].After(cutoff) {
			delete(l.sessions, id)
		}
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
