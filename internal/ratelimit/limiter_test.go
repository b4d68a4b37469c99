package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_WindowEnforced(t *testing.T) {
	l := New(15, 10*time.Second)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 15; i++ {
		ok, _ := l.Allow("s1", now.Add(time.Duration(i)*50*time.Millisecond))
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retry := l.Allow("s1", now.Add(time.Second))
	if ok {
		t.Fatalf("16th request inside the window should be rejected")
	}
	if retry < time.Second {
		t.Errorf("retry-after should be at least a second, got %v", retry)
	}
	if retry%time.Second != 0 {
		t.Errorf("retry-after should be whole seconds, got %v", retry)
	}
}

func TestLimiter_SlidesOpen(t *testing.T) {
	l := New(2, 10*time.Second)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	l.Allow("s1", now)
	l.Allow("s1", now.Add(time.Second))

	if ok, _ := l.Allow("s1", now.Add(2*time.Second)); ok {
		t.Fatalf("third request should be rejected")
	}

	// First timestamp leaves the window at now+10s
	if ok, _ := l.Allow("s1", now.Add(11*time.Second)); !ok {
		t.Fatalf("request after oldest entry expired should be allowed")
	}
}

func TestLimiter_SessionsIsolated(t *testing.T) {
	l := New(1, 10*time.Second)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Allow("a", now); !ok {
		t.Fatalf("first request for a should be allowed")
	}
	if ok, _ := l.Allow("b", now); !ok {
		t.Fatalf("a's usage must not count against b")
	}
	if ok, _ := l.Allow("a", now.Add(time.Second)); ok {
		t.Fatalf("a should be throttled")
	}
}

func TestLimiter_RejectedRequestDoesNotExtendWindow(t *testing.T) {
	l := New(1, 10*time.Second)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	l.Allow("s1", now)
	// Hammering while throttled must not push the reset further out
	for i := 1; i <= 5; i++ {
		l.Allow("s1", now.Add(time.Duration(i)*time.Second))
	}
	if ok, _ := l.Allow("s1", now.Add(11*time.Second)); !ok {
		t.Fatalf("window should reopen once the accepted request ages out")
	}
}
