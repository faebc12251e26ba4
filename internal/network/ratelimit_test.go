package network

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	lim := newRateLimiter(2, time.Second)
	lim.now = func() time.Time { return now }
	if !lim.allow("1.2.3.4") || !lim.allow("1.2.3.4") {
		t.Fatalf("expected first two messages allowed")
	}
	if lim.allow("1.2.3.4") {
		t.Fatalf("expected third message limited")
	}
	if !lim.allow("2.3.4.5") {
		t.Fatalf("expected separate ip allowed")
	}
	now = now.Add(1500 * time.Millisecond)
	if !lim.allow("1.2.3.4") {
		t.Fatalf("expected allow after window reset")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	lim := newRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !lim.allow("1.2.3.4") {
			t.Fatalf("zero limit must not limit")
		}
	}
	var nilLim *rateLimiter
	if !nilLim.allow("x") {
		t.Fatalf("nil limiter must allow")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	lim := newRateLimiter(1, time.Second)
	lim.now = func() time.Time { return now }
	lim.allow("a")
	now = now.Add(2 * time.Second)
	lim.allow("b")
	lim.prune()
	if _, ok := lim.buckets["a"]; ok {
		t.Fatalf("expected expired bucket pruned")
	}
	if _, ok := lim.buckets["b"]; !ok {
		t.Fatalf("expected live bucket kept")
	}
}
