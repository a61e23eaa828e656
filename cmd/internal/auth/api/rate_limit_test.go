package authapi

import (
	"net"
	"testing"
	"time"
)

func TestIPLimiter_PerIPBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 1)
	a, b := net.ParseIP("198.51.100.1"), net.ParseIP("198.51.100.2")

	if ok, _ := l.allow(a, now); !ok {
		t.Fatalf("first request from a denied")
	}
	ok, retry := l.allow(a, now)
	if ok || retry != time.Second {
		t.Fatalf("second request from a: ok=%v retry=%v", ok, retry)
	}
	if ok, _ := l.allow(b, now); !ok {
		t.Fatalf("b must have its own bucket")
	}
	// A denied attempt does not consume the pending token.
	if ok, _ := l.allow(a, now.Add(time.Second)); !ok {
		t.Fatalf("a denied after refill")
	}
}

func TestIPLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(5, 5)

	l.allow(net.ParseIP("198.51.100.1"), now)
	l.allow(nil, now)
	if l.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.size())
	}

	l.allow(net.ParseIP("198.51.100.3"), now.Add(limiterIdleTTL+time.Second))
	if l.size() != 1 {
		t.Fatalf("idle buckets not evicted, size %d", l.size())
	}
}

func TestIPLimiter_Disabled(t *testing.T) {
	l := newIPLimiter(0, 0)
	if l != nil {
		t.Fatalf("expected nil limiter")
	}
	for i := 0; i < 100; i++ {
		if ok, _ := l.allow(nil, time.Time{}); !ok {
			t.Fatalf("nil limiter denied")
		}
	}
}
