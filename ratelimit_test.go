package cfw

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow_Basic(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	for i := 0; i < 5; i++ {
		if !rl.Allow("192.168.1.1:1234") {
			t.Fatal("first 5 connections should be allowed (burst)")
		}
	}

	if rl.Allow("192.168.1.1:1234") {
		t.Fatal("6th connection should be denied (burst exhausted)")
	}
}

func TestRateLimiter_Allow_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 2)
	defer rl.Close()

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")

	if rl.Allow("10.0.0.1:5000") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(25 * time.Millisecond)

	if !rl.Allow("10.0.0.1:5000") {
		t.Fatal("should be allowed after refill")
	}
}

func TestRateLimiter_Allow_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	if !rl.Allow("10.1.1.1:1") {
		t.Fatal("client A first connection should be allowed")
	}

	if !rl.Allow("10.2.2.2:1") {
		t.Fatal("client B first connection should be allowed (independent bucket)")
	}

	if rl.Allow("10.1.1.1:2") {
		t.Fatal("client A second connection should be denied")
	}
}

func TestRateLimiter_Allow_SamePortIgnored(t *testing.T) {
	// Buckets key on the host, not the ephemeral port.
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	rl.Allow("192.168.1.1:1111")
	if rl.Allow("192.168.1.1:2222") {
		t.Fatal("same host on a different port should share the bucket")
	}
}

func TestRateLimiter_Allow_NoPort(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("address without port should work")
	}
}

func TestRateLimiter_BurstCap(t *testing.T) {
	rl := NewRateLimiter(1000, 3)
	defer rl.Close()

	rl.Allow("10.9.9.9:1")
	rl.Allow("10.9.9.9:1")
	rl.Allow("10.9.9.9:1")

	time.Sleep(100 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow("10.9.9.9:1") {
			allowed++
		}
	}

	if allowed > 3 {
		t.Errorf("allowed %d > burst cap 3", allowed)
	}
}

func TestRateLimiter_ClientCount(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	rl.Allow("10.0.0.1:1")
	rl.Allow("10.0.0.2:1")
	rl.Allow("10.0.0.3:1")

	if n := rl.ClientCount(); n != 3 {
		t.Errorf("ClientCount = %d, want 3", n)
	}
}

func TestRateLimiter_Close_Idempotent(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	rl.Close()
	rl.Close()
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := &RateLimiter{
		clients:         make(map[string]*clientLimiter),
		Rate:            10,
		Burst:           5,
		CleanupInterval: 500 * time.Millisecond,
		done:            make(chan struct{}),
	}

	now := time.Now()
	rl.mu.Lock()
	rl.clients["stale"] = &clientLimiter{lastSeen: now.Add(-5 * time.Minute)}
	rl.clients["fresh"] = &clientLimiter{lastSeen: now}
	rl.mu.Unlock()

	go rl.cleanup()
	defer rl.Close()

	time.Sleep(700 * time.Millisecond)

	rl.mu.Lock()
	_, hasStale := rl.clients["stale"]
	_, hasFresh := rl.clients["fresh"]
	rl.mu.Unlock()

	if hasStale {
		t.Error("stale client should have been cleaned up")
	}
	if !hasFresh {
		t.Error("fresh client should still exist")
	}
}

func TestRateLimiter_Metrics(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()
	rl.Metrics = NewMetrics()

	rl.Allow("10.5.5.5:1")
	if rl.Allow("10.5.5.5:2") {
		t.Fatal("second connection should be denied")
	}
}
