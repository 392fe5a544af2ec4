package cfw

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles new connections per client IP. Each client gets
// an independent token bucket that refills at a steady rate up to a
// configurable burst.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	// Rate is the number of connections permitted per second per client.
	Rate float64

	// Burst is the maximum number of connections a client can open in a
	// single burst before being throttled.
	Burst int

	// CleanupInterval controls how often stale client entries are
	// removed. Defaults to 1 minute.
	CleanupInterval time.Duration

	Metrics *Metrics

	done chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client limiter. r is connections/second,
// burst the max a client can accumulate.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*clientLimiter),
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a new connection from the given client address
// is permitted.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	c, ok := rl.clients[host]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)}
		rl.clients[host] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	if c.limiter.Allow() {
		return true
	}
	if rl.Metrics != nil {
		rl.Metrics.RecordRateLimited()
	}
	return false
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			staleThreshold := now.Add(-2 * interval)
			for key, c := range rl.clients {
				if c.lastSeen.Before(staleThreshold) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
