package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands every client its own token bucket of limit messages per
// interval.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	every   rate.Limit
	burst   int
	now     func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rate.Limiter),
		every:   rate.Every(interval / time.Duration(limit)),
		burst:   limit,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.clients[key]
	if !ok {
		l = rate.NewLimiter(rl.every, rl.burst)
		rl.clients[key] = l
	}
	rl.mu.Unlock()
	return l.AllowN(rl.now(), 1)
}

// Forget drops the bucket of key.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.clients, key)
	rl.mu.Unlock()
}
