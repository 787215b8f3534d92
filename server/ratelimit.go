package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastAccess = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// sweep drops clients idle for longer than maxIdle.
func (l *ipLimiter) sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if c.lastAccess.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// startCleanup sweeps idle clients every interval until the returned stop func is called.
func (l *ipLimiter) startCleanup(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Hour)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
