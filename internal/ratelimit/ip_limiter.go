package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter limits concurrent connections and the connection rate per IP
type IPLimiter struct {
	maxConnsPerIP int
	rateLimit     int // connections per second per IP

	mu          sync.Mutex
	ipConns     map[string]int64
	ipRates     map[string]*ipRate
	lastCleanup time.Time
}

type ipRate struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a new IP-based rate limiter. A rateLimit <= 0
// disables the rate check.
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		ipConns:       make(map[string]int64),
		ipRates:       make(map[string]*ipRate),
		lastCleanup:   time.Now(),
	}
}

// Allow checks if a connection from ip is allowed and takes a slot if so
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCleanup) > 5*time.Minute {
		l.cleanup(now)
		l.lastCleanup = now
	}

	if l.maxConnsPerIP > 0 && l.ipConns[ip] >= int64(l.maxConnsPerIP) {
		return false
	}

	if l.rateLimit > 0 {
		r, ok := l.ipRates[ip]
		if !ok {
			r = &ipRate{limiter: rate.NewLimiter(rate.Limit(l.rateLimit), l.rateLimit)}
			l.ipRates[ip] = r
		}
		r.lastSeen = now
		if !r.limiter.AllowN(now, 1) {
			return false
		}
	}

	l.ipConns[ip]++
	return true
}

// Release releases a connection slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok && count > 0 {
		l.ipConns[ip] = count - 1
		if l.ipConns[ip] == 0 {
			delete(l.ipConns, ip)
		}
	}
}

// cleanup drops token buckets of IPs with no open connection that have been quiet for a minute
func (l *IPLimiter) cleanup(now time.Time) {
	for ip, r := range l.ipRates {
		if l.ipConns[ip] == 0 && now.Sub(r.lastSeen) > time.Minute {
			delete(l.ipRates, ip)
		}
	}
}

// GetStats returns the open connection count and remaining tokens for an IP
func (l *IPLimiter) GetStats(ip string) (connCount int64, tokens float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	connCount = l.ipConns[ip]
	if r, ok := l.ipRates[ip]; ok {
		tokens = r.limiter.Tokens()
	}
	return
}
