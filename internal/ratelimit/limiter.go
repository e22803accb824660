package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrent client connections
type Limiter struct {
	maxConns atomic.Int64
	current  atomic.Int64
}

// NewLimiter creates a new connection limiter
func NewLimiter(maxConns int64) *Limiter {
	l := &Limiter{}
	l.maxConns.Store(maxConns)
	return l
}

// Allow takes a slot if one is free
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.maxConns.Load() {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a connection slot
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of connections
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed connections
func (l *Limiter) Max() int64 {
	return l.maxConns.Load()
}

// SetMax changes the cap. Connections above a lowered cap are not closed.
func (l *Limiter) SetMax(maxConns int64) {
	l.maxConns.Store(maxConns)
}
