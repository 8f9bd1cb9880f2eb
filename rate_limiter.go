package snapmux

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter bounds the inbound message rate of the connections it is
// attached to. Messages over the limit are skipped: ReadMessage returns
// ErrRateLimited and the connection stays open.
//
// A RateLimiter may be shared by every connection a Dialer opens, each
// connection draws from its own bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int
	// connections currently holding a bucket.
	active atomic.Int64

	// Called when a message from the server exceeds the limit.
	OnRateLimitHit func(conn *Conn)
}

// NewRateLimiter allows mps messages per second per connection, with bursts
// of up to burst messages.
func NewRateLimiter(mps, burst int) *RateLimiter {
	return &RateLimiter{limit: rate.Limit(mps), burst: burst}
}

// Active returns the number of open connections using rl.
func (rl *RateLimiter) Active() int {
	return int(rl.active.Load())
}

// attach hands conn a fresh bucket.
func (rl *RateLimiter) attach(conn *Conn) {
	conn.bucket = rate.NewLimiter(rl.limit, rl.burst)
	rl.active.Add(1)
}

// detach is called once, when conn shuts down.
func (rl *RateLimiter) detach(*Conn) {
	rl.active.Add(-1)
}

func (rl *RateLimiter) allow(conn *Conn) bool {
	if conn.bucket == nil || conn.bucket.Allow() {
		return true
	}
	if rl.OnRateLimitHit != nil {
		rl.OnRateLimitHit(conn)
	}
	return false
}
