// Package ratelimit wraps golang.org/x/time/rate into the two
// token-bucket limiters the signaling server needs: one at connect
// time keyed by peer IP, one per message on each live connection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerIPLimiter rate-limits new WebSocket connections by remote IP.
type PerIPLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	byIP     map[string]*rate.Limiter
}

// NewPerIPLimiter builds a limiter allowing rps connections/sec per IP,
// up to burst at once.
func NewPerIPLimiter(rps float64, burst int) *PerIPLimiter {
	return &PerIPLimiter{rps: rate.Limit(rps), burst: burst, byIP: make(map[string]*rate.Limiter)}
}

// Allow reports whether a new connection from ip may proceed.
func (p *PerIPLimiter) Allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.byIP[ip]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.byIP[ip] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// MessageLimiter rate-limits inbound messages on a single connection.
// Exhaustion emits an EnvelopeError(429) but never closes the socket
// (spec.md §4.3 Rate limiting).
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter builds a per-connection message limiter allowing
// rps messages/sec with the given burst.
func NewMessageLimiter(rps float64, burst int) *MessageLimiter {
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether the next inbound message may be processed.
func (m *MessageLimiter) Allow() bool {
	return m.limiter.Allow()
}

// Reserve returns how long the caller would need to wait for the next
// token, useful for logging/metrics without consuming a token.
func (m *MessageLimiter) Reserve() time.Duration {
	r := m.limiter.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}
