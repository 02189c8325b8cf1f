package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterPruneThreshold bounds the visitor map; crossing it triggers
	// an inline sweep of idle entries.
	limiterPruneThreshold = 1024
	limiterIdleCutoff     = 10 * time.Minute
)

// RateLimitConfig throttles the JSON-RPC endpoint per client address.
// A non-positive rate disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// ClientLimiter tracks one token bucket per client identifier.
type ClientLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewClientLimiter(cfg RateLimitConfig) *ClientLimiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		perSecond: rate.Limit(cfg.RequestsPerMinute / 60.0),
		burst:     burst,
		visitors:  make(map[string]*visitor),
	}
}

// Allow reports whether the client may make a request at now. A nil
// limiter admits everything.
func (l *ClientLimiter) Allow(id string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	entry, ok := l.visitors[id]
	if !ok {
		if len(l.visitors) >= limiterPruneThreshold {
			l.pruneLocked(now.Add(-limiterIdleCutoff))
		}
		entry = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[id] = entry
	}
	entry.seen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (l *ClientLimiter) pruneLocked(cutoff time.Time) {
	for id, entry := range l.visitors {
		if entry.seen.Before(cutoff) {
			delete(l.visitors, id)
		}
	}
}

// clientID identifies the caller for rate limiting. Proxy headers are
// consulted only when the deployment declared them trustworthy.
func clientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := forwarded
			if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
				first = forwarded[:comma]
			}
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
