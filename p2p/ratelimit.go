package p2p

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InboundLimiter throttles inbound connection churn per source host so
// one address cannot monopolize accept slots by reconnecting in a loop.
// A nil limiter allows everything.
type InboundLimiter struct {
	perMinute float64
	burst     int

	mu      sync.Mutex
	sources map[string]*inboundSource
}

type inboundSource struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewInboundLimiter allows perMinute connections per host with the
// given burst. A non-positive rate disables limiting.
func NewInboundLimiter(perMinute float64, burst int) *InboundLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &InboundLimiter{
		perMinute: perMinute,
		burst:     burst,
		sources:   make(map[string]*inboundSource),
	}
}

// Allow reports whether a connection from endpoint may proceed at now.
func (l *InboundLimiter) Allow(endpoint string, now time.Time) bool {
	if l == nil {
		return true
	}
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	if host == "" {
		return true
	}
	l.mu.Lock()
	src := l.sources[host]
	if src == nil {
		src = &inboundSource{limiter: rate.NewLimiter(rate.Limit(l.perMinute/60.0), l.burst)}
		l.sources[host] = src
	}
	src.seen = now
	l.mu.Unlock()
	return src.limiter.AllowN(now, 1)
}

// Prune drops per-host state idle since before cutoff and returns how
// many entries went.
func (l *InboundLimiter) Prune(cutoff time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for host, src := range l.sources {
		if src.seen.Before(cutoff) {
			delete(l.sources, host)
			pruned++
		}
	}
	return pruned
}
