package p2p

import (
	"sync"
	"sync/atomic"
	"time"
)

// PeerParams seeds a handle at registration time. Close, when set, tears
// down the underlying transport; the registry never touches sockets
// directly.
type PeerParams struct {
	Addr           string
	LocalAddr      string
	Inbound        bool
	Services       uint64
	Version        int32
	UserAgent      string
	StartingHeight int32
	Whitelisted    bool
	Close          func()
}

// PeerHandle is the live in-memory record for one connection. The
// registry owns every handle; state only leaves as a copied PeerStats.
type PeerHandle struct {
	id          int64
	addr        string
	inbound     bool
	connectedAt time.Time
	closeFn     func()
	closed      atomic.Bool

	mu             sync.Mutex
	localAddr      string
	services       uint64
	version        int32
	userAgent      string
	startingHeight int32
	whitelisted    bool
	lastSend       time.Time
	lastRecv       time.Time
	bytesSent      uint64
	bytesRecv      uint64
	msgsSent       uint64
	msgsRecv       uint64
	pingQueued     bool
	pingSentAt     time.Time
	pingTime       time.Duration
}

// PeerStats is a point-in-time copy of a handle's state, detached from
// the live handle and safe to hold after the registry lock is released.
type PeerStats struct {
	ID             int64
	Addr           string
	LocalAddr      string
	Services       uint64
	Inbound        bool
	Whitelisted    bool
	Version        int32
	UserAgent      string
	StartingHeight int32
	ConnectedAt    time.Time
	LastSend       time.Time
	LastRecv       time.Time
	BytesSent      uint64
	BytesRecv      uint64
	MsgsSent       uint64
	MsgsRecv       uint64
	PingTime       time.Duration
	PingWait       time.Duration
	PingQueued     bool
}

// Direction renders the connection direction for operator surfaces.
func (s PeerStats) Direction() string {
	if s.Inbound {
		return "inbound"
	}
	return "outbound"
}

func (p *PeerHandle) ID() int64 {
	return p.id
}

func (p *PeerHandle) Addr() string {
	return p.addr
}

func (p *PeerHandle) Inbound() bool {
	return p.inbound
}

// RecordSend accounts outbound traffic on the handle.
func (p *PeerHandle) RecordSend(bytes uint64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesSent += bytes
	p.msgsSent++
	p.lastSend = at
}

// RecordRecv accounts inbound traffic on the handle.
func (p *PeerHandle) RecordRecv(bytes uint64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesRecv += bytes
	p.msgsRecv++
	p.lastRecv = at
}

// QueuePing marks the handle for a ping on its next send cycle.
func (p *PeerHandle) QueuePing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingQueued = true
}

// TakeQueuedPing consumes a queued ping request, recording at as the ping
// departure time. It reports whether a ping was actually queued.
func (p *PeerHandle) TakeQueuedPing(at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pingQueued {
		return false
	}
	p.pingQueued = false
	p.pingSentAt = at
	return true
}

// CompletePing resolves the outstanding ping, updating the measured round
// trip. A pong with no ping outstanding is ignored.
func (p *PeerHandle) CompletePing(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pingSentAt.IsZero() {
		return
	}
	if rtt := at.Sub(p.pingSentAt); rtt > 0 {
		p.pingTime = rtt
	}
	p.pingSentAt = time.Time{}
}

// SetLocalAddr records the local endpoint once the transport reports it.
func (p *PeerHandle) SetLocalAddr(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localAddr = addr
}

// Stats copies the handle state as of the supplied clock reading.
func (p *PeerHandle) Stats(at time.Time) PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PeerStats{
		ID:             p.id,
		Addr:           p.addr,
		LocalAddr:      p.localAddr,
		Services:       p.services,
		Inbound:        p.inbound,
		Whitelisted:    p.whitelisted,
		Version:        p.version,
		UserAgent:      p.userAgent,
		StartingHeight: p.startingHeight,
		ConnectedAt:    p.connectedAt,
		LastSend:       p.lastSend,
		LastRecv:       p.lastRecv,
		BytesSent:      p.bytesSent,
		BytesRecv:      p.bytesRecv,
		MsgsSent:       p.msgsSent,
		MsgsRecv:       p.msgsRecv,
		PingTime:       p.pingTime,
		PingQueued:     p.pingQueued,
	}
	if !p.pingSentAt.IsZero() && at.After(p.pingSentAt) {
		stats.PingWait = at.Sub(p.pingSentAt)
	}
	return stats
}

// close tears down the transport exactly once.
func (p *PeerHandle) close() {
	if p.closed.CompareAndSwap(false, true) && p.closeFn != nil {
		p.closeFn()
	}
}
