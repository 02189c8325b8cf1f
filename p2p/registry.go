package p2p

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxPeers bounds the total connection count when the caller
	// does not configure one.
	DefaultMaxPeers = 125
	// DefaultMaxInbound bounds inbound connections, leaving headroom for
	// outbound slots under the total cap.
	DefaultMaxInbound = DefaultMaxPeers - 8
)

// RegistryConfig carries the tunables for a peer registry.
type RegistryConfig struct {
	MaxPeers   int
	MaxInbound int
	// Whitelist holds subnets whose peers are flagged as whitelisted on
	// registration regardless of what the caller passed.
	Whitelist []Subnet
	Feed      *EventFeed
	NowFunc   func() time.Time
	Logger    *slog.Logger
}

// Registry tracks every live peer connection. Handles are kept in
// registration order; identifiers are assigned once and never reused for
// the lifetime of the process.
type Registry struct {
	mu     sync.RWMutex
	peers  []*PeerHandle
	byID   map[int64]*PeerHandle
	nextID int64

	inbound  int
	outbound int

	// Byte totals for connections that have since closed. Live handle
	// counters are folded in on read so totals never move backwards.
	departedSent uint64
	departedRecv uint64

	active atomic.Bool

	maxPeers   int
	maxInbound int
	whitelist  []Subnet
	feed       *EventFeed
	now        func() time.Time
	logger     *slog.Logger
	metrics    *networkMetrics
}

// NewRegistry builds a registry with networking active.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		byID:       make(map[int64]*PeerHandle),
		nextID:     1,
		maxPeers:   cfg.MaxPeers,
		maxInbound: cfg.MaxInbound,
		whitelist:  append([]Subnet(nil), cfg.Whitelist...),
		feed:       cfg.Feed,
		now:        cfg.NowFunc,
		logger:     cfg.Logger,
		metrics:    newNetworkMetrics(),
	}
	if r.maxPeers <= 0 {
		r.maxPeers = DefaultMaxPeers
	}
	if r.maxInbound <= 0 || r.maxInbound > r.maxPeers {
		r.maxInbound = r.maxPeers
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.active.Store(true)
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default().With("component", "p2p")
}

// Active reports whether networking is switched on.
func (r *Registry) Active() bool {
	return r.active.Load()
}

// ToggleActive flips the networking flag and returns the new state.
// Existing connections are left alone; only connection-creating paths
// consult the flag.
func (r *Registry) ToggleActive() bool {
	for {
		cur := r.active.Load()
		if r.active.CompareAndSwap(cur, !cur) {
			next := !cur
			r.log().Info("network activity switched", "active", next)
			return next
		}
	}
}

// Register admits a connection and returns its handle. It fails when
// networking is disabled or a connection cap would be exceeded.
func (r *Registry) Register(params PeerParams) (*PeerHandle, error) {
	if !r.active.Load() {
		return nil, ErrNetworkDisabled
	}
	whitelisted := params.Whitelisted
	if !whitelisted {
		for _, sn := range r.whitelist {
			if sn.ContainsHost(params.Addr) {
				whitelisted = true
				break
			}
		}
	}

	r.mu.Lock()
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		return nil, ErrTooManyPeers
	}
	if params.Inbound && r.inbound >= r.maxInbound {
		r.mu.Unlock()
		return nil, ErrTooManyPeers
	}
	handle := &PeerHandle{
		id:             r.nextID,
		addr:           params.Addr,
		inbound:        params.Inbound,
		connectedAt:    r.now(),
		closeFn:        params.Close,
		localAddr:      params.LocalAddr,
		services:       params.Services,
		version:        params.Version,
		userAgent:      params.UserAgent,
		startingHeight: params.StartingHeight,
		whitelisted:    whitelisted,
	}
	r.nextID++
	r.peers = append(r.peers, handle)
	r.byID[handle.id] = handle
	if params.Inbound {
		r.inbound++
	} else {
		r.outbound++
	}
	inCount, outCount := r.inbound, r.outbound
	r.mu.Unlock()

	r.metrics.setPeerCounts(inCount, outCount)
	r.feed.Publish(Event{
		Type:      EventPeerConnected,
		Time:      handle.connectedAt,
		Addr:      handle.addr,
		Direction: directionLabel(handle.inbound),
	})
	r.log().Info("peer registered",
		"peer", handle.addr,
		"id", handle.id,
		"direction", directionLabel(handle.inbound),
	)
	return handle, nil
}

// removeLocked detaches the handle from the registry without closing it.
// Caller holds the write lock.
func (r *Registry) removeLocked(handle *PeerHandle) {
	if _, ok := r.byID[handle.id]; !ok {
		return
	}
	delete(r.byID, handle.id)
	for i, p := range r.peers {
		if p.id == handle.id {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	if handle.inbound {
		r.inbound--
	} else {
		r.outbound--
	}
	stats := handle.Stats(r.now())
	r.departedSent += stats.BytesSent
	r.departedRecv += stats.BytesRecv
}

func (r *Registry) finishRemoval(handle *PeerHandle, reason string) {
	handle.close()
	r.mu.RLock()
	inCount, outCount := r.inbound, r.outbound
	r.mu.RUnlock()
	r.metrics.setPeerCounts(inCount, outCount)
	r.metrics.recordDisconnect(reason)
	r.feed.Publish(Event{
		Type:      EventPeerDisconnected,
		Time:      r.now(),
		Addr:      handle.addr,
		Direction: directionLabel(handle.inbound),
		Reason:    reason,
	})
	r.log().Info("peer removed", "peer", handle.addr, "id", handle.id, "reason", reason)
}

// Drop removes a peer by identifier, typically when its transport dies.
// Removal is idempotent; the second caller is a no-op.
func (r *Registry) Drop(id int64, reason string) bool {
	r.mu.Lock()
	handle, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(handle)
	r.mu.Unlock()

	if reason == "" {
		reason = "transport closed"
	}
	r.finishRemoval(handle, reason)
	return true
}

// DisconnectAddress removes the peer whose address string matches addr
// exactly. ErrPeerNotConnected is returned when no live peer matches.
func (r *Registry) DisconnectAddress(addr string) error {
	r.mu.Lock()
	var target *PeerHandle
	for _, p := range r.peers {
		if p.addr == addr {
			target = p
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return ErrPeerNotConnected
	}
	r.removeLocked(target)
	r.mu.Unlock()

	r.finishRemoval(target, "requested")
	return nil
}

// DisconnectSubnet removes every peer whose host falls inside sn and
// returns the number dropped. The scan restarts after each removal so
// peers admitted mid-sweep are still caught; the sweep is best effort
// against connections racing in behind it.
func (r *Registry) DisconnectSubnet(sn Subnet, reason string) int {
	dropped := 0
	for {
		r.mu.Lock()
		var target *PeerHandle
		for _, p := range r.peers {
			if sn.ContainsHost(p.addr) {
				target = p
				break
			}
		}
		if target == nil {
			r.mu.Unlock()
			return dropped
		}
		r.removeLocked(target)
		r.mu.Unlock()

		r.finishRemoval(target, reason)
		dropped++
	}
}

// Snapshot copies the state of every live peer in registration order.
func (r *Registry) Snapshot() []PeerStats {
	at := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]PeerStats, 0, len(r.peers))
	for _, p := range r.peers {
		stats = append(stats, p.Stats(at))
	}
	return stats
}

// Peer returns the live handle with the given id.
func (r *Registry) Peer(id int64) (*PeerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.byID[id]
	return handle, ok
}

// Count returns the number of live peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Counts returns live peer counts split by direction.
func (r *Registry) Counts() (inbound, outbound int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inbound, r.outbound
}

// Totals returns cumulative bytes sent and received across all
// connections, departed ones included.
func (r *Registry) Totals() (sent, recv uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent, recv = r.departedSent, r.departedRecv
	at := r.now()
	for _, p := range r.peers {
		stats := p.Stats(at)
		sent += stats.BytesSent
		recv += stats.BytesRecv
	}
	return sent, recv
}

// QueuePingAll marks every live peer for a ping on its next send cycle
// and returns how many were marked.
func (r *Registry) QueuePingAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		p.QueuePing()
	}
	return len(r.peers)
}

// MatchEndpoint finds the live peer backing an added-node endpoint. The
// address string is compared exactly first, then by host so entries
// recorded without a port still resolve.
func (r *Registry) MatchEndpoint(endpoint string) (PeerStats, bool) {
	at := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.addr == endpoint {
			return p.Stats(at), true
		}
	}
	host, err := HostAddr(endpoint)
	if err != nil {
		return PeerStats{}, false
	}
	for _, p := range r.peers {
		peerHost, err := HostAddr(p.addr)
		if err != nil {
			continue
		}
		if peerHost == host {
			return p.Stats(at), true
		}
	}
	return PeerStats{}, false
}

func directionLabel(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}
