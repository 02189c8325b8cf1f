package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDialTimeout bounds a single outbound connection attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultMaintenanceInterval is the cadence of the background pass that
	// redials added nodes, enforces bans and sweeps expired state.
	DefaultMaintenanceInterval = 5 * time.Second
	// DefaultPingInterval is how often every live peer gets a keepalive
	// probe queued.
	DefaultPingInterval = 2 * time.Minute

	dialBackoffBase = 30 * time.Second
	dialBackoffMax  = 10 * time.Minute

	limiterRetention = 10 * time.Minute
)

// keepaliveProbe is the single byte written to a peer when a queued ping is
// consumed. The round trip is measured against the next bytes received on the
// connection.
var keepaliveProbe = []byte{0x00}

// ConnManagerConfig wires the connection manager to the rest of the node.
type ConnManagerConfig struct {
	// ListenAddress is the TCP address for inbound peers. Empty disables
	// the listener and the node runs outbound-only.
	ListenAddress string
	// DefaultPort completes endpoints that omit an explicit port.
	DefaultPort string

	DialTimeout         time.Duration
	MaintenanceInterval time.Duration
	PingInterval        time.Duration

	Registry *Registry
	Bans     *BanList
	Added    *AddedNodeList
	Book     *AddrBook
	Sync     *SyncTracker
	Limiter  *InboundLimiter
	Resolver Resolver

	NowFunc func() time.Time
	Logger  *slog.Logger
}

// ConnManager owns the inbound listener and the outbound dial paths. It keeps
// added nodes connected, refuses banned or rate-limited inbound peers, drops
// live connections that become banned and feeds dial outcomes into the
// address book.
type ConnManager struct {
	listenAddress string
	defaultPort   string
	dialTimeout   time.Duration
	maintInterval time.Duration
	pingInterval  time.Duration

	registry *Registry
	bans     *BanList
	added    *AddedNodeList
	book     *AddrBook
	sync     *SyncTracker
	limiter  *InboundLimiter
	resolver Resolver

	now     func() time.Time
	logger  *slog.Logger
	metrics *networkMetrics

	listener net.Listener

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	nextDialAt  map[string]time.Time
	backoff     map[string]time.Duration

	connMu sync.Mutex
	conns  map[int64]net.Conn

	quitMu sync.Mutex
	quit   chan struct{}
}

// NewConnManager validates the configuration and returns a stopped manager.
// Start brings up the listener and the maintenance loop.
func NewConnManager(cfg ConnManagerConfig) (*ConnManager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("p2p: connection manager requires a registry")
	}
	if cfg.Bans == nil {
		return nil, fmt.Errorf("p2p: connection manager requires a ban list")
	}
	m := &ConnManager{
		listenAddress: strings.TrimSpace(cfg.ListenAddress),
		defaultPort:   cfg.DefaultPort,
		dialTimeout:   cfg.DialTimeout,
		maintInterval: cfg.MaintenanceInterval,
		pingInterval:  cfg.PingInterval,
		registry:      cfg.Registry,
		bans:          cfg.Bans,
		added:         cfg.Added,
		book:          cfg.Book,
		sync:          cfg.Sync,
		limiter:       cfg.Limiter,
		resolver:      cfg.Resolver,
		now:           cfg.NowFunc,
		logger:        cfg.Logger,
		metrics:       newNetworkMetrics(),
		pendingDial:   make(map[string]struct{}),
		nextDialAt:    make(map[string]time.Time),
		backoff:       make(map[string]time.Duration),
		conns:         make(map[int64]net.Conn),
		quit:          make(chan struct{}),
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = DefaultDialTimeout
	}
	if m.maintInterval <= 0 {
		m.maintInterval = DefaultMaintenanceInterval
	}
	if m.pingInterval <= 0 {
		m.pingInterval = DefaultPingInterval
	}
	if m.resolver == nil {
		m.resolver = DefaultResolver()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *ConnManager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Start opens the listener when one is configured and launches the
// maintenance loop. It returns an error if the listen address is unusable.
func (m *ConnManager) Start() error {
	if m.listenAddress != "" {
		ln, err := net.Listen("tcp", m.listenAddress)
		if err != nil {
			return fmt.Errorf("p2p: listen on %s: %w", m.listenAddress, err)
		}
		m.listener = ln
		m.log().Info("p2p listener up", "address", ln.Addr().String())
		go m.acceptLoop(ln)
	}
	go m.run()
	return nil
}

// Stop shuts the listener, closes every tracked connection and stops the
// maintenance loop. Safe to call more than once.
func (m *ConnManager) Stop() {
	m.quitMu.Lock()
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.quitMu.Unlock()

	if m.listener != nil {
		_ = m.listener.Close()
	}

	m.connMu.Lock()
	conns := make([]net.Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.connMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ListenAddr reports the bound listener address, nil when the manager runs
// outbound-only.
func (m *ConnManager) ListenAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *ConnManager) shouldStop() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// wait sleeps for the given delay unless the manager is stopped first.
func (m *ConnManager) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-m.quit:
		return false
	case <-timer.C:
		return true
	}
}

func (m *ConnManager) run() {
	maint := time.NewTicker(m.maintInterval)
	defer maint.Stop()
	ping := time.NewTicker(m.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-maint.C:
			m.maintain()
		case <-ping.C:
			m.registry.QueuePingAll()
		}
	}
}

// maintain runs one background pass: consume queued pings, drop peers that
// were banned after connecting, expire lapsed bans and limiter state, then
// redial missing added nodes.
func (m *ConnManager) maintain() {
	now := m.now()
	m.consumePings(now)
	m.enforceBans()
	m.bans.Sweep(now)
	m.limiter.Prune(now.Add(-limiterRetention))
	m.redialAdded(now)
}

// consumePings writes a keepalive probe to every peer with a queued ping.
func (m *ConnManager) consumePings(at time.Time) {
	m.connMu.Lock()
	type probe struct {
		handle *PeerHandle
		conn   net.Conn
	}
	probes := make([]probe, 0)
	for id, conn := range m.conns {
		handle, ok := m.registry.Peer(id)
		if !ok {
			continue
		}
		if handle.TakeQueuedPing(at) {
			probes = append(probes, probe{handle: handle, conn: conn})
		}
	}
	m.connMu.Unlock()

	for _, p := range probes {
		if _, err := p.conn.Write(keepaliveProbe); err != nil {
			m.registry.Drop(p.handle.ID(), "write failed")
			continue
		}
		p.handle.RecordSend(uint64(len(keepaliveProbe)), at)
		m.metrics.addTraffic("sent", uint64(len(keepaliveProbe)))
	}
}

// enforceBans disconnects live peers whose address is covered by an active
// ban. Peers added to the ban list through SetBan are dropped synchronously
// by the ban hook; this pass is the backstop for bans loaded from disk or
// imported from policy files.
func (m *ConnManager) enforceBans() {
	for _, stats := range m.registry.Snapshot() {
		if m.bans.IsBanned(stats.Addr) {
			m.registry.Drop(stats.ID, "banned")
		}
	}
}

// redialAdded dials every added node that has no live connection and is not
// inside its backoff window.
func (m *ConnManager) redialAdded(now time.Time) {
	if m.added == nil || !m.registry.Active() {
		return
	}
	for _, node := range m.added.List() {
		if _, connected := m.registry.MatchEndpoint(node.Endpoint); connected {
			m.clearBackoff(node.Endpoint)
			continue
		}
		if !m.dialDue(node.Endpoint, now) {
			continue
		}
		endpoint := node.Endpoint
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
			defer cancel()
			if err := m.Connect(ctx, endpoint, "addnode"); err != nil {
				m.log().Debug("added node dial failed", "endpoint", endpoint, "error", err)
			}
		}()
	}
}

func (m *ConnManager) dialDue(endpoint string, now time.Time) bool {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if _, pending := m.pendingDial[endpoint]; pending {
		return false
	}
	if next, ok := m.nextDialAt[endpoint]; ok && now.Before(next) {
		return false
	}
	return true
}

// reserveDial claims the exclusive right to dial endpoint. It fails when
// another dial for the same endpoint is in flight.
func (m *ConnManager) reserveDial(endpoint string) bool {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if _, pending := m.pendingDial[endpoint]; pending {
		return false
	}
	m.pendingDial[endpoint] = struct{}{}
	return true
}

func (m *ConnManager) releaseDial(endpoint string) {
	m.dialMu.Lock()
	delete(m.pendingDial, endpoint)
	m.dialMu.Unlock()
}

// noteDialFailure schedules the next allowed attempt for endpoint, doubling
// the backoff up to dialBackoffMax.
func (m *ConnManager) noteDialFailure(endpoint string, now time.Time) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	next := m.backoff[endpoint]
	if next <= 0 {
		next = dialBackoffBase
	} else {
		next *= 2
		if next > dialBackoffMax {
			next = dialBackoffMax
		}
	}
	m.backoff[endpoint] = next
	m.nextDialAt[endpoint] = now.Add(next)
}

func (m *ConnManager) clearBackoff(endpoint string) {
	m.dialMu.Lock()
	delete(m.backoff, endpoint)
	delete(m.nextDialAt, endpoint)
	m.dialMu.Unlock()
}

// Connect resolves endpoint and dials the first reachable candidate. The
// registered peer keeps the endpoint string as its address so operator
// commands that name the same endpoint find it again. source tags the
// address-book entries learned from this dial.
func (m *ConnManager) Connect(ctx context.Context, endpoint, source string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidAddress)
	}
	if !m.registry.Active() {
		return ErrNetworkDisabled
	}
	if m.bans.IsBanned(endpoint) {
		return fmt.Errorf("p2p: endpoint %s is banned", endpoint)
	}
	if _, connected := m.registry.MatchEndpoint(endpoint); connected {
		return ErrAlreadyConnected
	}
	if !m.reserveDial(endpoint) {
		return fmt.Errorf("p2p: dial already pending for %s", endpoint)
	}
	defer m.releaseDial(endpoint)

	candidates, err := ResolveEndpoint(ctx, m.resolver, endpoint, m.defaultPort)
	if err != nil {
		m.noteDialFailure(endpoint, m.now())
		m.metrics.recordDial("resolve_failed")
		return err
	}
	dialer := net.Dialer{Timeout: m.dialTimeout}
	var lastErr error
	for _, candidate := range candidates {
		if m.bans.IsBanned(candidate) {
			lastErr = fmt.Errorf("p2p: resolved address %s is banned", candidate)
			continue
		}
		if m.book != nil {
			if _, err := m.book.Add(candidate, source, ""); err != nil {
				m.log().Warn("address book add failed", "address", candidate, "error", err)
			}
			if err := m.book.MarkAttempt(candidate, m.now()); err != nil {
				m.log().Warn("address book attempt failed", "address", candidate, "error", err)
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.adoptOutbound(conn, endpoint, candidate); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		m.metrics.recordDial("success")
		m.clearBackoff(endpoint)
		return nil
	}
	m.noteDialFailure(endpoint, m.now())
	m.metrics.recordDial("failed")
	if lastErr == nil {
		lastErr = fmt.Errorf("p2p: no dialable address for %s", endpoint)
	}
	return lastErr
}

// adoptOutbound registers a freshly dialed connection and starts its read
// loop. The candidate is promoted to tried in the address book once the
// registry accepts the peer.
func (m *ConnManager) adoptOutbound(conn net.Conn, endpoint, candidate string) error {
	handle, err := m.registry.Register(PeerParams{
		Addr:      endpoint,
		LocalAddr: conn.LocalAddr().String(),
		Inbound:   false,
		Close:     closeOnce(conn),
	})
	if err != nil {
		return err
	}
	if m.book != nil {
		if err := m.book.MarkSuccess(candidate, m.now()); err != nil {
			m.log().Warn("address book success failed", "address", candidate, "error", err)
		}
		if err := m.book.MarkTried(candidate); err != nil {
			m.log().Warn("address book tried failed", "address", candidate, "error", err)
		}
	}
	if m.sync != nil {
		m.sync.Register(handle.ID())
	}
	m.track(handle.ID(), conn)
	go m.readLoop(handle, conn)
	return nil
}

func (m *ConnManager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.shouldStop() {
				return
			}
			m.log().Warn("accept failed", "error", err)
			if !m.wait(time.Second) {
				return
			}
			continue
		}
		m.handleInbound(conn)
	}
}

// handleInbound applies the accept gates in order: banned addresses are
// refused before they consume rate budget, then the per-host limiter, then
// the registry's active flag and connection caps.
func (m *ConnManager) handleInbound(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if m.bans.IsBanned(remote) {
		m.log().Debug("refused banned inbound", "remote", remote)
		_ = conn.Close()
		return
	}
	if !m.limiter.Allow(remote, m.now()) {
		m.log().Debug("refused rate-limited inbound", "remote", remote)
		_ = conn.Close()
		return
	}
	handle, err := m.registry.Register(PeerParams{
		Addr:      remote,
		LocalAddr: conn.LocalAddr().String(),
		Inbound:   true,
		Close:     closeOnce(conn),
	})
	if err != nil {
		m.log().Debug("refused inbound", "remote", remote, "error", err)
		_ = conn.Close()
		return
	}
	if m.sync != nil {
		m.sync.Register(handle.ID())
	}
	m.track(handle.ID(), conn)
	go m.readLoop(handle, conn)
}

// readLoop drains the connection to keep the receive counters live. Any
// inbound bytes settle an outstanding keepalive probe. The peer is dropped
// when the connection errors or closes.
func (m *ConnManager) readLoop(handle *PeerHandle, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			at := m.now()
			handle.RecordRecv(uint64(n), at)
			handle.CompletePing(at)
			m.metrics.addTraffic("recv", uint64(n))
		}
		if err != nil {
			break
		}
	}
	m.untrack(handle.ID())
	m.registry.Drop(handle.ID(), "transport closed")
	if m.sync != nil {
		m.sync.Unregister(handle.ID())
	}
}

func (m *ConnManager) track(id int64, conn net.Conn) {
	m.connMu.Lock()
	m.conns[id] = conn
	m.connMu.Unlock()
}

func (m *ConnManager) untrack(id int64) {
	m.connMu.Lock()
	delete(m.conns, id)
	m.connMu.Unlock()
}

// closeOnce wraps conn.Close so the registry's close callback can run from
// multiple paths without surfacing double-close errors.
func closeOnce(conn net.Conn) func() {
	var once sync.Once
	return func() {
		once.Do(func() { _ = conn.Close() })
	}
}
