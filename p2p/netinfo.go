package p2p

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/btcsuite/btcutil"
)

// DefaultRelayFeePerKB is the floor advertised to peers for relayed
// transactions, in base units per kilobyte.
const DefaultRelayFeePerKB = btcutil.Amount(1000)

// Network family names as they appear on operator surfaces.
const (
	NetIPv4  = "ipv4"
	NetIPv6  = "ipv6"
	NetOnion = "onion"
	NetI2P   = "i2p"
)

// NetworkState describes one address family's standing on this node.
type NetworkState struct {
	Name      string
	Limited   bool
	Reachable bool
	Proxy     string
}

// LocalAddress is one address this node believes it is reachable on.
type LocalAddress struct {
	Address string
	Port    uint16
	Score   int
}

// NetInfoConfig carries the network posture settings.
type NetInfoConfig struct {
	// OnlyNets limits outbound networking to the named families. Empty
	// means all families are allowed.
	OnlyNets      []string
	Proxy         string
	OnionProxy    string
	I2PProxy      string
	RelayFeePerKB btcutil.Amount
}

// NetInfo aggregates the per-family network state and the local address
// table for the network info surface. Family standing is fixed at
// construction; local addresses accrue as they are learned.
type NetInfo struct {
	mu       sync.RWMutex
	families []NetworkState
	locals   []LocalAddress
	relayFee btcutil.Amount
}

// NewNetInfo derives the family table from configuration. A family
// routed through a proxy is only reachable while that proxy is set;
// ipv4 and ipv6 are direct.
func NewNetInfo(cfg NetInfoConfig) *NetInfo {
	allowed := func(name string) bool {
		if len(cfg.OnlyNets) == 0 {
			return true
		}
		for _, only := range cfg.OnlyNets {
			if only == name {
				return true
			}
		}
		return false
	}
	onionProxy := cfg.OnionProxy
	if onionProxy == "" {
		onionProxy = cfg.Proxy
	}
	families := []NetworkState{
		{Name: NetIPv4, Proxy: cfg.Proxy},
		{Name: NetIPv6, Proxy: cfg.Proxy},
		{Name: NetOnion, Proxy: onionProxy},
		{Name: NetI2P, Proxy: cfg.I2PProxy},
	}
	for i := range families {
		f := &families[i]
		f.Limited = !allowed(f.Name)
		switch f.Name {
		case NetOnion, NetI2P:
			f.Reachable = !f.Limited && f.Proxy != ""
		default:
			f.Reachable = !f.Limited
		}
	}
	relayFee := cfg.RelayFeePerKB
	if relayFee <= 0 {
		relayFee = DefaultRelayFeePerKB
	}
	return &NetInfo{families: families, relayFee: relayFee}
}

// Networks copies the family table.
func (n *NetInfo) Networks() []NetworkState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]NetworkState(nil), n.families...)
}

// RelayFee returns the advertised relay fee floor.
func (n *NetInfo) RelayFee() btcutil.Amount {
	return n.relayFee
}

// AddLocal records a local address. A repeat of the same address and
// port keeps the higher score.
func (n *NetInfo) AddLocal(address string, port uint16, score int) error {
	if _, err := netip.ParseAddr(address); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.locals {
		if n.locals[i].Address == address && n.locals[i].Port == port {
			if score > n.locals[i].Score {
				n.locals[i].Score = score
			}
			return nil
		}
	}
	n.locals = append(n.locals, LocalAddress{Address: address, Port: port, Score: score})
	return nil
}

// LocalAddresses copies the local address table in the order entries
// were learned.
func (n *NetInfo) LocalAddresses() []LocalAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]LocalAddress(nil), n.locals...)
}
