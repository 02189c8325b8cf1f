package config

import (
	"fmt"
	"net"
	"strings"
)

var knownNetworks = map[string]struct{}{
	"ipv4":  {},
	"ipv6":  {},
	"onion": {},
	"i2p":   {},
}

func ValidateConfig(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("p2p: invalid ListenAddress %q: %w", cfg.ListenAddress, err)
	}
	if _, _, err := net.SplitHostPort(cfg.RPCAddress); err != nil {
		return fmt.Errorf("rpc: invalid RPCAddress %q: %w", cfg.RPCAddress, err)
	}
	if cfg.P2P.MaxInbound > cfg.P2P.MaxPeers {
		return fmt.Errorf("p2p: MaxInbound %d exceeds MaxPeers %d", cfg.P2P.MaxInbound, cfg.P2P.MaxPeers)
	}
	for _, name := range cfg.P2P.OnlyNets {
		if _, ok := knownNetworks[strings.ToLower(strings.TrimSpace(name))]; !ok {
			return fmt.Errorf("p2p: unknown network family %q in OnlyNets", name)
		}
	}
	for _, proxy := range []string{cfg.P2P.Proxy, cfg.P2P.OnionProxy, cfg.P2P.I2PProxy} {
		if strings.TrimSpace(proxy) == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(proxy); err != nil {
			return fmt.Errorf("p2p: invalid proxy endpoint %q: %w", proxy, err)
		}
	}
	return nil
}
