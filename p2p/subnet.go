package p2p

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Subnet is a canonical CIDR range used as a ban key. A bare address
// parses to the single-host range (/32 for IPv4, /128 for IPv6), so ban
// keys are always expressed as prefixes.
type Subnet struct {
	prefix netip.Prefix
}

// ParseSubnet parses either a CIDR string or a bare IP address. The
// presence of "/" selects subnet syntax, matching the RPC convention.
func ParseSubnet(raw string) (Subnet, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Subnet{}, fmt.Errorf("%w: empty input", ErrInvalidAddress)
	}
	if strings.Contains(trimmed, "/") {
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return Subnet{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return Subnet{prefix: prefix.Masked()}, nil
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return Subnet{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr = addr.Unmap()
	return Subnet{prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

// Contains reports whether the address falls inside the range. Mapped
// IPv4-in-IPv6 addresses are unwrapped before the test.
func (s Subnet) Contains(addr netip.Addr) bool {
	if !s.prefix.IsValid() || !addr.IsValid() {
		return false
	}
	return s.prefix.Contains(addr.Unmap())
}

// ContainsHost parses host (an IP, or host:port) and tests containment.
// Unparseable hosts are never contained.
func (s Subnet) ContainsHost(host string) bool {
	addr, err := HostAddr(host)
	if err != nil {
		return false
	}
	return s.Contains(addr)
}

// IsSingleHost reports whether the range covers exactly one address.
func (s Subnet) IsSingleHost() bool {
	return s.prefix.IsValid() && s.prefix.Bits() == s.prefix.Addr().BitLen()
}

// IsValid reports whether the subnet was produced by a successful parse.
func (s Subnet) IsValid() bool {
	return s.prefix.IsValid()
}

// String renders the canonical CIDR form, which doubles as the ban key.
func (s Subnet) String() string {
	if !s.prefix.IsValid() {
		return ""
	}
	return s.prefix.String()
}

// HostAddr extracts the IP address from endpoint, accepting either a bare
// IP or a host:port pair. Hostnames are rejected; resolution is the
// resolver's concern.
func HostAddr(endpoint string) (netip.Addr, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty endpoint", ErrInvalidAddress)
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, endpoint)
	}
	return addr.Unmap(), nil
}
