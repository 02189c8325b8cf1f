package p2p

import (
	"context"
	"net"
	"net/netip"
	"strings"
)

// Resolver abstracts host lookups so tests can supply in-memory
// fixtures.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if n == nil || n.resolver == nil {
		return net.DefaultResolver.LookupHost(ctx, host)
	}
	return n.resolver.LookupHost(ctx, host)
}

// DefaultResolver exposes a resolver backed by the Go runtime's default
// DNS implementation.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

// ResolveEndpoint expands an endpoint into dialable "host:port"
// candidates. Literal addresses pass through untouched; hostnames go
// through the resolver. An endpoint with no port gets defaultPort.
func ResolveEndpoint(ctx context.Context, resolver Resolver, endpoint, defaultPort string) ([]string, error) {
	endpoint = strings.TrimSpace(endpoint)
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		host, port = endpoint, defaultPort
	}
	if host == "" {
		return nil, ErrInvalidAddress
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return []string{net.JoinHostPort(host, port)}, nil
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	resolved, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(resolved))
	for _, addr := range resolved {
		candidates = append(candidates, net.JoinHostPort(addr, port))
	}
	return candidates, nil
}
