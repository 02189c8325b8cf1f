package p2p

import (
	"errors"
	"testing"
)

func TestParseSubnetBareAddress(t *testing.T) {
	sn, err := ParseSubnet("192.168.0.6")
	if err != nil {
		t.Fatalf("parse bare address: %v", err)
	}
	if !sn.IsSingleHost() {
		t.Fatalf("expected single-host subnet, got %s", sn)
	}
	if got := sn.String(); got != "192.168.0.6/32" {
		t.Fatalf("unexpected key %q", got)
	}
	if !sn.ContainsHost("192.168.0.6:9601") {
		t.Fatalf("expected host:port form to match")
	}
	if sn.ContainsHost("192.168.0.7") {
		t.Fatalf("unexpected match for neighbour address")
	}
}

func TestParseSubnetCIDR(t *testing.T) {
	sn, err := ParseSubnet("10.0.0.128/24")
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	if got := sn.String(); got != "10.0.0.0/24" {
		t.Fatalf("expected masked canonical form, got %q", got)
	}
	for _, host := range []string{"10.0.0.1", "10.0.0.254:9601"} {
		if !sn.ContainsHost(host) {
			t.Fatalf("expected %s inside %s", host, sn)
		}
	}
	if sn.ContainsHost("10.0.1.1") {
		t.Fatalf("unexpected match outside range")
	}
}

func TestParseSubnetIPv6(t *testing.T) {
	sn, err := ParseSubnet("2001:db8::/32")
	if err != nil {
		t.Fatalf("parse ipv6 cidr: %v", err)
	}
	if !sn.ContainsHost("[2001:db8::1]:9601") {
		t.Fatalf("expected bracketed host:port to match")
	}
	single, err := ParseSubnet("2001:db8::1")
	if err != nil {
		t.Fatalf("parse bare ipv6: %v", err)
	}
	if got := single.String(); got != "2001:db8::1/128" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseSubnetMappedIPv4(t *testing.T) {
	sn, err := ParseSubnet("10.0.0.0/24")
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	if !sn.ContainsHost("::ffff:10.0.0.9") {
		t.Fatalf("expected mapped ipv4 address to match")
	}
}

func TestParseSubnetRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not-an-ip", "10.0.0.0/33", "10.0.0.1/-1", "seed.ember.example"} {
		if _, err := ParseSubnet(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", raw, err)
		}
	}
}
