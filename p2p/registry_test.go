package p2p

import (
	"errors"
	"testing"
	"time"
)

func testRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *time.Time) {
	t.Helper()
	current := time.Unix(1700000000, 0).UTC()
	cfg.NowFunc = func() time.Time { return current }
	return NewRegistry(cfg), &current
}

func mustRegister(t *testing.T, reg *Registry, addr string, inbound bool) *PeerHandle {
	t.Helper()
	handle, err := reg.Register(PeerParams{Addr: addr, Inbound: inbound})
	if err != nil {
		t.Fatalf("register %s: %v", addr, err)
	}
	return handle
}

func TestRegistrySnapshotKeepsRegistrationOrder(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	mustRegister(t, reg, "10.0.0.1:9601", false)
	mustRegister(t, reg, "10.0.0.2:9601", true)
	mustRegister(t, reg, "10.0.0.3:9601", false)

	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(snap))
	}
	for i, want := range []string{"10.0.0.1:9601", "10.0.0.2:9601", "10.0.0.3:9601"} {
		if snap[i].Addr != want {
			t.Fatalf("peer %d: expected %s, got %s", i, want, snap[i].Addr)
		}
		if snap[i].ID != int64(i+1) {
			t.Fatalf("peer %d: expected id %d, got %d", i, i+1, snap[i].ID)
		}
	}
	if !snap[1].Inbound || snap[0].Inbound {
		t.Fatalf("directions not preserved: %+v", snap)
	}
}

func TestRegistryTotalsSurviveDisconnect(t *testing.T) {
	reg, current := testRegistry(t, RegistryConfig{})
	first := mustRegister(t, reg, "10.0.0.1:9601", false)
	first.RecordSend(400, *current)
	first.RecordRecv(150, *current)

	if sent, recv := reg.Totals(); sent != 400 || recv != 150 {
		t.Fatalf("live totals wrong: sent=%d recv=%d", sent, recv)
	}
	if !reg.Drop(first.ID(), "test") {
		t.Fatalf("drop failed")
	}
	if sent, recv := reg.Totals(); sent != 400 || recv != 150 {
		t.Fatalf("totals regressed after drop: sent=%d recv=%d", sent, recv)
	}

	second := mustRegister(t, reg, "10.0.0.2:9601", true)
	second.RecordSend(100, *current)
	if sent, recv := reg.Totals(); sent != 500 || recv != 150 {
		t.Fatalf("totals did not accumulate: sent=%d recv=%d", sent, recv)
	}
}

func TestRegistryDropIsIdempotent(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	closes := 0
	handle, err := reg.Register(PeerParams{Addr: "10.0.0.1:9601", Close: func() { closes++ }})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.Drop(handle.ID(), "test") {
		t.Fatalf("first drop failed")
	}
	if reg.Drop(handle.ID(), "test") {
		t.Fatalf("second drop should be a no-op")
	}
	if closes != 1 {
		t.Fatalf("close ran %d times", closes)
	}
	if reg.Count() != 0 {
		t.Fatalf("count = %d after drop", reg.Count())
	}
}

func TestRegistryToggleActive(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	if !reg.Active() {
		t.Fatalf("registry should start active")
	}
	if got := reg.ToggleActive(); got {
		t.Fatalf("first toggle should report inactive")
	}
	if _, err := reg.Register(PeerParams{Addr: "10.0.0.1:9601"}); !errors.Is(err, ErrNetworkDisabled) {
		t.Fatalf("expected ErrNetworkDisabled, got %v", err)
	}
	if got := reg.ToggleActive(); !got {
		t.Fatalf("second toggle should report active")
	}
	if _, err := reg.Register(PeerParams{Addr: "10.0.0.1:9601"}); err != nil {
		t.Fatalf("register after re-enable: %v", err)
	}
}

func TestRegistryConnectionCaps(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{MaxPeers: 3, MaxInbound: 1})
	mustRegister(t, reg, "10.0.0.1:9601", true)
	if _, err := reg.Register(PeerParams{Addr: "10.0.0.2:9601", Inbound: true}); !errors.Is(err, ErrTooManyPeers) {
		t.Fatalf("inbound cap: expected ErrTooManyPeers, got %v", err)
	}
	mustRegister(t, reg, "10.0.0.3:9601", false)
	mustRegister(t, reg, "10.0.0.4:9601", false)
	if _, err := reg.Register(PeerParams{Addr: "10.0.0.5:9601"}); !errors.Is(err, ErrTooManyPeers) {
		t.Fatalf("total cap: expected ErrTooManyPeers, got %v", err)
	}
}

func TestRegistryDisconnectAddress(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	mustRegister(t, reg, "10.0.0.1:9601", false)
	mustRegister(t, reg, "10.0.0.2:9601", false)

	if err := reg.DisconnectAddress("10.0.0.9:9601"); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
	if err := reg.DisconnectAddress("10.0.0.2:9601"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].Addr != "10.0.0.1:9601" {
		t.Fatalf("wrong survivor set: %+v", snap)
	}
}

func TestRegistryDisconnectSubnet(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	closes := 0
	for _, addr := range []string{"10.1.0.5:9601", "10.1.4.9:9601", "192.168.0.2:9601"} {
		if _, err := reg.Register(PeerParams{Addr: addr, Close: func() { closes++ }}); err != nil {
			t.Fatalf("register %s: %v", addr, err)
		}
	}
	sn, err := ParseSubnet("10.1.0.0/16")
	if err != nil {
		t.Fatalf("parse subnet: %v", err)
	}
	if dropped := reg.DisconnectSubnet(sn, "banned"); dropped != 2 {
		t.Fatalf("expected 2 drops, got %d", dropped)
	}
	if closes != 2 {
		t.Fatalf("expected 2 closes, got %d", closes)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].Addr != "192.168.0.2:9601" {
		t.Fatalf("wrong survivor set: %+v", snap)
	}
	if dropped := reg.DisconnectSubnet(sn, "banned"); dropped != 0 {
		t.Fatalf("second sweep should drop nothing, got %d", dropped)
	}
}

func TestRegistryWhitelistMarking(t *testing.T) {
	sn, err := ParseSubnet("172.16.0.0/12")
	if err != nil {
		t.Fatalf("parse subnet: %v", err)
	}
	reg, _ := testRegistry(t, RegistryConfig{Whitelist: []Subnet{sn}})
	mustRegister(t, reg, "172.16.3.3:9601", true)
	mustRegister(t, reg, "10.0.0.1:9601", true)

	snap := reg.Snapshot()
	if !snap[0].Whitelisted {
		t.Fatalf("peer inside whitelist subnet not marked")
	}
	if snap[1].Whitelisted {
		t.Fatalf("peer outside whitelist subnet marked")
	}
}

func TestRegistryMatchEndpoint(t *testing.T) {
	reg, _ := testRegistry(t, RegistryConfig{})
	mustRegister(t, reg, "10.0.0.1:9601", false)

	if stats, ok := reg.MatchEndpoint("10.0.0.1:9601"); !ok || stats.Addr != "10.0.0.1:9601" {
		t.Fatalf("exact match failed: %v %v", stats, ok)
	}
	if stats, ok := reg.MatchEndpoint("10.0.0.1"); !ok || stats.Addr != "10.0.0.1:9601" {
		t.Fatalf("host match failed: %v %v", stats, ok)
	}
	if _, ok := reg.MatchEndpoint("10.0.0.2"); ok {
		t.Fatalf("unexpected match")
	}
}

func TestRegistryQueuePingAll(t *testing.T) {
	reg, current := testRegistry(t, RegistryConfig{})
	a := mustRegister(t, reg, "10.0.0.1:9601", false)
	b := mustRegister(t, reg, "10.0.0.2:9601", true)

	if marked := reg.QueuePingAll(); marked != 2 {
		t.Fatalf("expected 2 marked, got %d", marked)
	}
	for _, h := range []*PeerHandle{a, b} {
		if !h.TakeQueuedPing(*current) {
			t.Fatalf("peer %d had no queued ping", h.ID())
		}
	}
	*current = current.Add(250 * time.Millisecond)
	snap := reg.Snapshot()
	if snap[0].PingWait != 250*time.Millisecond {
		t.Fatalf("ping wait = %v", snap[0].PingWait)
	}
	a.CompletePing(current.Add(50 * time.Millisecond))
	stats := a.Stats(current.Add(time.Second))
	if stats.PingTime != 300*time.Millisecond || stats.PingWait != 0 {
		t.Fatalf("ping completion not recorded: %+v", stats)
	}
}
