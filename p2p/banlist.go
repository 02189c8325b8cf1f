package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"embercoin/storage"
)

const banKeyPrefix = "ban:"

// DefaultBanDuration applies when a ban is added without an explicit
// expiry.
const DefaultBanDuration = 24 * time.Hour

// BanReason records why a subnet entered the ban list.
type BanReason int

const (
	BanReasonUnknown BanReason = iota
	BanReasonNodeMisbehaving
	BanReasonManuallyAdded
)

func (r BanReason) String() string {
	switch r {
	case BanReasonNodeMisbehaving:
		return "node misbehaving"
	case BanReasonManuallyAdded:
		return "manually added"
	default:
		return "unknown"
	}
}

// BanEntry is one banned subnet with its lifetime. Subnet holds the
// canonical CIDR form, which doubles as the entry's key.
type BanEntry struct {
	Subnet    string    `json:"subnet"`
	CreatedAt time.Time `json:"created_at"`
	Until     time.Time `json:"banned_until"`
	Reason    BanReason `json:"reason"`
}

// Expired reports whether the ban has lapsed as of at. Lapsed entries
// stay listed until a sweep or an explicit removal.
func (e BanEntry) Expired(at time.Time) bool {
	return !e.Until.After(at)
}

// DisconnectFunc drops live connections inside a subnet and returns the
// number dropped.
type DisconnectFunc func(Subnet) int

// BanListConfig carries the collaborators for a ban list.
type BanListConfig struct {
	DB              storage.Database
	DefaultDuration time.Duration
	Feed            *EventFeed
	Disconnect      DisconnectFunc
	NowFunc         func() time.Time
	Logger          *slog.Logger
}

// BanList is the authoritative set of banned subnets. Every mutation is
// written through to the database before it becomes visible, so a
// restart always observes the last acknowledged state.
type BanList struct {
	mu      sync.RWMutex
	entries map[string]BanEntry
	// subnets mirrors entries with pre-parsed prefixes for match checks.
	subnets map[string]Subnet

	db              storage.Database
	defaultDuration time.Duration
	feed            *EventFeed
	disconnect      DisconnectFunc
	now             func() time.Time
	logger          *slog.Logger
	metrics         *networkMetrics
}

// NewBanList builds a ban list seeded from the persisted records under
// the ban prefix. Records that no longer parse are dropped rather than
// carried forward.
func NewBanList(cfg BanListConfig) (*BanList, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("p2p: ban list requires a database")
	}
	b := &BanList{
		entries:         make(map[string]BanEntry),
		subnets:         make(map[string]Subnet),
		db:              cfg.DB,
		defaultDuration: cfg.DefaultDuration,
		feed:            cfg.Feed,
		disconnect:      cfg.Disconnect,
		now:             cfg.NowFunc,
		logger:          cfg.Logger,
		metrics:         newNetworkMetrics(),
	}
	if b.defaultDuration <= 0 {
		b.defaultDuration = DefaultBanDuration
	}
	if b.now == nil {
		b.now = time.Now
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	b.metrics.setActiveBans(len(b.entries))
	return b, nil
}

func (b *BanList) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default().With("component", "banlist")
}

func (b *BanList) load() error {
	var garbage []string
	err := b.db.Iterate([]byte(banKeyPrefix), func(key, value []byte) error {
		id := string(key[len(banKeyPrefix):])
		var entry BanEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			garbage = append(garbage, id)
			return nil
		}
		sn, err := ParseSubnet(entry.Subnet)
		if err != nil || entry.Subnet != id {
			garbage = append(garbage, id)
			return nil
		}
		b.entries[id] = entry
		b.subnets[id] = sn
		return nil
	})
	if err != nil {
		return fmt.Errorf("p2p: load ban list: %w", err)
	}
	for _, id := range garbage {
		b.log().Warn("dropping unreadable ban record", "key", id)
		if err := b.db.Delete([]byte(banKeyPrefix + id)); err != nil {
			return fmt.Errorf("p2p: drop ban record %q: %w", id, err)
		}
	}
	return nil
}

func (b *BanList) persistLocked(entry BanEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("p2p: encode ban record: %w", err)
	}
	if err := b.db.Put([]byte(banKeyPrefix+entry.Subnet), raw); err != nil {
		return fmt.Errorf("p2p: store ban record: %w", err)
	}
	return nil
}

// Add bans a subnet. banTime <= 0 applies the default duration; a
// positive banTime is either seconds from now or, with absolute set, a
// unix expiry timestamp. An unexpired existing entry fails with
// ErrBanExists; a lapsed one is overwritten. Matching live connections
// are dropped after the entry is durable.
func (b *BanList) Add(sn Subnet, banTime int64, absolute bool, reason BanReason) (BanEntry, error) {
	if !sn.IsValid() {
		return BanEntry{}, ErrInvalidAddress
	}
	key := sn.String()
	now := b.now()
	var until time.Time
	switch {
	case banTime <= 0:
		until = now.Add(b.defaultDuration)
	case absolute:
		until = time.Unix(banTime, 0)
	default:
		until = now.Add(time.Duration(banTime) * time.Second)
	}
	entry := BanEntry{Subnet: key, CreatedAt: now, Until: until, Reason: reason}

	b.mu.Lock()
	if existing, ok := b.entries[key]; ok && !existing.Expired(now) {
		b.mu.Unlock()
		return BanEntry{}, ErrBanExists
	}
	if err := b.persistLocked(entry); err != nil {
		b.mu.Unlock()
		return BanEntry{}, err
	}
	b.entries[key] = entry
	b.subnets[key] = sn
	count := len(b.entries)
	b.mu.Unlock()

	b.metrics.setActiveBans(count)
	b.feed.Publish(Event{Type: EventBanAdded, Time: now, Subnet: key, Reason: reason.String()})
	dropped := 0
	if b.disconnect != nil {
		dropped = b.disconnect(sn)
	}
	b.log().Info("subnet banned",
		"subnet", key,
		"until", entry.Until,
		"reason", reason.String(),
		"dropped", dropped,
	)
	return entry, nil
}

// Remove lifts a ban. The entry may already have lapsed; only a missing
// entry fails, with ErrBanNotFound.
func (b *BanList) Remove(sn Subnet) error {
	key := sn.String()
	b.mu.Lock()
	if _, ok := b.entries[key]; !ok {
		b.mu.Unlock()
		return ErrBanNotFound
	}
	if err := b.db.Delete([]byte(banKeyPrefix + key)); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("p2p: drop ban record: %w", err)
	}
	delete(b.entries, key)
	delete(b.subnets, key)
	count := len(b.entries)
	b.mu.Unlock()

	b.metrics.setActiveBans(count)
	b.feed.Publish(Event{Type: EventBanRemoved, Time: b.now(), Subnet: key})
	b.log().Info("subnet unbanned", "subnet", key)
	return nil
}

// Clear removes every entry and returns how many were dropped. A store
// failure stops the pass; entries already dropped stay dropped.
func (b *BanList) Clear() (int, error) {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	cleared := 0
	var firstErr error
	for _, key := range keys {
		if err := b.db.Delete([]byte(banKeyPrefix + key)); err != nil {
			firstErr = fmt.Errorf("p2p: drop ban record: %w", err)
			break
		}
		delete(b.entries, key)
		delete(b.subnets, key)
		cleared++
	}
	count := len(b.entries)
	b.mu.Unlock()

	b.metrics.setActiveBans(count)
	if firstErr != nil {
		return cleared, firstErr
	}
	b.feed.Publish(Event{Type: EventBansCleared, Time: b.now()})
	b.log().Info("ban list cleared", "entries", cleared)
	return cleared, nil
}

// IsBanned reports whether the endpoint's host currently falls inside a
// live ban. Unparseable endpoints never match.
func (b *BanList) IsBanned(endpoint string) bool {
	host, err := HostAddr(endpoint)
	if err != nil {
		return false
	}
	at := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isBannedLocked(host, at)
}

func (b *BanList) isBannedLocked(host netip.Addr, at time.Time) bool {
	for key, sn := range b.subnets {
		if b.entries[key].Expired(at) {
			continue
		}
		if sn.Contains(host) {
			return true
		}
	}
	return false
}

// List copies every entry, lapsed ones included, ordered by subnet.
func (b *BanList) List() []BanEntry {
	b.mu.RLock()
	entries := make([]BanEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		entries = append(entries, entry)
	}
	b.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Subnet < entries[j].Subnet })
	return entries
}

// Sweep drops entries that lapsed before at and returns how many went.
// A record that cannot be deleted stays put for the next pass.
func (b *BanList) Sweep(at time.Time) int {
	b.mu.Lock()
	swept := 0
	for key, entry := range b.entries {
		if !entry.Expired(at) {
			continue
		}
		if err := b.db.Delete([]byte(banKeyPrefix + key)); err != nil {
			b.log().Warn("keeping lapsed ban, record delete failed", "subnet", key, "error", err)
			continue
		}
		delete(b.entries, key)
		delete(b.subnets, key)
		swept++
	}
	count := len(b.entries)
	b.mu.Unlock()

	b.metrics.setActiveBans(count)
	if swept > 0 {
		b.log().Debug("swept lapsed bans", "count", swept)
	}
	return swept
}
