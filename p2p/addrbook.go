package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"embercoin/storage"
)

const destKeyPrefix = "dest:"

// DestinationStat is the exported view of one address-book entry.
// LastTry lives in memory only; a restart forgets it while everything
// else survives.
type DestinationStat struct {
	Address     string
	Source      string
	Identity    string
	Attempts    int
	LastTry     time.Time
	LastSuccess time.Time
	Tried       bool
}

// DestFilter selects which entries a destination query returns.
type DestFilter int

const (
	FilterNone DestFilter = iota
	FilterMatch
	FilterTried
	FilterAttempted
	FilterConnected
)

// DestQuery is one parsed destination query.
type DestQuery struct {
	Filter DestFilter
	Match  string
}

// ParseDestQuery maps the wire filter arguments onto a query. "match"
// requires a second argument; anything unrecognized fails with
// ErrUnknownFilter.
func ParseDestQuery(args []string) (DestQuery, error) {
	if len(args) == 0 {
		return DestQuery{Filter: FilterNone}, nil
	}
	switch args[0] {
	case "match":
		if len(args) < 2 {
			return DestQuery{}, ErrUnknownFilter
		}
		return DestQuery{Filter: FilterMatch, Match: args[1]}, nil
	case "good":
		return DestQuery{Filter: FilterTried}, nil
	case "attempt":
		return DestQuery{Filter: FilterAttempted}, nil
	case "connect":
		return DestQuery{Filter: FilterConnected}, nil
	default:
		return DestQuery{}, ErrUnknownFilter
	}
}

func (q DestQuery) matches(s DestinationStat) bool {
	switch q.Filter {
	case FilterMatch:
		return strings.Contains(s.Address, q.Match) ||
			strings.Contains(s.Source, q.Match) ||
			strings.Contains(s.Identity, q.Match)
	case FilterTried:
		return s.Tried
	case FilterAttempted:
		return s.Attempts > 0
	case FilterConnected:
		return !s.LastSuccess.IsZero()
	default:
		return true
	}
}

// QueryResult carries one consistent read of the book: sizes and the
// match sequence come from the same lock hold.
type QueryResult struct {
	TableSize int
	MatchSize int
	// WithIdentity marks that match objects should carry the
	// alternate-identity field, which happens whenever any filter was
	// supplied.
	WithIdentity bool
	Matches      []DestinationStat
}

type destRecord struct {
	Address     string    `json:"address"`
	Source      string    `json:"source"`
	Identity    string    `json:"identity,omitempty"`
	Attempts    int       `json:"attempts"`
	LastSuccess time.Time `json:"last_success"`
	Tried       bool      `json:"tried"`
	Seq         uint64    `json:"seq"`
}

type destEntry struct {
	rec     destRecord
	lastTry time.Time
}

// AddrBookConfig carries the collaborators for an address book.
type AddrBookConfig struct {
	DB     storage.Database
	Logger *slog.Logger
}

// AddrBook stores known destinations and their dial history. It only
// records and exports; nothing here picks which address to dial next.
type AddrBook struct {
	mu      sync.RWMutex
	entries map[string]*destEntry
	order   []string
	nextSeq uint64

	db     storage.Database
	logger *slog.Logger
}

// NewAddrBook opens the book over the records under the destination
// prefix. Records that no longer parse are dropped.
func NewAddrBook(cfg AddrBookConfig) (*AddrBook, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("p2p: address book requires a database")
	}
	b := &AddrBook{
		entries: make(map[string]*destEntry),
		nextSeq: 1,
		db:      cfg.DB,
		logger:  cfg.Logger,
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AddrBook) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default().With("component", "addrbook")
}

func (b *AddrBook) load() error {
	var garbage []string
	err := b.db.Iterate([]byte(destKeyPrefix), func(key, value []byte) error {
		id := string(key[len(destKeyPrefix):])
		var rec destRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.Address != id {
			garbage = append(garbage, id)
			return nil
		}
		b.entries[id] = &destEntry{rec: rec}
		if rec.Seq >= b.nextSeq {
			b.nextSeq = rec.Seq + 1
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("p2p: load address book: %w", err)
	}
	for _, id := range garbage {
		b.log().Warn("dropping unreadable destination record", "key", id)
		if err := b.db.Delete([]byte(destKeyPrefix + id)); err != nil {
			return fmt.Errorf("p2p: drop destination record %q: %w", id, err)
		}
	}
	b.order = make([]string, 0, len(b.entries))
	for address := range b.entries {
		b.order = append(b.order, address)
	}
	sort.Slice(b.order, func(i, j int) bool {
		return b.entries[b.order[i]].rec.Seq < b.entries[b.order[j]].rec.Seq
	})
	return nil
}

func (b *AddrBook) persistLocked(entry *destEntry) error {
	raw, err := json.Marshal(entry.rec)
	if err != nil {
		return fmt.Errorf("p2p: encode destination record: %w", err)
	}
	if err := b.db.Put([]byte(destKeyPrefix+entry.rec.Address), raw); err != nil {
		return fmt.Errorf("p2p: store destination record: %w", err)
	}
	return nil
}

// Add records a destination learned from source. Known addresses are
// left untouched; the first sighting wins. It reports whether the entry
// is new.
func (b *AddrBook) Add(address, source, identity string) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[address]; ok {
		return false, nil
	}
	entry := &destEntry{rec: destRecord{
		Address:  address,
		Source:   source,
		Identity: identity,
		Seq:      b.nextSeq,
	}}
	if err := b.persistLocked(entry); err != nil {
		return false, err
	}
	b.nextSeq++
	b.entries[address] = entry
	b.order = append(b.order, address)
	return true, nil
}

// MarkAttempt counts a dial attempt. The attempt counter is durable;
// the attempt time is not.
func (b *AddrBook) MarkAttempt(address string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[address]
	if !ok {
		return nil
	}
	entry.rec.Attempts++
	if err := b.persistLocked(entry); err != nil {
		entry.rec.Attempts--
		return err
	}
	entry.lastTry = at
	return nil
}

// MarkSuccess records a completed connection.
func (b *AddrBook) MarkSuccess(address string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[address]
	if !ok {
		return nil
	}
	prev := entry.rec.LastSuccess
	entry.rec.LastSuccess = at
	if err := b.persistLocked(entry); err != nil {
		entry.rec.LastSuccess = prev
		return err
	}
	return nil
}

// MarkTried promotes the destination after a fully established session
// and clears its failure streak.
func (b *AddrBook) MarkTried(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[address]
	if !ok {
		return nil
	}
	prevTried, prevAttempts := entry.rec.Tried, entry.rec.Attempts
	entry.rec.Tried = true
	entry.rec.Attempts = 0
	if err := b.persistLocked(entry); err != nil {
		entry.rec.Tried, entry.rec.Attempts = prevTried, prevAttempts
		return err
	}
	return nil
}

// Size returns the total entry count.
func (b *AddrBook) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (e *destEntry) stat() DestinationStat {
	return DestinationStat{
		Address:     e.rec.Address,
		Source:      e.rec.Source,
		Identity:    e.rec.Identity,
		Attempts:    e.rec.Attempts,
		LastTry:     e.lastTry,
		LastSuccess: e.rec.LastSuccess,
		Tried:       e.rec.Tried,
	}
}

// Query counts the matching destinations, then builds the match
// sequence sized to that count. Both passes run under the same lock
// hold, so sizes and matches reflect one consistent view of the book;
// matches come back in the order entries were first recorded.
func (b *AddrBook) Query(q DestQuery) QueryResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := QueryResult{
		TableSize:    len(b.entries),
		WithIdentity: q.Filter != FilterNone,
	}
	for _, address := range b.order {
		if q.matches(b.entries[address].stat()) {
			result.MatchSize++
		}
	}
	result.Matches = make([]DestinationStat, 0, result.MatchSize)
	for _, address := range b.order {
		stat := b.entries[address].stat()
		if q.matches(stat) {
			result.Matches = append(result.Matches, stat)
		}
	}
	return result
}

// GoodAddresses exports the tried destinations, oldest first, for seed
// publication.
func (b *AddrBook) GoodAddresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	good := make([]string, 0, len(b.order))
	for _, address := range b.order {
		if b.entries[address].rec.Tried {
			good = append(good, address)
		}
	}
	return good
}
