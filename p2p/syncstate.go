package p2p

import (
	"sort"
	"sync"
)

// Misbehavior deltas applied by the connection manager.
const (
	MisbehaviorMalformed    = 10
	MisbehaviorUnsolicited  = 20
	MisbehaviorStalledFetch = 25
)

// DefaultBanThreshold is the misbehavior score at which a peer is
// handed to the ban list.
const DefaultBanThreshold = 100

// SyncConfig defines the thresholds for the sync tracker.
type SyncConfig struct {
	BanThreshold int
}

// SyncStatus is the per-peer sync view joined into peer info. Heights
// start at -1 until the peer reports them.
type SyncStatus struct {
	BanScore      int
	SyncedHeaders int32
	SyncedBlocks  int32
	InFlight      []int32
}

type syncRecord struct {
	banScore      int
	syncedHeaders int32
	syncedBlocks  int32
	inFlight      map[int32]struct{}
}

// SyncTracker keeps sync progress and misbehavior scores for live
// peers, keyed by registry id. Records die with the connection, so a
// reconnecting peer starts clean.
type SyncTracker struct {
	cfg SyncConfig

	mu      sync.Mutex
	records map[int64]*syncRecord
}

// NewSyncTracker returns a tracker with the configured ban threshold.
func NewSyncTracker(cfg SyncConfig) *SyncTracker {
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	return &SyncTracker{cfg: cfg, records: make(map[int64]*syncRecord)}
}

// Register opens a record for a newly connected peer.
func (t *SyncTracker) Register(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureRecordLocked(id)
}

// Unregister drops the record for a departed peer.
func (t *SyncTracker) Unregister(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Misbehave raises the peer's misbehavior score and reports the new
// score plus whether this increment crossed the ban threshold. The
// caller owns the consequences; the tracker only counts.
func (t *SyncTracker) Misbehave(id int64, delta int) (int, bool) {
	if delta <= 0 {
		return t.score(id), false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureRecordLocked(id)
	prev := rec.banScore
	rec.banScore += delta
	crossed := prev < t.cfg.BanThreshold && rec.banScore >= t.cfg.BanThreshold
	return rec.banScore, crossed
}

func (t *SyncTracker) score(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.records[id]; rec != nil {
		return rec.banScore
	}
	return 0
}

// SetHeights records the chain heights the peer has proven.
func (t *SyncTracker) SetHeights(id int64, headers, blocks int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureRecordLocked(id)
	rec.syncedHeaders = headers
	rec.syncedBlocks = blocks
}

// AddInFlight marks a block height as requested from the peer.
func (t *SyncTracker) AddInFlight(id int64, height int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureRecordLocked(id)
	rec.inFlight[height] = struct{}{}
}

// RemoveInFlight clears a requested height, typically on delivery.
func (t *SyncTracker) RemoveInFlight(id int64, height int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.records[id]; rec != nil {
		delete(rec.inFlight, height)
	}
}

// Status returns the peer's sync view and whether a record exists.
func (t *SyncTracker) Status(id int64) (SyncStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[id]
	if rec == nil {
		return SyncStatus{}, false
	}
	return composeSyncStatus(rec), true
}

// Snapshot copies every record, keyed by peer id.
func (t *SyncTracker) Snapshot() map[int64]SyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]SyncStatus, len(t.records))
	for id, rec := range t.records {
		out[id] = composeSyncStatus(rec)
	}
	return out
}

func (t *SyncTracker) ensureRecordLocked(id int64) *syncRecord {
	rec := t.records[id]
	if rec == nil {
		rec = &syncRecord{
			syncedHeaders: -1,
			syncedBlocks:  -1,
			inFlight:      make(map[int32]struct{}),
		}
		t.records[id] = rec
	}
	return rec
}

func composeSyncStatus(rec *syncRecord) SyncStatus {
	status := SyncStatus{
		BanScore:      rec.banScore,
		SyncedHeaders: rec.syncedHeaders,
		SyncedBlocks:  rec.syncedBlocks,
		InFlight:      make([]int32, 0, len(rec.inFlight)),
	}
	for height := range rec.inFlight {
		status.InFlight = append(status.InFlight, height)
	}
	sort.Slice(status.InFlight, func(i, j int) bool { return status.InFlight[i] < status.InFlight[j] })
	return status
}
