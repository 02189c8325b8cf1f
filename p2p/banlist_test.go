package p2p

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"embercoin/storage"
)

func mustSubnet(t *testing.T, raw string) Subnet {
	t.Helper()
	sn, err := ParseSubnet(raw)
	if err != nil {
		t.Fatalf("parse subnet %q: %v", raw, err)
	}
	return sn
}

func testBanList(t *testing.T, db storage.Database, disconnect DisconnectFunc) (*BanList, *time.Time) {
	t.Helper()
	current := time.Unix(1700000000, 0).UTC()
	list, err := NewBanList(BanListConfig{
		DB:         db,
		Disconnect: disconnect,
		NowFunc:    func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("new ban list: %v", err)
	}
	return list, &current
}

func TestBanListAddRejectsActiveDuplicate(t *testing.T) {
	var dropped []string
	list, current := testBanList(t, storage.NewMemDB(), func(sn Subnet) int {
		dropped = append(dropped, sn.String())
		return 1
	})
	sn := mustSubnet(t, "10.0.0.0/24")

	entry, err := list.Add(sn, 0, false, BanReasonManuallyAdded)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if want := current.Add(DefaultBanDuration); !entry.Until.Equal(want) {
		t.Fatalf("default expiry = %v, want %v", entry.Until, want)
	}
	if len(dropped) != 1 || dropped[0] != "10.0.0.0/24" {
		t.Fatalf("disconnect hook saw %v", dropped)
	}

	if _, err := list.Add(sn, 0, false, BanReasonManuallyAdded); !errors.Is(err, ErrBanExists) {
		t.Fatalf("expected ErrBanExists, got %v", err)
	}

	*current = current.Add(DefaultBanDuration + time.Second)
	entry, err = list.Add(sn, 0, false, BanReasonNodeMisbehaving)
	if err != nil {
		t.Fatalf("re-add after lapse: %v", err)
	}
	if entry.Reason != BanReasonNodeMisbehaving {
		t.Fatalf("lapsed entry not overwritten: %+v", entry)
	}
}

func TestBanListExpiryForms(t *testing.T) {
	list, current := testBanList(t, storage.NewMemDB(), nil)

	rel, err := list.Add(mustSubnet(t, "10.1.0.0/16"), 600, false, BanReasonManuallyAdded)
	if err != nil {
		t.Fatalf("relative add: %v", err)
	}
	if want := current.Add(600 * time.Second); !rel.Until.Equal(want) {
		t.Fatalf("relative expiry = %v, want %v", rel.Until, want)
	}

	stamp := current.Add(48 * time.Hour).Unix()
	abs, err := list.Add(mustSubnet(t, "10.2.0.0/16"), stamp, true, BanReasonManuallyAdded)
	if err != nil {
		t.Fatalf("absolute add: %v", err)
	}
	if !abs.Until.Equal(time.Unix(stamp, 0)) {
		t.Fatalf("absolute expiry = %v, want %v", abs.Until, time.Unix(stamp, 0))
	}
}

func TestBanListRemove(t *testing.T) {
	list, current := testBanList(t, storage.NewMemDB(), nil)
	sn := mustSubnet(t, "192.0.2.1")

	if err := list.Remove(sn); !errors.Is(err, ErrBanNotFound) {
		t.Fatalf("expected ErrBanNotFound, got %v", err)
	}
	if _, err := list.Add(sn, 60, false, BanReasonManuallyAdded); err != nil {
		t.Fatalf("add: %v", err)
	}
	*current = current.Add(time.Hour)
	if err := list.Remove(sn); err != nil {
		t.Fatalf("remove of lapsed entry should work: %v", err)
	}
	if err := list.Remove(sn); !errors.Is(err, ErrBanNotFound) {
		t.Fatalf("expected ErrBanNotFound after remove, got %v", err)
	}
}

func TestBanListSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	list, _ := testBanList(t, db, nil)
	if _, err := list.Add(mustSubnet(t, "10.0.0.0/24"), 3600, false, BanReasonManuallyAdded); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := list.Add(mustSubnet(t, "192.0.2.9"), 3600, false, BanReasonNodeMisbehaving); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Put([]byte(banKeyPrefix+"mangled"), []byte("{nope")); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}

	reloaded, _ := testBanList(t, db, nil)
	entries := reloaded.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", len(entries))
	}
	if entries[0].Subnet != "10.0.0.0/24" || entries[1].Subnet != "192.0.2.9/32" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if _, err := db.Get([]byte(banKeyPrefix + "mangled")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("garbage record should be dropped, got %v", err)
	}
}

func TestBanListIsBanned(t *testing.T) {
	list, current := testBanList(t, storage.NewMemDB(), nil)
	if _, err := list.Add(mustSubnet(t, "10.0.0.0/24"), 600, false, BanReasonManuallyAdded); err != nil {
		t.Fatalf("add: %v", err)
	}

	if !list.IsBanned("10.0.0.7:9601") {
		t.Fatalf("host inside banned subnet not flagged")
	}
	if list.IsBanned("10.0.1.7:9601") {
		t.Fatalf("host outside banned subnet flagged")
	}
	if list.IsBanned("not-an-endpoint") {
		t.Fatalf("unparseable endpoint flagged")
	}
	*current = current.Add(601 * time.Second)
	if list.IsBanned("10.0.0.7:9601") {
		t.Fatalf("lapsed ban still enforced")
	}
}

func TestBanListListAndSweep(t *testing.T) {
	list, current := testBanList(t, storage.NewMemDB(), nil)
	if _, err := list.Add(mustSubnet(t, "10.0.0.0/24"), 60, false, BanReasonManuallyAdded); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := list.Add(mustSubnet(t, "192.0.2.0/24"), 3600, false, BanReasonManuallyAdded); err != nil {
		t.Fatalf("add: %v", err)
	}

	*current = current.Add(2 * time.Minute)
	if entries := list.List(); len(entries) != 2 {
		t.Fatalf("lapsed entries should still list, got %d", len(entries))
	}
	if swept := list.Sweep(*current); swept != 1 {
		t.Fatalf("sweep removed %d entries", swept)
	}
	entries := list.List()
	if len(entries) != 1 || entries[0].Subnet != "192.0.2.0/24" {
		t.Fatalf("wrong survivor: %+v", entries)
	}
}

func TestBanListClear(t *testing.T) {
	db := storage.NewMemDB()
	list, _ := testBanList(t, db, nil)
	for _, raw := range []string{"10.0.0.0/24", "192.0.2.0/24", "198.51.100.1"} {
		if _, err := list.Add(mustSubnet(t, raw), 3600, false, BanReasonManuallyAdded); err != nil {
			t.Fatalf("add %s: %v", raw, err)
		}
	}
	cleared, err := list.Clear()
	if err != nil || cleared != 3 {
		t.Fatalf("clear = (%d, %v)", cleared, err)
	}
	if entries := list.List(); len(entries) != 0 {
		t.Fatalf("entries survived clear: %+v", entries)
	}
	records := 0
	if err := db.Iterate([]byte(banKeyPrefix), func(_, _ []byte) error {
		records++
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if records != 0 {
		t.Fatalf("%d records survived clear", records)
	}
}

func TestBanListImportPolicy(t *testing.T) {
	list, current := testBanList(t, storage.NewMemDB(), nil)
	path := filepath.Join(t.TempDir(), "banlist.yaml")
	policy := `bans:
  - subnet: 203.0.113.0/24
    days: 7
    reason: misbehaving
  - subnet: 198.51.100.25
    permanent: true
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	applied, err := list.ImportPolicy(path)
	if err != nil || applied != 2 {
		t.Fatalf("import = (%d, %v)", applied, err)
	}
	entries := list.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Reason != BanReasonNodeMisbehaving {
		t.Fatalf("reason not mapped: %+v", entries[1])
	}
	if want := current.Add(7 * 24 * time.Hour); !entries[1].Until.Equal(want) {
		t.Fatalf("days not applied: %v want %v", entries[1].Until, want)
	}
	if entries[0].Until.Before(current.AddDate(99, 0, 0)) {
		t.Fatalf("permanent entry expires too soon: %v", entries[0].Until)
	}

	// A second import must not reset the clocks on live entries.
	applied, err = list.ImportPolicy(path)
	if err != nil || applied != 0 {
		t.Fatalf("re-import = (%d, %v)", applied, err)
	}

	if err := os.WriteFile(path, []byte("bans:\n  - subnet: bogus\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := list.ImportPolicy(path); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
