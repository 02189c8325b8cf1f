package p2p

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type banPolicyFile struct {
	Bans []banPolicyEntry `yaml:"bans"`
}

type banPolicyEntry struct {
	Subnet    string `yaml:"subnet"`
	Days      int    `yaml:"days"`
	Permanent bool   `yaml:"permanent"`
	Reason    string `yaml:"reason"`
}

// ImportPolicy applies a static ban policy file on top of the current
// list. Entries already under an unexpired ban are left alone so their
// clocks are not reset. The number of newly applied bans is returned; a
// malformed file or entry aborts the import.
func (b *BanList) ImportPolicy(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("p2p: read ban policy: %w", err)
	}
	var policy banPolicyFile
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return 0, fmt.Errorf("p2p: parse ban policy: %w", err)
	}

	applied := 0
	for i, item := range policy.Bans {
		sn, err := ParseSubnet(item.Subnet)
		if err != nil {
			return applied, fmt.Errorf("p2p: ban policy entry %d: %w", i, err)
		}
		var banTime int64
		absolute := false
		switch {
		case item.Permanent:
			banTime = b.now().AddDate(100, 0, 0).Unix()
			absolute = true
		case item.Days > 0:
			banTime = int64(item.Days) * 86400
		}
		reason := BanReasonManuallyAdded
		if item.Reason == "misbehaving" {
			reason = BanReasonNodeMisbehaving
		}
		if _, err := b.Add(sn, banTime, absolute, reason); err != nil {
			if errors.Is(err, ErrBanExists) {
				continue
			}
			return applied, err
		}
		applied++
	}
	b.log().Info("ban policy applied", "path", path, "applied", applied, "listed", len(policy.Bans))
	return applied, nil
}
