package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesNetworkSettings(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "0.0.0.0:7601"
RPCAddress = "127.0.0.1:7545"
DataDir = "./data"
NetworkName = "ember-test"
AddNodes = ["seed1.ember.example:9601", "seed2.ember.example:9601"]

[p2p]
MaxPeers = 64
MaxInbound = 40
DefaultBanSeconds = 600
OnlyNets = ["ipv4", "onion"]
OnionProxy = "127.0.0.1:9050"

[rpc]
AuthToken = "local-token"
RateLimitPerMin = 120.0
RateBurst = 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:7601" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if len(cfg.AddNodes) != 2 {
		t.Fatalf("expected 2 added nodes, got %d", len(cfg.AddNodes))
	}
	if cfg.P2P.DefaultBanSeconds != 600 {
		t.Fatalf("unexpected ban default %d", cfg.P2P.DefaultBanSeconds)
	}
	if cfg.P2P.MaxInbound != 40 {
		t.Fatalf("unexpected max inbound %d", cfg.P2P.MaxInbound)
	}
	if got := cfg.ResolveRPCToken(os.LookupEnv); got != "local-token" {
		t.Fatalf("unexpected token %q", got)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `NetworkName = "ember-test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9601" {
		t.Fatalf("default listen address not applied: %q", cfg.ListenAddress)
	}
	if cfg.P2P.MaxPeers != 125 {
		t.Fatalf("default max peers not applied: %d", cfg.P2P.MaxPeers)
	}
	if cfg.P2P.DefaultBanSeconds != 86400 {
		t.Fatalf("default ban seconds not applied: %d", cfg.P2P.DefaultBanSeconds)
	}
	if cfg.RPC.MaxBodyBytes != 1<<20 {
		t.Fatalf("default body limit not applied: %d", cfg.RPC.MaxBodyBytes)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("default log level not applied: %q", cfg.Log.Level)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":9601"
LegacyBanFile = "banlist.dat"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "LegacyBanFile") {
		t.Fatalf("expected unknown-key error, got %v", err)
	}
}

func TestLoadAcceptsBothCredentialForms(t *testing.T) {
	path := writeConfig(t, `[rpc]
AuthToken = "static-token"
JWTSecret = "signing-secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RPC.AuthToken != "static-token" || cfg.RPC.JWTSecret != "signing-secret" {
		t.Fatalf("credentials not preserved: %+v", cfg.RPC)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NetworkName != "ember-main" {
		t.Fatalf("unexpected default network %q", cfg.NetworkName)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.RPCAddress != cfg.RPCAddress {
		t.Fatalf("reload mismatch: %q vs %q", reloaded.RPCAddress, cfg.RPCAddress)
	}
}

func TestResolveSecretsPreferEnv(t *testing.T) {
	cfg := &Config{RPC: RPC{AuthToken: "file-token", AuthTokenEnv: "EMBER_TEST_TOKEN"}}
	lookup := func(key string) (string, bool) {
		if key == "EMBER_TEST_TOKEN" {
			return "env-token", true
		}
		return "", false
	}
	if got := cfg.ResolveRPCToken(lookup); got != "env-token" {
		t.Fatalf("expected env token, got %q", got)
	}
	missing := func(string) (string, bool) { return "", false }
	if got := cfg.ResolveRPCToken(missing); got != "file-token" {
		t.Fatalf("expected file token fallback, got %q", got)
	}
}
