package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress     string    `toml:"ListenAddress"`
	RPCAddress        string    `toml:"RPCAddress"`
	DataDir           string    `toml:"DataDir"`
	NetworkName       string    `toml:"NetworkName"`
	UserAgentComments []string  `toml:"UserAgentComments"`
	AddNodes          []string  `toml:"AddNodes"`
	P2P               P2P       `toml:"p2p"`
	RPC               RPC       `toml:"rpc"`
	Log               Log       `toml:"log"`
	Telemetry         Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default
// file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, undecoded[0].String())
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":9601"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":9545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./ember-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "ember-main"
	}
	if cfg.AddNodes == nil {
		cfg.AddNodes = []string{}
	}
	if cfg.P2P.MaxPeers <= 0 {
		cfg.P2P.MaxPeers = 125
	}
	if cfg.P2P.MaxInbound <= 0 {
		cfg.P2P.MaxInbound = cfg.P2P.MaxPeers - 8
		if cfg.P2P.MaxInbound <= 0 {
			cfg.P2P.MaxInbound = cfg.P2P.MaxPeers
		}
	}
	if cfg.P2P.DefaultBanSeconds <= 0 {
		cfg.P2P.DefaultBanSeconds = 86400
	}
	if cfg.P2P.DialTimeoutSeconds <= 0 {
		cfg.P2P.DialTimeoutSeconds = 10
	}
	if cfg.P2P.PingIntervalSeconds <= 0 {
		cfg.P2P.PingIntervalSeconds = 120
	}
	if cfg.P2P.InboundPerIPPerMin <= 0 {
		cfg.P2P.InboundPerIPPerMin = 30
	}
	if cfg.P2P.InboundBurst <= 0 {
		cfg.P2P.InboundBurst = 10
	}
	if cfg.RPC.RateLimitPerMin <= 0 {
		cfg.RPC.RateLimitPerMin = 600
	}
	if cfg.RPC.RateBurst <= 0 {
		cfg.RPC.RateBurst = 60
	}
	if cfg.RPC.MaxBodyBytes <= 0 {
		cfg.RPC.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// ResolveRPCToken returns the static bearer token, preferring the
// environment variable indirection when configured.
func (c *Config) ResolveRPCToken(lookup func(string) (string, bool)) string {
	if env := strings.TrimSpace(c.RPC.AuthTokenEnv); env != "" && lookup != nil {
		if value, ok := lookup(env); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(c.RPC.AuthToken)
}

// ResolveJWTSecret returns the HS256 secret, preferring the environment
// variable indirection when configured.
func (c *Config) ResolveJWTSecret(lookup func(string) (string, bool)) string {
	if env := strings.TrimSpace(c.RPC.JWTSecretEnv); env != "" && lookup != nil {
		if value, ok := lookup(env); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(c.RPC.JWTSecret)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":9601",
		RPCAddress:    ":9545",
		DataDir:       "./ember-data",
		NetworkName:   "ember-main",
		AddNodes:      []string{},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
