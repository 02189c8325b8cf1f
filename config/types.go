package config

// P2P bundles the network-layer knobs consumed by the connection manager
// and the ban table.
type P2P struct {
	MaxPeers            int      `toml:"MaxPeers"`
	MaxInbound          int      `toml:"MaxInbound"`
	Whitelist           []string `toml:"Whitelist"`
	DNSSeeds            []string `toml:"DNSSeeds"`
	DefaultBanSeconds   int64    `toml:"DefaultBanSeconds"`
	BanPolicyFile       string   `toml:"BanPolicyFile"`
	OnlyNets            []string `toml:"OnlyNets"`
	Proxy               string   `toml:"Proxy"`
	OnionProxy          string   `toml:"OnionProxy"`
	I2PProxy            string   `toml:"I2PProxy"`
	ExternalAddresses   []string `toml:"ExternalAddresses"`
	DialTimeoutSeconds  int      `toml:"DialTimeoutSeconds"`
	PingIntervalSeconds int      `toml:"PingIntervalSeconds"`
	InboundPerIPPerMin  float64  `toml:"InboundPerIPPerMin"`
	InboundBurst        int      `toml:"InboundBurst"`
}

// RPC controls the JSON-RPC listener.
type RPC struct {
	AuthToken        string  `toml:"AuthToken"`
	AuthTokenEnv     string  `toml:"AuthTokenEnv"`
	JWTSecret        string  `toml:"JWTSecret"`
	JWTSecretEnv     string  `toml:"JWTSecretEnv"`
	RateLimitPerMin  float64 `toml:"RateLimitPerMin"`
	RateBurst        int     `toml:"RateBurst"`
	MaxBodyBytes     int64   `toml:"MaxBodyBytes"`
	TrustProxyHeader bool    `toml:"TrustProxyHeader"`
}

// Log selects the log level and an optional rotating file destination.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the optional OTLP exporters.
type Telemetry struct {
	Enabled     bool    `toml:"Enabled"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}
