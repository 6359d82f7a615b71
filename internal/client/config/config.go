package config

import "time"

// Config holds runtime settings for the mycoRegister client.
//
// Durations are time.Duration values; JSON config may specify them either
// as strings ("30s") or integer nanoseconds.
type Config struct {
	// ServerURL is the base URL of the backend (API, health probe and
	// replication endpoints hang off it).
	ServerURL string

	// StateDir is where local databases and the obfuscated auth file live.
	StateDir string

	// InstallMode namespaces persisted keys so an installed app and a
	// portable copy sharing a state dir do not collide.
	InstallMode string

	// Connectivity monitor.
	CheckTimeout         time.Duration
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	PollingInterval      time.Duration

	// Session & token manager.
	RefreshThreshold   time.Duration
	SessionTTL         time.Duration
	SessionTTLRemember time.Duration

	// Sync coordinator.
	SyncDebounce time.Duration
	SyncInterval time.Duration
	SyncBatch    int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.StateDir = "."
	c.InstallMode = "app"

	c.CheckTimeout = 3 * time.Second
	c.InitialRetryInterval = 30 * time.Second
	c.MaxRetryInterval = 5 * time.Minute
	c.PollingInterval = time.Minute

	c.RefreshThreshold = 2 * time.Minute
	c.SessionTTL = 24 * time.Hour
	c.SessionTTLRemember = 7 * 24 * time.Hour

	c.SyncDebounce = 300 * time.Millisecond
	c.SyncInterval = 30 * time.Second
	c.SyncBatch = 100
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
