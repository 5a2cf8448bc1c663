// Package config provides the TOML configuration of a Hyperborea node.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by FixupAndValidate.
const (
	DefaultMaxDepth      = 5
	DefaultParallelism   = 4
	DefaultPerHopTimeout = 5 * time.Second
	DefaultStaleAfter    = time.Hour
	DefaultEvictEvery    = 5 * time.Minute
	DefaultInboxCapacity = 1000
	DefaultRetention     = 24 * time.Hour
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Seed is a bootstrap server the node contacts when its routing table is
// empty.
type Seed struct {
	// PublicKey is the server's base64 public key.
	PublicKey string
	// Endpoint is the server's transport locator.
	Endpoint string
}

// Traversal bounds network searches.
type Traversal struct {
	// MaxDepth is the deepest BFS level queried.
	MaxDepth int
	// Parallelism caps concurrent queries per BFS level.
	Parallelism int
	// PerHopTimeout bounds each traversal round trip.
	PerHopTimeout Duration
}

// Routing controls routing table maintenance.
type Routing struct {
	// StaleAfter is the record staleness eviction threshold.
	StaleAfter Duration
	// EvictEvery is the maintenance sweep interval.
	EvictEvery Duration
}

// Inbox controls the durable message store.
type Inbox struct {
	// Capacity bounds entries per recipient queue.
	Capacity int
	// Retention is how long undelivered entries are kept.
	Retention Duration
}

// Config is a Hyperborea node configuration.
type Config struct {
	// Endpoint is the node's advertised transport locator.
	Endpoint string
	// DataDir holds the node's durable state.
	DataDir string
	// Seeds are the bootstrap servers.
	Seeds []Seed

	Traversal Traversal
	Routing   Routing
	Inbox     Inbox
}

// FixupAndValidate applies defaults and checks the configuration for
// sanity.
func (c *Config) FixupAndValidate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: Endpoint is not set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir is not set")
	}

	if c.Traversal.MaxDepth <= 0 {
		c.Traversal.MaxDepth = DefaultMaxDepth
	}
	if c.Traversal.Parallelism <= 0 {
		c.Traversal.Parallelism = DefaultParallelism
	}
	if c.Traversal.PerHopTimeout.Duration <= 0 {
		c.Traversal.PerHopTimeout.Duration = DefaultPerHopTimeout
	}
	if c.Routing.StaleAfter.Duration <= 0 {
		c.Routing.StaleAfter.Duration = DefaultStaleAfter
	}
	if c.Routing.EvictEvery.Duration <= 0 {
		c.Routing.EvictEvery.Duration = DefaultEvictEvery
	}
	if c.Inbox.Capacity <= 0 {
		c.Inbox.Capacity = DefaultInboxCapacity
	}
	if c.Inbox.Retention.Duration <= 0 {
		c.Inbox.Retention.Duration = DefaultRetention
	}

	for i, seed := range c.Seeds {
		if seed.PublicKey == "" || seed.Endpoint == "" {
			return fmt.Errorf("config: seed %d is missing PublicKey or Endpoint", i)
		}
	}

	return nil
}

// Load parses and validates a configuration from TOML bytes.
func Load(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(data)
}

// Default returns a validated configuration for the given endpoint and
// data directory.
func Default(endpoint, dataDir string) *Config {
	cfg := &Config{Endpoint: endpoint, DataDir: dataDir}
	// Only Endpoint and DataDir can fail validation, and both are set.
	_ = cfg.FixupAndValidate()
	return cfg
}
