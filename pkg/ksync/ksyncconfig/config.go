// Package ksyncconfig loads the operating parameters KSync needs that
// the spec leaves as named tunables rather than hard constants: index
// table capacities, bulk limits, the in-flight high-water mark, and
// the stale/audit timer quotas. Loading follows the same
// file-then-env-then-validate shape the rest of the stack uses.
package ksyncconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// ObjectConfig is the per-entry-type sizing for one EntryObject.
type ObjectConfig struct {
	Name              string        `yaml:"name"`
	IndexCapacity     int           `yaml:"index_capacity"`
	StaleInterval     time.Duration `yaml:"stale_interval"`
	StaleEntriesPerTick int         `yaml:"stale_entries_per_tick"`
}

// TransportConfig carries the per-variant dial target plus the
// bulking and backpressure tunables of §4.5.
type TransportConfig struct {
	Variant    string `yaml:"variant"` // "netlink", "udploop", "stream"
	Family     string `yaml:"family"`  // netlink family name
	LocalAddr  string `yaml:"local_addr"`
	PeerAddr   string `yaml:"peer_addr"`
	Network    string `yaml:"network"` // "tcp" or "unix", for the stream variant
	Address    string `yaml:"address"`

	MaxBulkMessages   int `yaml:"max_bulk_messages"`
	MaxBulkBytes      int `yaml:"max_bulk_bytes"`
	InFlightHighWater int `yaml:"in_flight_high_water"`
	MaxFrameBytes     int `yaml:"max_frame_bytes"`
}

// FlowConfig sizes the sharded flow registry of §4.6.
type FlowConfig struct {
	ShardCount    int `yaml:"shard_count"`
	SlotsPerShard int `yaml:"slots_per_shard"`
}

// AuditConfig sizes the shared-memory audit sweep of §4.7.
type AuditConfig struct {
	EntrySize        int           `yaml:"entry_size"`
	YieldSize        int           `yaml:"yield_size"`
	AuditTimeout     time.Duration `yaml:"audit_timeout"`
	SweepPeriod      time.Duration `yaml:"sweep_period"`
}

// Config is the root configuration KSync's Context is constructed
// from.
type Config struct {
	Objects   []ObjectConfig  `yaml:"objects"`
	Transport TransportConfig `yaml:"transport"`
	Flow      FlowConfig      `yaml:"flow"`
	Audit     AuditConfig     `yaml:"audit"`
}

// LoadConfig reads configFile (if non-empty), applies defaults for
// anything left unset, then applies KSYNC_*-prefixed environment
// overrides, and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			fmt.Printf("ksync: warning: failed to read config file %s: %v\n", configFile, err)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			fmt.Printf("ksync: warning: failed to parse config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("ksync: loaded configuration from %s\n", configFile)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ksync: configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.MaxBulkMessages == 0 {
		cfg.Transport.MaxBulkMessages = 16
	}
	if cfg.Transport.MaxBulkBytes == 0 {
		cfg.Transport.MaxBulkBytes = 32 * 1024
	}
	if cfg.Transport.InFlightHighWater == 0 {
		cfg.Transport.InFlightHighWater = 256
	}
	if cfg.Transport.MaxFrameBytes == 0 {
		cfg.Transport.MaxFrameBytes = 64 * 1024
	}
	if cfg.Transport.Variant == "" {
		cfg.Transport.Variant = "udploop"
	}

	if cfg.Flow.ShardCount == 0 {
		cfg.Flow.ShardCount = 4
	}
	if cfg.Flow.SlotsPerShard == 0 {
		cfg.Flow.SlotsPerShard = 4096
	}

	if cfg.Audit.EntrySize == 0 {
		cfg.Audit.EntrySize = 128
	}
	if cfg.Audit.YieldSize == 0 {
		cfg.Audit.YieldSize = 256
	}
	if cfg.Audit.AuditTimeout == 0 {
		cfg.Audit.AuditTimeout = 30 * time.Second
	}
	if cfg.Audit.SweepPeriod == 0 {
		cfg.Audit.SweepPeriod = 10 * time.Second
	}

	for i := range cfg.Objects {
		if cfg.Objects[i].IndexCapacity == 0 {
			cfg.Objects[i].IndexCapacity = 4096
		}
	}
}

// applyEnvironmentOverrides mirrors the SSW_* convention used
// elsewhere in the stack, scoped to this library's own KSYNC_* prefix.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("KSYNC_TRANSPORT_VARIANT"); v != "" {
		cfg.Transport.Variant = v
	}
	if v := os.Getenv("KSYNC_TRANSPORT_ADDRESS"); v != "" {
		cfg.Transport.Address = v
	}
	if v := os.Getenv("KSYNC_MAX_BULK_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxBulkMessages = n
		}
	}
	if v := os.Getenv("KSYNC_IN_FLIGHT_HIGH_WATER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.InFlightHighWater = n
		}
	}
}

// ValidateConfig rejects configurations the rest of the package would
// otherwise fail on less legibly (e.g. a zero shard count, on which
// flow.ShardFor panics).
func ValidateConfig(cfg *Config) error {
	switch cfg.Transport.Variant {
	case "netlink", "udploop", "stream":
	default:
		return fmt.Errorf("transport.variant %q is not one of netlink, udploop, stream", cfg.Transport.Variant)
	}
	if cfg.Flow.ShardCount <= 0 {
		return fmt.Errorf("flow.shard_count must be positive")
	}
	if cfg.Flow.SlotsPerShard <= 0 {
		return fmt.Errorf("flow.slots_per_shard must be positive")
	}
	if cfg.Transport.MaxBulkBytes <= 0 {
		return fmt.Errorf("transport.max_bulk_bytes must be positive")
	}
	for _, oc := range cfg.Objects {
		if oc.Name == "" {
			return fmt.Errorf("an object config entry is missing a name")
		}
		if oc.IndexCapacity <= 0 {
			return fmt.Errorf("object %s: index_capacity must be positive", oc.Name)
		}
	}
	return nil
}
