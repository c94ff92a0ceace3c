// Package config holds the runtime tuning knobs for the matching and
// arbitration engine. Environment variables override values loaded from
// a JSON file; unset knobs fall back to compiled-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults for the matching thresholds. The pair (threshold, consecutive)
// is the engine's only tuning knob.
const (
	DefaultMatchThresholdMeters = 30.0
	DefaultConsecutiveMatches   = 5
	DefaultListenAddr           = ":8000"
	DefaultDBPath               = "railguard.db"
	DefaultIngestTimeout        = 5 * time.Second
)

// Environment variable names recognised by FromEnv. Environment values
// override both compiled-in defaults and values loaded from a JSON file.
const (
	EnvMatchThreshold     = "GPS_MATCH_THRESHOLD_METERS"
	EnvConsecutiveMatches = "REQUIRED_CONSECUTIVE_MATCHES"
	EnvListenAddr         = "LISTEN_ADDR"
	EnvDBPath             = "DB_PATH"
)

// Config is the root configuration. Fields are pointers so that a partial
// JSON file only overrides the knobs it names.
type Config struct {
	// Matcher params
	MatchThresholdMeters *float64 `json:"match_threshold_meters,omitempty"`
	ConsecutiveMatches   *int     `json:"consecutive_matches,omitempty"`

	// Server params
	ListenAddr *string `json:"listen_addr,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`

	// Ingest params
	IngestTimeout *string `json:"ingest_timeout,omitempty"` // duration string like "5s"
}

// Empty returns a Config with all fields unset. The Get* methods provide
// fallback defaults for any field left nil.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Fields omitted from the file
// retain their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv applies recognised environment variables on top of cfg and
// returns cfg. Unparseable numeric values are rejected rather than
// silently ignored.
func (c *Config) FromEnv() (*Config, error) {
	if v := os.Getenv(EnvMatchThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvMatchThreshold, v, err)
		}
		c.MatchThresholdMeters = &f
	}
	if v := os.Getenv(EnvConsecutiveMatches); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvConsecutiveMatches, v, err)
		}
		c.ConsecutiveMatches = &n
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = &v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = &v
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every set field holds a usable value.
func (c *Config) Validate() error {
	if c.MatchThresholdMeters != nil && *c.MatchThresholdMeters <= 0 {
		return fmt.Errorf("match_threshold_meters must be positive, got %v", *c.MatchThresholdMeters)
	}
	if c.ConsecutiveMatches != nil && *c.ConsecutiveMatches < 1 {
		return fmt.Errorf("consecutive_matches must be at least 1, got %d", *c.ConsecutiveMatches)
	}
	if c.IngestTimeout != nil {
		d, err := time.ParseDuration(*c.IngestTimeout)
		if err != nil {
			return fmt.Errorf("invalid ingest_timeout %q: %w", *c.IngestTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("ingest_timeout must be positive, got %v", d)
		}
	}
	return nil
}

// GetMatchThresholdMeters returns the match threshold T in metres.
func (c *Config) GetMatchThresholdMeters() float64 {
	if c.MatchThresholdMeters != nil {
		return *c.MatchThresholdMeters
	}
	return DefaultMatchThresholdMeters
}

// GetConsecutiveMatches returns the streak length K required before a
// match becomes a lock candidate.
func (c *Config) GetConsecutiveMatches() int {
	if c.ConsecutiveMatches != nil {
		return *c.ConsecutiveMatches
	}
	return DefaultConsecutiveMatches
}

// GetListenAddr returns the HTTP bind address.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr != nil {
		return *c.ListenAddr
	}
	return DefaultListenAddr
}

// GetDBPath returns the sqlite database path.
func (c *Config) GetDBPath() string {
	if c.DBPath != nil {
		return *c.DBPath
	}
	return DefaultDBPath
}

// GetIngestTimeout returns the soft per-fix processing deadline.
func (c *Config) GetIngestTimeout() time.Duration {
	if c.IngestTimeout != nil {
		if d, err := time.ParseDuration(*c.IngestTimeout); err == nil {
			return d
		}
	}
	return DefaultIngestTimeout
}
