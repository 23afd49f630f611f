// Package config loads the castbridge configuration from a YAML file and
// applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DiscoveryConfig holds SSDP sweep settings.
type DiscoveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds the on-disk device cache settings.
type CacheConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path. A missing file is not an error: the
// defaults apply, so castbridge runs without any configuration present.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if listen := os.Getenv("CASTBRIDGE_LISTEN"); listen != "" {
		c.Listen = listen
	}
	if level := os.Getenv("CASTBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := os.Getenv("CASTBRIDGE_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if raw := os.Getenv("CASTBRIDGE_DISCOVERY_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			c.Discovery.Timeout = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse CASTBRIDGE_DISCOVERY_TIMEOUT %q: %v\n", raw, err)
		}
	}
	if raw := os.Getenv("CASTBRIDGE_CACHE_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			c.Cache.TTL = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse CASTBRIDGE_CACHE_TTL %q: %v\n", raw, err)
		}
	}
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7557"
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 5 * time.Second
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.Path == "" {
		c.Cache.Path = defaultCachePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks ranges that would otherwise fail deep inside a sweep.
func (c *Config) Validate() error {
	if c.Discovery.Timeout < time.Second {
		return fmt.Errorf("discovery.timeout must be at least 1s, got %s", c.Discovery.Timeout)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	return nil
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "castbridge", "devices.json")
}
