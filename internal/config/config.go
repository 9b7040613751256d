// Package config handles ilix client configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Remote server
	Server ServerConfig `json:"server"`

	// Caching
	Cache CacheConfig `json:"cache"`

	// Push event channel
	Events EventsConfig `json:"events"`
}

// ServerConfig for the remote ilix API
type ServerConfig struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// CacheConfig for the bulk cache store
type CacheConfig struct {
	// FileInfoTTL is how long a per-transfer file-info entry stays valid.
	// Clamped to [10m, 30m]; the entry can still be invalidated earlier when
	// the transfer's file set changes.
	FileInfoTTL time.Duration `json:"file_info_ttl"`
}

// EventsConfig for the push event channel
type EventsConfig struct {
	// ConnectTimeout bounds the initial connection attempt. A timeout is
	// non-fatal, the client keeps working in refresh-only mode.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// MaxReconnectWait caps the exponential backoff between reconnects.
	MaxReconnectWait time.Duration `json:"max_reconnect_wait"`
}

const (
	minFileInfoTTL = 10 * time.Minute
	maxFileInfoTTL = 30 * time.Minute
)

// Default returns default configuration
func Default() *Config {
	return &Config{
		DataDir: filepath.Join(xdg.DataHome, "ilix"),
		Server: ServerConfig{
			URL:     "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			FileInfoTTL: maxFileInfoTTL,
		},
		Events: EventsConfig{
			ConnectTimeout:   5 * time.Second,
			MaxReconnectWait: time.Minute,
		},
	}
}

// Load loads config from file, falling back to defaults. Environment
// variables ILIX_SERVER_URL and ILIX_DATA_DIR override both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Use defaults
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("ILIX_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if dir := os.Getenv("ILIX_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	cfg.clamp()
	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// KeyringPath is where the secure key store database lives.
func (c *Config) KeyringPath() string {
	return filepath.Join(c.DataDir, "keyring.db")
}

// CachePath is where the bulk cache store lives.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache")
}

func (c *Config) clamp() {
	if c.Cache.FileInfoTTL < minFileInfoTTL {
		c.Cache.FileInfoTTL = minFileInfoTTL
	}
	if c.Cache.FileInfoTTL > maxFileInfoTTL {
		c.Cache.FileInfoTTL = maxFileInfoTTL
	}
	if c.Events.ConnectTimeout <= 0 {
		c.Events.ConnectTimeout = 5 * time.Second
	}
	if c.Events.MaxReconnectWait <= 0 {
		c.Events.MaxReconnectWait = time.Minute
	}
}
