package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvRemoteURL   = "SLOPESIDE_REMOTE_URL"
	EnvRemoteToken = "SLOPESIDE_REMOTE_TOKEN"
	EnvAPISecret   = "SLOPESIDE_API_SECRET"
)

// Config holds all slopesync configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Local queue storage
	Store StoreConfig `json:"store" toml:"store" yaml:"store"`

	// Remote data service
	Remote RemoteConfig `json:"remote" toml:"remote" yaml:"remote"`

	// Reachability probing
	Network NetworkConfig `json:"network" toml:"network" yaml:"network"`

	// Sync engine tuning
	Sync SyncConfig `json:"sync" toml:"sync" yaml:"sync"`

	// Scheduled safety-net syncs
	Schedule ScheduleConfig `json:"schedule" toml:"schedule" yaml:"schedule"`

	// MQTT status publishing
	MQTT MQTTConfig `json:"mqtt" toml:"mqtt" yaml:"mqtt"`
}

type ServerConfig struct {
	Port     int    `json:"port" toml:"port" yaml:"port"`
	DataDir  string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
	// LogFile, when set, receives the daemon log with size-based rotation.
	LogFile string `json:"logFile,omitempty" toml:"logFile" yaml:"logFile,omitempty"`
	// APISecret enables bearer-token auth on the local API when set.
	APISecret string `json:"apiSecret,omitempty" toml:"apiSecret" yaml:"apiSecret,omitempty"`
}

type StoreConfig struct {
	Backend string `json:"backend" toml:"backend" yaml:"backend"` // "file", "sqlite" or "memory"
	Path    string `json:"path,omitempty" toml:"path" yaml:"path,omitempty"`
}

type RemoteConfig struct {
	URL   string `json:"url" toml:"url" yaml:"url"` // libsql:// or https://
	Token string `json:"token,omitempty" toml:"token" yaml:"token,omitempty"`
	// RequestsPerSecond caps calls to the remote while draining. 0 means no cap.
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" toml:"requestsPerSecond" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" toml:"burst" yaml:"burst,omitempty"`
}

type NetworkConfig struct {
	ProbeURL         string `json:"probeUrl" toml:"probeUrl" yaml:"probeUrl"`
	ProbeIntervalSec int    `json:"probeIntervalSec" toml:"probeIntervalSec" yaml:"probeIntervalSec"`
	ProbeTimeoutSec  int    `json:"probeTimeoutSec" toml:"probeTimeoutSec" yaml:"probeTimeoutSec"`
}

type SyncConfig struct {
	MaxAttempts       int `json:"maxAttempts" toml:"maxAttempts" yaml:"maxAttempts"`
	ExecuteTimeoutSec int `json:"executeTimeoutSec" toml:"executeTimeoutSec" yaml:"executeTimeoutSec"`
}

type ScheduleConfig struct {
	// SyncCron is a standard 5-field cron spec. Empty disables scheduled syncs.
	SyncCron string `json:"syncCron" toml:"syncCron" yaml:"syncCron"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	Username string `json:"username,omitempty" toml:"username" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" toml:"password" yaml:"password,omitempty"`
	DeviceID string `json:"deviceId,omitempty" toml:"deviceId" yaml:"deviceId,omitempty"`
}

// ProbeInterval returns the probe interval as a duration.
func (n NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalSec) * time.Second
}

// ProbeTimeout returns the probe timeout as a duration.
func (n NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(n.ProbeTimeoutSec) * time.Second
}

// ExecuteTimeout returns the per-action remote call timeout.
func (s SyncConfig) ExecuteTimeout() time.Duration {
	return time.Duration(s.ExecuteTimeoutSec) * time.Second
}

// StorePath returns the configured store path, defaulting into DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	switch c.Store.Backend {
	case "sqlite":
		return filepath.Join(c.Server.DataDir, "queue.db")
	default:
		return filepath.Join(c.Server.DataDir, "queue")
	}
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8430,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Network: NetworkConfig{
			ProbeURL:         "https://clients3.google.com/generate_204",
			ProbeIntervalSec: 10,
			ProbeTimeoutSec:  5,
		},
		Sync: SyncConfig{
			MaxAttempts:       3,
			ExecuteTimeoutSec: 15,
		},
		Schedule: ScheduleConfig{
			SyncCron: "*/15 * * * *",
		},
		MQTT: MQTTConfig{
			Host: "localhost",
			Port: 1883,
		},
	}
}

// Load reads config from path. The format follows the extension: .json,
// .toml, .yaml or .yml. Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ApplyEnv overrides remote credentials and the API secret from the
// environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRemoteURL); v != "" {
		c.Remote.URL = v
	}
	if v := os.Getenv(EnvRemoteToken); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Server.APISecret = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.logLevel %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	switch c.Store.Backend {
	case "", "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of file, sqlite, memory", c.Store.Backend))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.maxAttempts must be at least 1"))
	}
	if c.Sync.ExecuteTimeoutSec < 0 || c.Network.ProbeIntervalSec < 0 || c.Network.ProbeTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("timeouts and intervals must not be negative"))
	}
	if c.Remote.RequestsPerSecond < 0 || c.Remote.Burst < 0 {
		errs = append(errs, fmt.Errorf("remote.requestsPerSecond and remote.burst must not be negative"))
	}
	if c.Schedule.SyncCron != "" {
		if _, err := cron.ParseStandard(c.Schedule.SyncCron); err != nil {
			errs = append(errs, fmt.Errorf("schedule.syncCron: %w", err))
		}
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.host is required when mqtt is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// SaveAs writes config in the format implied by the extension of path,
// falling back to JSON.
func (c *Config) SaveAs(path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		buf.Write(data)
	default:
		return c.Save(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0640)
}
