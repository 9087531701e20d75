package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that cannot be hot-reloaded and
// require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Port":             true,
	"Server.DataDir":          true,
	"Server.APISecret":        true,
	"Server.LogFile":          true,
	"Store":                   true,
	"Remote":                  true,
	"MQTT":                    true,
	"Sync.MaxAttempts":        true,
	"Network.ProbeURL":        true,
	"Network.ProbeTimeoutSec": true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Sync.ExecuteTimeoutSec",
	"Network.ProbeIntervalSec",
	"Schedule.SyncCron",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped. An invalid file leaves c untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := decode(path, data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	newCfg.ApplyEnv()
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

func (r *ReloadResult) skip(field string) {
	r.Changed = append(r.Changed, field)
	r.Skipped = append(r.Skipped, field+" (requires restart)")
}

func (r *ReloadResult) apply(field string) {
	r.Changed = append(r.Changed, field)
	r.Applied = append(r.Applied, field)
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.Port != new.Server.Port {
		result.skip("Server.Port")
	}
	if old.Server.DataDir != new.Server.DataDir {
		result.skip("Server.DataDir")
	}
	if old.Server.APISecret != new.Server.APISecret {
		result.skip("Server.APISecret")
	}
	if old.Server.LogFile != new.Server.LogFile {
		result.skip("Server.LogFile")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		result.skip("Store")
	}
	if !reflect.DeepEqual(old.Remote, new.Remote) {
		result.skip("Remote")
	}
	if !reflect.DeepEqual(old.MQTT, new.MQTT) {
		result.skip("MQTT")
	}
	if old.Sync.MaxAttempts != new.Sync.MaxAttempts {
		result.skip("Sync.MaxAttempts")
	}
	if old.Network.ProbeURL != new.Network.ProbeURL {
		result.skip("Network.ProbeURL")
	}
	if old.Network.ProbeTimeoutSec != new.Network.ProbeTimeoutSec {
		result.skip("Network.ProbeTimeoutSec")
	}

	// Server.LogLevel (hot-reloadable)
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		result.apply("Server.LogLevel")
	}

	if old.Sync.ExecuteTimeoutSec != new.Sync.ExecuteTimeoutSec {
		old.Sync.ExecuteTimeoutSec = new.Sync.ExecuteTimeoutSec
		result.apply("Sync.ExecuteTimeoutSec")
	}

	if old.Network.ProbeIntervalSec != new.Network.ProbeIntervalSec {
		old.Network.ProbeIntervalSec = new.Network.ProbeIntervalSec
		result.apply("Network.ProbeIntervalSec")
	}

	if old.Schedule.SyncCron != new.Schedule.SyncCron {
		old.Schedule.SyncCron = new.Schedule.SyncCron
		result.apply("Schedule.SyncCron")
	}
}

// Has reports whether field was applied by the reload.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
