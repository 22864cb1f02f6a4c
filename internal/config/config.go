// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution. The config file declares one [[account]]
// table per synced account; accounts are identified only by their hashed ID,
// so the file never holds a plain provider account identifier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Defaults applied when the config file omits a value.
const (
	DefaultLogLevel             = "info"
	DefaultPollInterval         = 30 * time.Second
	DefaultTombstoneRetention   = 30 // days
	minPollInterval             = 30 * time.Second
	defaultDebugLogRetentionDay = 7
)

// Config is the top-level structure parsed from the TOML config file.
type Config struct {
	DataDir                string         `toml:"data_dir"`
	LogLevel               string         `toml:"log_level"`
	PollInterval           string         `toml:"poll_interval"`
	TombstoneRetentionDays int            `toml:"tombstone_retention_days"`
	DebugLogRetentionDays  int            `toml:"debug_log_retention_days"`
	Accounts               []AccountEntry `toml:"account"`
}

// AccountEntry is one [[account]] table in the config file.
type AccountEntry struct {
	HashedID             string `toml:"hashed_id"`
	DisplayName          string `toml:"display_name"`
	LocalSyncRoot        string `toml:"local_sync_root"`
	MaxParallelTransfers int    `toml:"max_parallel_transfers"`
	MaxBatchItems        int    `toml:"max_batch_items"`
	BandwidthLimit       string `toml:"bandwidth_limit"`
	DebugLogging         bool   `toml:"debug_logging"`
	DetailedSessionLogs  bool   `toml:"detailed_session_logs"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                DefaultDataDir(),
		LogLevel:               DefaultLogLevel,
		PollInterval:           DefaultPollInterval.String(),
		TombstoneRetentionDays: DefaultTombstoneRetention,
		DebugLogRetentionDays:  defaultDebugLogRetentionDay,
	}
}

// ResolvedPollInterval parses the poll interval, clamping to the minimum.
// Polling the change stream more often than every 30 seconds buys nothing
// and burns request quota.
func (c *Config) ResolvedPollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return DefaultPollInterval, nil
	}

	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("config: invalid poll_interval %q: %w", c.PollInterval, err)
	}

	if d < minPollInterval {
		return minPollInterval, nil
	}

	return d, nil
}

// Account converts an entry into a validated account.Account with defaults
// applied and the sync root expanded to an absolute path.
func (e *AccountEntry) Account() (account.Account, error) {
	id, err := account.ParseHashedID(e.HashedID)
	if err != nil {
		return account.Account{}, fmt.Errorf("config: account %q: %w", e.DisplayName, err)
	}

	root, err := expandPath(e.LocalSyncRoot)
	if err != nil {
		return account.Account{}, fmt.Errorf("config: account %s: %w", id.Short(), err)
	}

	acct := account.Account{
		HashedID:             id,
		DisplayName:          e.DisplayName,
		LocalSyncRoot:        root,
		MaxParallelTransfers: e.MaxParallelTransfers,
		MaxBatchItems:        e.MaxBatchItems,
		BandwidthLimit:       e.BandwidthLimit,
		DebugLogging:         e.DebugLogging,
		DetailedSessionLogs:  e.DetailedSessionLogs,
	}

	acct.ApplyDefaults()

	if err := acct.Validate(); err != nil {
		return account.Account{}, fmt.Errorf("config: account %s: %w", id.Short(), err)
	}

	return acct, nil
}

// expandPath resolves a leading "~/" against the user home directory and
// makes the result absolute.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}

		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}

	return abs, nil
}
