package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Load reads and parses the TOML config file and validates it. Unknown keys
// are fatal; silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns a
// Config with default values and no accounts.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks cross-entry constraints and each account entry.
func Validate(cfg *Config) error {
	if cfg.TombstoneRetentionDays < 0 {
		return fmt.Errorf("config: tombstone_retention_days must be non-negative, got %d", cfg.TombstoneRetentionDays)
	}

	if cfg.DebugLogRetentionDays < 0 {
		return fmt.Errorf("config: debug_log_retention_days must be non-negative, got %d", cfg.DebugLogRetentionDays)
	}

	if _, err := cfg.ResolvedPollInterval(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Accounts))

	for i := range cfg.Accounts {
		acct, err := cfg.Accounts[i].Account()
		if err != nil {
			return err
		}

		if seen[acct.HashedID.String()] {
			return fmt.Errorf("config: duplicate account %s", acct.HashedID.Short())
		}

		seen[acct.HashedID.String()] = true
	}

	return nil
}

// ResolveAccounts converts all entries into validated accounts.
func (c *Config) ResolveAccounts() ([]account.Account, error) {
	accounts := make([]account.Account, 0, len(c.Accounts))

	for i := range c.Accounts {
		acct, err := c.Accounts[i].Account()
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, acct)
	}

	return accounts, nil
}

// FindAccount returns the account whose hashed ID starts with the given
// prefix. At least four characters are required to avoid ambiguity with
// very short prefixes.
func (c *Config) FindAccount(prefix string) (account.Account, error) {
	const minPrefixLen = 4

	if len(prefix) < minPrefixLen {
		return account.Account{}, fmt.Errorf("config: account prefix %q too short (minimum %d characters)", prefix, minPrefixLen)
	}

	accounts, err := c.ResolveAccounts()
	if err != nil {
		return account.Account{}, err
	}

	var matches []account.Account

	for _, acct := range accounts {
		if len(acct.HashedID.String()) >= len(prefix) && acct.HashedID.String()[:len(prefix)] == prefix {
			matches = append(matches, acct)
		}
	}

	switch len(matches) {
	case 0:
		return account.Account{}, fmt.Errorf("config: no account matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return account.Account{}, fmt.Errorf("config: account prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}
