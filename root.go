package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/config"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/engine"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagAccount    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "astar-sync",
		Short:   "OneDrive sync client",
		Long:    "A bidirectional OneDrive sync client for Linux and macOS.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccount, "account", "", "hashed account ID prefix (minimum 4 characters)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())

	return cmd
}

// loadConfig reads the config file named by --config, or the platform
// default when the flag is unset.
func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// selectAccounts resolves the accounts a command operates on: the one
// matching --account when set, all configured accounts otherwise.
func selectAccounts(cfg *config.Config) ([]account.Account, error) {
	if flagAccount != "" {
		acct, err := cfg.FindAccount(flagAccount)
		if err != nil {
			return nil, err
		}

		return []account.Account{acct}, nil
	}

	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return nil, err
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured; add an [[account]] entry to %s and run 'astar-sync login'", config.DefaultConfigPath())
	}

	return accounts, nil
}

// buildLogger creates the process logger. Config provides the baseline
// level; --verbose and --quiet win over it.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// transferHTTPClient returns the client used for API and transfer
// traffic. No global timeout: large transfers are bounded by context,
// not wall clock.
func transferHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// buildRegistration assembles one account's engine registration: state
// database, token source, drive client, and retention settings. The
// caller closes the returned store.
func buildRegistration(cfg *config.Config, acct account.Account, logger *slog.Logger) (engine.Registration, *store.Store, error) {
	tokens, err := graph.LoadTokenSource(config.TokenFilePath(cfg.DataDir, acct.HashedID), logger)
	if err != nil {
		return engine.Registration{}, nil,
			fmt.Errorf("account %s: %w (run 'astar-sync login %s' first)",
				acct.HashedID.Short(), err, acct.HashedID.Short())
	}

	st, err := store.Open(config.StateDBPath(cfg.DataDir, acct.HashedID), logger)
	if err != nil {
		return engine.Registration{}, nil, err
	}

	bandwidth, err := config.ParseRate(acct.BandwidthLimit)
	if err != nil {
		st.Close()

		return engine.Registration{}, nil, fmt.Errorf("account %s: %w", acct.HashedID.Short(), err)
	}

	reg := engine.Registration{
		Account:              acct,
		Store:                st,
		Remote:               graph.NewClient(graph.DefaultBaseURL, transferHTTPClient(), tokens, logger),
		BandwidthBytesPerSec: bandwidth,
		TombstoneRetention:   time.Duration(cfg.TombstoneRetentionDays) * 24 * time.Hour,
		DebugLogRetention:    time.Duration(cfg.DebugLogRetentionDays) * 24 * time.Hour,
	}

	return reg, st, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
