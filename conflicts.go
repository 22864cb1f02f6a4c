package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/config"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// conflictIDPrefixLen is how many conflict ID characters appear in the
// table output. Resolve accepts the prefix.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display unresolved conflicts that need a decision.

Use 'astar-sync resolve <id> <keep-local|keep-remote|keep-both>' to
resolve one; the next sync applies the resolution.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflicts(cmd.Context())
		},
	}
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID            string    `json:"id"`
	Account       string    `json:"account"`
	Path          string    `json:"path"`
	LocalModified time.Time `json:"local_modified"`
	LocalSize     int64     `json:"local_size"`
	RemoteMod     time.Time `json:"remote_modified"`
	RemoteSize    int64     `json:"remote_size"`
	DetectedAt    time.Time `json:"detected_at"`
}

func runConflicts(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	accounts, err := selectAccounts(cfg)
	if err != nil {
		return err
	}

	var all []conflictJSON

	for _, acct := range accounts {
		st, openErr := store.Open(config.StateDBPath(cfg.DataDir, acct.HashedID), logger)
		if openErr != nil {
			return openErr
		}

		conflicts, listErr := st.ListUnresolvedConflicts(ctx, acct.HashedID)
		st.Close()

		if listErr != nil {
			return listErr
		}

		for _, c := range conflicts {
			all = append(all, conflictJSON{
				ID:            c.ID,
				Account:       acct.HashedID.Short(),
				Path:          c.RelativePath,
				LocalModified: c.LocalModifiedUTC,
				LocalSize:     c.LocalSize,
				RemoteMod:     c.RemoteModifiedUTC,
				RemoteSize:    c.RemoteSize,
				DetectedAt:    c.DetectedUTC,
			})
		}
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(all)
	}

	if len(all) == 0 {
		fmt.Println("No unresolved conflicts.")

		return nil
	}

	printConflictsTable(all)

	return nil
}

func printConflictsTable(conflicts []conflictJSON) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tPATH\tLOCAL\tREMOTE\tDETECTED")

	for _, c := range conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID[:conflictIDPrefixLen],
			c.Account,
			c.Path,
			humanize.Bytes(uint64(c.LocalSize)),
			humanize.Bytes(uint64(c.RemoteSize)),
			humanize.Time(c.DetectedAt),
		)
	}

	w.Flush()
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <keep-local|keep-remote|keep-both>",
		Short: "Resolve a sync conflict",
		Long: `Record a resolution strategy for a conflict.

keep-local   uploads the local version, overwriting the remote
keep-remote  downloads the remote version, overwriting the local
keep-both    renames the local file aside and downloads the remote

The resolution takes effect on the next sync run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), args[0], args[1])
		},
	}
}

func runResolve(ctx context.Context, idPrefix, strategy string) error {
	resolution, err := parseResolution(strategy)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	accounts, err := selectAccounts(cfg)
	if err != nil {
		return err
	}

	for _, acct := range accounts {
		resolved, resolveErr := resolveInAccount(ctx, cfg, acct, idPrefix, resolution, logger)
		if resolveErr != nil {
			return resolveErr
		}

		if resolved {
			statusf("Conflict %s resolved: %s\n", idPrefix, strategy)

			return nil
		}
	}

	return fmt.Errorf("no unresolved conflict matches %q", idPrefix)
}

// resolveInAccount looks for a unique unresolved conflict matching the
// ID prefix in one account's store and records the resolution.
func resolveInAccount(
	ctx context.Context, cfg *config.Config, acct account.Account,
	idPrefix string, resolution store.Resolution, logger *slog.Logger,
) (bool, error) {
	st, err := store.Open(config.StateDBPath(cfg.DataDir, acct.HashedID), logger)
	if err != nil {
		return false, err
	}
	defer st.Close()

	conflicts, err := st.ListUnresolvedConflicts(ctx, acct.HashedID)
	if err != nil {
		return false, err
	}

	var match *store.Conflict

	for _, c := range conflicts {
		if strings.HasPrefix(c.ID, idPrefix) {
			if match != nil {
				return false, fmt.Errorf("conflict ID prefix %q is ambiguous", idPrefix)
			}

			match = c
		}
	}

	if match == nil {
		return false, nil
	}

	if err := st.ResolveConflict(ctx, match.ID, resolution); err != nil {
		return false, err
	}

	return true, nil
}

func parseResolution(s string) (store.Resolution, error) {
	switch s {
	case "keep-local":
		return store.ResolutionKeepLocal, nil
	case "keep-remote":
		return store.ResolutionKeepRemote, nil
	case "keep-both":
		return store.ResolutionKeepBoth, nil
	default:
		return "", fmt.Errorf("unknown resolution %q (want keep-local, keep-remote, or keep-both)", s)
	}
}
