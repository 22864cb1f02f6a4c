package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/config"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// Token states for status display.
const (
	tokenStateMissing = "missing"
	tokenStateValid   = "valid"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-account sync status",
		Long: `Display each configured account: login state, sync root, the
outcome of the last sync session, and pending conflicts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

// accountStatus is the status of one account, shaped for JSON output.
type accountStatus struct {
	Account     string `json:"account"`
	DisplayName string `json:"display_name,omitempty"`
	SyncRoot    string `json:"sync_root"`
	TokenState  string `json:"token_state"`
	LastSync    string `json:"last_sync,omitempty"`
	LastOutcome string `json:"last_outcome,omitempty"`
	LastBytes   int64  `json:"last_bytes,omitempty"`
	Conflicts   int    `json:"conflicts"`
}

func runStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	accounts, err := selectAccounts(cfg)
	if err != nil {
		return err
	}

	statuses := make([]accountStatus, 0, len(accounts))

	for _, acct := range accounts {
		status, statusErr := buildAccountStatus(ctx, cfg, acct, logger)
		if statusErr != nil {
			return statusErr
		}

		statuses = append(statuses, status)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(statuses)
	}

	printStatusTable(statuses)

	return nil
}

func buildAccountStatus(
	ctx context.Context, cfg *config.Config, acct account.Account, logger *slog.Logger,
) (accountStatus, error) {
	status := accountStatus{
		Account:     acct.HashedID.Short(),
		DisplayName: acct.DisplayName,
		SyncRoot:    acct.LocalSyncRoot,
		TokenState:  tokenStateMissing,
	}

	if _, err := graph.LoadTokenSource(config.TokenFilePath(cfg.DataDir, acct.HashedID), logger); err == nil {
		status.TokenState = tokenStateValid
	}

	st, err := store.Open(config.StateDBPath(cfg.DataDir, acct.HashedID), logger)
	if err != nil {
		return accountStatus{}, err
	}
	defer st.Close()

	conflicts, err := st.ListUnresolvedConflicts(ctx, acct.HashedID)
	if err != nil {
		return accountStatus{}, err
	}

	status.Conflicts = len(conflicts)

	sessions, err := st.ListSessions(ctx, acct.HashedID, 1)
	if err != nil {
		return accountStatus{}, err
	}

	if len(sessions) > 0 {
		last := sessions[0]
		status.LastOutcome = string(last.Status)
		status.LastBytes = last.TotalBytes

		if !last.CompletedUTC.IsZero() {
			status.LastSync = last.CompletedUTC.Format(time.RFC3339)
		}
	}

	return status, nil
}

func printStatusTable(statuses []accountStatus) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tNAME\tSYNC ROOT\tTOKEN\tLAST SYNC\tCONFLICTS")

	for _, s := range statuses {
		lastSync := "never"

		if s.LastSync != "" {
			if t, err := time.Parse(time.RFC3339, s.LastSync); err == nil {
				lastSync = fmt.Sprintf("%s (%s, %s)",
					humanize.Time(t), s.LastOutcome, humanize.Bytes(uint64(s.LastBytes)))
			}
		} else if s.LastOutcome != "" {
			lastSync = s.LastOutcome
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.Account, s.DisplayName, s.SyncRoot, s.TokenState, lastSync, s.Conflicts)
	}

	w.Flush()
}
