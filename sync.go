package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/engine"
)

func newSyncCmd() *cobra.Command {
	var flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize files with OneDrive",
		Long: `Run one bidirectional sync cycle for each configured account.

With --watch, keep running after the first cycle: local filesystem
changes and remote notifications trigger further cycles until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "continuous sync until interrupted")

	return cmd
}

func runSync(ctx context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	accounts, err := selectAccounts(cfg)
	if err != nil {
		return err
	}

	pollInterval, err := cfg.ResolvedPollInterval()
	if err != nil {
		return err
	}

	orch := engine.NewOrchestrator(logger)

	for _, acct := range accounts {
		reg, st, regErr := buildRegistration(cfg, acct, logger)
		if regErr != nil {
			return regErr
		}
		defer st.Close()

		if regErr := orch.Register(reg); regErr != nil {
			return regErr
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, acct := range accounts {
		hashedID := acct.HashedID
		stopRender := renderProgress(orch, hashedID)

		g.Go(func() error {
			defer stopRender()

			if watch {
				return orch.Watch(ctx, hashedID, pollInterval)
			}

			return orch.StartSync(ctx, hashedID)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, acct := range accounts {
		reportOutcome(orch, acct.HashedID)
	}

	return nil
}

// renderProgress streams the account's progress to stderr. On a
// terminal the current state is redrawn in place; otherwise nothing is
// printed and the structured log carries the detail. Returns a stop
// function that ends the render goroutine.
func renderProgress(orch *engine.Orchestrator, hashedID account.HashedID) func() {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return func() {}
	}

	progress, err := orch.Progress(hashedID)
	if err != nil {
		return func() {}
	}

	updates, cancel := progress.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)

		for state := range updates {
			fmt.Fprintf(os.Stderr, "\r\033[K%s", formatProgress(state))
		}

		fmt.Fprintln(os.Stderr)
	}()

	return func() {
		cancel()
		<-done
	}
}

// formatProgress renders one progress snapshot as a single status line.
func formatProgress(state engine.SyncState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", state.HashedAccountID.Short(), state.Status)

	if state.TotalFiles > 0 {
		fmt.Fprintf(&b, "  %d/%d files  %s/%s",
			state.CompletedFiles, state.TotalFiles,
			humanize.Bytes(uint64(state.CompletedBytes)),
			humanize.Bytes(uint64(state.TotalBytes)))
	}

	if state.ThroughputMBps > 0 {
		fmt.Fprintf(&b, "  %.1f MB/s", state.ThroughputMBps)
	}

	if state.ETASeconds > 0 {
		fmt.Fprintf(&b, "  ETA %s", (time.Duration(state.ETASeconds) * time.Second).Round(time.Second))
	}

	if state.ConflictsDetected > 0 {
		fmt.Fprintf(&b, "  %d conflict(s)", state.ConflictsDetected)
	}

	return b.String()
}

// reportOutcome prints the final per-account result of a one-shot run.
func reportOutcome(orch *engine.Orchestrator, hashedID account.HashedID) {
	progress, err := orch.Progress(hashedID)
	if err != nil {
		return
	}

	state := progress.Latest()

	switch state.Status {
	case engine.StatusIdle:
		statusf("%s: nothing to sync\n", hashedID.Short())
	case engine.StatusCompleted:
		statusf("%s: synced %d file(s), %s\n",
			hashedID.Short(), state.CompletedFiles, humanize.Bytes(uint64(state.CompletedBytes)))
	case engine.StatusPaused:
		statusf("%s: paused; run 'astar-sync sync' to resume\n", hashedID.Short())
	}

	if state.ConflictsDetected > 0 {
		statusf("%s: %d conflict(s) detected; run 'astar-sync conflicts' to review\n",
			hashedID.Short(), state.ConflictsDetected)
	}
}

// statusf prints an informational message to stderr unless quiet mode
// is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
