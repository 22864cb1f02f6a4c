package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// maxDeltaPages aborts a runaway change stream; a healthy server always
// converges to a deltaLink well before this.
const maxDeltaPages = 10000

type deltaStats struct {
	Pages      int
	Items      int
	FinalToken string
	Initial    bool
}

// runDeltaPhase pulls the change stream page by page, applying each page
// and its continuation token in one store transaction, so a crash leaves
// the stream resumable from the last fully applied page. A 410 response
// invalidates the stored token and restarts the stream from scratch once.
func (s *session) runDeltaPhase(ctx context.Context) (*deltaStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	token, err := s.store.GetDeltaToken(ctx, s.acct.HashedID, s.driveID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading delta token: %w", ErrStateStore, err)
	}

	stats := &deltaStats{Initial: token == ""}
	if stats.Initial {
		s.progress.SetStatus(StatusInitialDelta, "performing first full sync")
	} else {
		s.progress.SetStatus(StatusIncrementalDelta, "fetching remote changes")
	}

	resyncDone := false
	lastApplied := token

	for {
		if err := ctx.Err(); err != nil {
			return stats, classify(err)
		}

		page, err := s.remote.Delta(ctx, token)
		if errors.Is(err, graph.ErrGone) && !resyncDone {
			// Token expired server-side. Drop it and replay the
			// full stream; the idempotent upsert absorbs the replay.
			s.logger.Warn("delta token expired, full resync",
				slog.String("account", s.acct.HashedID.Short()))
			s.appendDebug(ctx, "warn", "delta", "delta token expired, full resync", "")
			if delErr := s.store.DeleteDeltaToken(ctx, s.acct.HashedID, s.driveID); delErr != nil {
				return stats, fmt.Errorf("%w: clearing expired token: %w", ErrStateStore, delErr)
			}
			token, lastApplied = "", ""
			resyncDone = true
			stats.Initial = true
			continue
		}
		if err != nil {
			return stats, &DeltaProcessingError{
				HashedAccountID: s.acct.HashedID.String(),
				PagesApplied:    stats.Pages,
				ResumeToken:     lastApplied,
				Err:             classify(err),
			}
		}

		pageToken := page.NextLink
		if pageToken == "" {
			pageToken = page.DeltaLink
		}

		records := recordsFromPage(page.Items)
		if err := s.store.ApplyDeltaPage(ctx, s.acct.HashedID, s.driveID, records, pageToken); err != nil {
			return stats, &DeltaProcessingError{
				HashedAccountID: s.acct.HashedID.String(),
				PagesApplied:    stats.Pages,
				ResumeToken:     lastApplied,
				Err:             fmt.Errorf("%w: %w", ErrStateStore, err),
			}
		}

		stats.Pages++
		stats.Items += len(page.Items)
		lastApplied = pageToken

		if page.DeltaLink != "" {
			stats.FinalToken = page.DeltaLink
			s.logger.Debug("delta stream caught up",
				slog.String("account", s.acct.HashedID.Short()),
				slog.Int("pages", stats.Pages),
				slog.Int("items", stats.Items))
			return stats, nil
		}

		if stats.Pages >= maxDeltaPages {
			return stats, &DeltaProcessingError{
				HashedAccountID: s.acct.HashedID.String(),
				PagesApplied:    stats.Pages,
				ResumeToken:     lastApplied,
				Err:             fmt.Errorf("%w: aborted after %d pages without a delta link", ErrRemotePermanent, maxDeltaPages),
			}
		}

		token = page.NextLink
	}
}

// recordsFromPage converts a page of remote items into store records.
// Fresh file rows start PendingDownload; the reconciler refines that
// before anything is transferred. Folder rows need no transfer and are
// recorded Synced.
func recordsFromPage(items []graph.Item) []*store.ItemRecord {
	records := make([]*store.ItemRecord, 0, len(items))
	for _, it := range items {
		status := store.StatusPendingDownload
		if it.IsFolder {
			status = store.StatusSynced
		}
		records = append(records, &store.ItemRecord{
			DriveItemID:     it.ID,
			RelativePath:    it.RelativePath,
			Name:            it.Name,
			Size:            it.Size,
			LastModifiedUTC: it.LastModifiedUTC,
			CTag:            it.CTag,
			ETag:            it.ETag,
			IsFolder:        it.IsFolder,
			IsDeleted:       it.IsDeleted,
			Status:          status,
		})
	}
	return records
}
