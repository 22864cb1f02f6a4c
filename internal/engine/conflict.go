package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// recordConflicts durably records each detected conflict: an unresolved
// conflict row (a no-op when one already exists), an operation log entry
// when session logging is on, and the item left PendingDownload so the
// normal machinery takes over once the user resolves. Returns the number
// of conflicts recorded.
func (s *session) recordConflicts(ctx context.Context, candidates []ConflictCandidate) (int, error) {
	now := time.Now().UTC()

	for _, cand := range candidates {
		c := &store.Conflict{
			HashedAccountID:   s.acct.HashedID,
			RelativePath:      cand.RelativePath,
			RemoteModifiedUTC: cand.Remote.LastModifiedUTC,
			RemoteSize:        cand.Remote.Size,
			DetectedUTC:       now,
		}
		if cand.Local != nil {
			c.LocalModifiedUTC = cand.Local.LastModifiedUTC
			c.LocalSize = cand.Local.Size
		}

		if _, err := s.store.AddConflict(ctx, c); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		rec := *cand.Remote
		rec.Status = store.StatusPendingDownload
		if err := s.store.SaveItems(ctx, []*store.ItemRecord{&rec}); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		s.appendOperation(ctx, store.OpConflict, cand.RelativePath, c.RemoteSize, "both sides changed")
	}

	return len(candidates), nil
}

// applyResolutions acts on conflicts the user resolved since the last
// session, flipping each item toward the chosen side. KeepBoth renames
// the local copy to a conflict-copy sibling, which the scanner then
// picks up as a new local file, and re-downloads the remote original.
func (s *session) applyResolutions(ctx context.Context) error {
	resolved, err := s.store.ListResolvedUnapplied(ctx, s.acct.HashedID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	for _, c := range resolved {
		if err := ctx.Err(); err != nil {
			return classify(err)
		}

		item, err := s.store.GetItemByPath(ctx, s.acct.HashedID, c.RelativePath)
		if errors.Is(err, store.ErrNotFound) {
			// The item vanished from both sides; nothing to apply.
			if markErr := s.store.MarkConflictApplied(ctx, c.ID); markErr != nil {
				return fmt.Errorf("%w: %w", ErrStateStore, markErr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		switch c.Resolution {
		case store.ResolutionKeepLocal:
			item.Status = store.StatusPendingUpload
		case store.ResolutionKeepRemote:
			// Overwriting the local copy is the point of this
			// resolution; drop the stale hash so the reconciler does
			// not guard the download against it.
			item.Status = store.StatusPendingDownload
			item.LocalHash = ""
		case store.ResolutionKeepBoth:
			if err := s.renameConflictCopy(c.RelativePath); err != nil {
				return err
			}
			item.Status = store.StatusPendingDownload
			item.LocalHash = ""
		default:
			s.logger.Warn("unknown conflict resolution",
				slog.String("account", s.acct.HashedID.Short()),
				slog.String("resolution", string(c.Resolution)))
		}

		if err := s.store.SaveItems(ctx, []*store.ItemRecord{item}); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}
		if err := s.store.MarkConflictApplied(ctx, c.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		s.logger.Info("applied conflict resolution",
			slog.String("account", s.acct.HashedID.Short()),
			slog.String("path", c.RelativePath),
			slog.String("resolution", string(c.Resolution)))
	}

	return nil
}

// renameConflictCopy moves the local file at relPath aside under a
// conflict-copy name. A missing local file is fine; the remote side is
// simply re-downloaded.
func (s *session) renameConflictCopy(relPath string) error {
	src := filepath.Join(s.acct.LocalSyncRoot, filepath.FromSlash(relPath))
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classifyLocal(err)
	}

	for i := 0; ; i++ {
		dst := filepath.Join(s.acct.LocalSyncRoot, filepath.FromSlash(conflictCopyPath(relPath, i)))
		if _, err := os.Lstat(dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return classifyLocal(err)
		}
		if err := os.Rename(src, dst); err != nil {
			return classifyLocal(err)
		}
		return nil
	}
}

// conflictCopyPath derives the sibling name for a kept-both local copy.
// n > 0 adds a numeric suffix for collisions.
func conflictCopyPath(relPath string, n int) string {
	dir, base := path.Split(relPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	// Dotfiles like ".env" are all extension; keep the suffix at the end.
	if stem == "" {
		stem, ext = base, ""
	}

	suffix := " (conflict copy)"
	if n > 0 {
		suffix = fmt.Sprintf(" (conflict copy %d)", n+1)
	}

	return dir + stem + suffix + ext
}
