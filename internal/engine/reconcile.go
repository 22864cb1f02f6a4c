package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/scan"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// Change-detection windows. Remote timestamps are only trusted to an
// hour when no cTag is available; local filesystem timestamps to a
// second; first-sync adoption tolerates a minute of clock skew between
// the local copy and the remote upload time.
const (
	remoteTimeWindow = time.Hour
	localTimeWindow  = time.Second
	adoptTimeWindow  = 60 * time.Second
)

// UploadTask is one file to push. Record is nil for a file the store has
// never seen.
type UploadTask struct {
	Local  *scan.FileMetadata
	Record *store.ItemRecord
}

// DownloadTask is one remote item to pull.
type DownloadTask struct {
	Record *store.ItemRecord
}

// ConflictCandidate carries both sides of a path changed in both places.
type ConflictCandidate struct {
	RelativePath string
	Local        *scan.FileMetadata
	Remote       *store.ItemRecord
}

// Plan is the reconciler's output: every path classified into exactly
// one action, plus summary counters.
type Plan struct {
	Uploads      []UploadTask
	Downloads    []DownloadTask
	DeleteLocal  []*store.ItemRecord
	DeleteRemote []*store.ItemRecord
	Conflicts    []ConflictCandidate
	// Adopted are first-sync paths whose local copy already matches the
	// remote; they are recorded Synced without any transfer.
	Adopted []*store.ItemRecord

	TotalFiles    int
	TotalBytes    int64
	UploadBytes   int64
	DownloadBytes int64
}

// reconcile classifies every path known locally or remotely. before is
// the store snapshot taken ahead of the delta phase; after is the
// snapshot following it, so after carries the current remote view while
// before tells known paths apart from first-sync ones.
// unresolved names the paths with an open conflict; those stay blocked
// in both directions.
func reconcile(
	ctx context.Context,
	local []*scan.FileMetadata,
	before, after map[string]*store.ItemRecord,
	unresolved map[string]bool,
	logger *slog.Logger,
) (*Plan, error) {
	plan := &Plan{}
	localByPath := make(map[string]*scan.FileMetadata, len(local))
	for _, f := range local {
		localByPath[f.RelativePath] = f
	}

	conflictPaths := make(map[string]bool)
	deleteRemotePaths := make(map[string]bool)
	deleteLocalPaths := make(map[string]bool)

	// Remote-driven pass: downloads, conflicts, adoption, local deletes.
	seenDownload := make(map[string]bool)
	for relPath, rec := range after {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		if rec.IsFolder {
			continue
		}

		prev := before[relPath]
		lf := localByPath[relPath]

		if rec.IsDeleted {
			if prev != nil && prev.Status == store.StatusSynced && lf != nil {
				deleteLocalPaths[relPath] = true
				plan.DeleteLocal = append(plan.DeleteLocal, rec)
			}
			continue
		}

		if prev == nil {
			// First sync of this path.
			switch {
			case lf == nil:
				if !seenDownload[relPath] {
					seenDownload[relPath] = true
					plan.Downloads = append(plan.Downloads, DownloadTask{Record: rec})
				}
			case lf.Size == rec.Size && absDuration(lf.LastModifiedUTC.Sub(rec.LastModifiedUTC)) <= adoptTimeWindow:
				adopted := *rec
				adopted.LocalPath = lf.LocalPath
				adopted.Status = store.StatusSynced
				hash, err := lf.Hash(ctx)
				if err != nil {
					return nil, classifyLocal(err)
				}
				adopted.LocalHash = hash
				plan.Adopted = append(plan.Adopted, &adopted)
			default:
				conflictPaths[relPath] = true
				plan.Conflicts = append(plan.Conflicts, ConflictCandidate{
					RelativePath: relPath, Local: lf, Remote: rec,
				})
			}
			continue
		}

		if unresolved[relPath] {
			// An open conflict blocks both directions.
			conflictPaths[relPath] = true
			continue
		}

		if rec.Status == store.StatusPendingUpload {
			// The local side won a resolution; the upload pass
			// handles it.
			continue
		}

		rChanged := remoteChanged(prev, rec)
		lChanged := lf != nil && localChanged(prev, lf)
		resumable := rec.Status == store.StatusPendingDownload

		// An interrupted download may resume only over a local copy that
		// has not moved since the last completed sync. The stored row's
		// size and mtime already reflect the remote's new version, so the
		// last-synced hash is the only reliable witness.
		if resumable && lf != nil && prev.LocalHash != "" {
			hash, err := lf.Hash(ctx)
			if err != nil {
				return nil, classifyLocal(err)
			}
			if hash != prev.LocalHash {
				conflictPaths[relPath] = true
				plan.Conflicts = append(plan.Conflicts, ConflictCandidate{
					RelativePath: relPath, Local: lf, Remote: rec,
				})
				continue
			}
		}

		switch {
		case rChanged && lChanged && !resumable:
			conflictPaths[relPath] = true
			plan.Conflicts = append(plan.Conflicts, ConflictCandidate{
				RelativePath: relPath, Local: lf, Remote: rec,
			})
		case rChanged || resumable:
			if !seenDownload[relPath] {
				seenDownload[relPath] = true
				plan.Downloads = append(plan.Downloads, DownloadTask{Record: rec})
			}
		}
	}

	// Local-to-remote deletions: tracked paths now missing on disk.
	for relPath, prev := range before {
		if prev.IsFolder || prev.IsDeleted || prev.DriveItemID == "" {
			continue
		}
		if localByPath[relPath] != nil {
			continue
		}
		rec, stillRemote := after[relPath]
		if prev.Status == store.StatusSynced || (stillRemote && !rec.IsDeleted) {
			deleteRemotePaths[relPath] = true
			plan.DeleteRemote = append(plan.DeleteRemote, prev)
		}
	}

	// Local-driven pass: uploads.
	for _, lf := range local {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		if conflictPaths[lf.RelativePath] || deleteRemotePaths[lf.RelativePath] ||
			deleteLocalPaths[lf.RelativePath] || seenDownload[lf.RelativePath] {
			continue
		}

		rec := after[lf.RelativePath]
		if rec != nil && !rec.IsDeleted && before[lf.RelativePath] == nil {
			// First-sync path, already classified above.
			continue
		}

		switch {
		case rec == nil || rec.IsDeleted:
			plan.Uploads = append(plan.Uploads, UploadTask{Local: lf})
		case rec.Status == store.StatusPendingUpload || rec.Status == store.StatusFailed:
			plan.Uploads = append(plan.Uploads, UploadTask{Local: lf, Record: rec})
		default:
			changed, err := contentChanged(ctx, lf, rec)
			if err != nil {
				return nil, err
			}
			if changed {
				plan.Uploads = append(plan.Uploads, UploadTask{Local: lf, Record: rec})
			}
		}
	}

	for _, u := range plan.Uploads {
		plan.UploadBytes += u.Local.Size
	}
	for _, d := range plan.Downloads {
		plan.DownloadBytes += d.Record.Size
	}
	plan.TotalFiles = len(plan.Uploads) + len(plan.Downloads)
	plan.TotalBytes = plan.UploadBytes + plan.DownloadBytes

	logger.Debug("reconciled",
		slog.Int("uploads", len(plan.Uploads)),
		slog.Int("downloads", len(plan.Downloads)),
		slog.Int("delete_local", len(plan.DeleteLocal)),
		slog.Int("delete_remote", len(plan.DeleteRemote)),
		slog.Int("conflicts", len(plan.Conflicts)),
		slog.Int("adopted", len(plan.Adopted)),
	)

	return plan, nil
}

// remoteChanged applies the cTag-first change test. Absent cTags fall
// back to the mtime window and size, so a metadata-only touch within the
// window is not treated as a content change. SyncOnly rows are always
// considered changed so their metadata is re-fetched.
func remoteChanged(prev, cur *store.ItemRecord) bool {
	if prev.Status == store.StatusSyncOnly {
		return true
	}
	if prev.CTag == cur.CTag {
		return false
	}
	return prev.CTag != "" ||
		absDuration(prev.LastModifiedUTC.Sub(cur.LastModifiedUTC)) > remoteTimeWindow ||
		prev.Size != cur.Size
}

// localChanged compares the on-disk file against the stored record.
func localChanged(prev *store.ItemRecord, lf *scan.FileMetadata) bool {
	return absDuration(lf.LastModifiedUTC.Sub(prev.LastModifiedUTC)) > localTimeWindow ||
		lf.Size != prev.Size
}

// contentChanged decides whether a tracked local file needs re-upload.
// With a stored hash the comparison is exact; without one, size decides.
func contentChanged(ctx context.Context, lf *scan.FileMetadata, rec *store.ItemRecord) (bool, error) {
	if rec.LocalHash == "" {
		return lf.Size != rec.Size, nil
	}
	if lf.Size != rec.Size {
		return true, nil
	}
	hash, err := lf.Hash(ctx)
	if err != nil {
		return false, classifyLocal(err)
	}
	return hash != rec.LocalHash, nil
}

// classifyLocal wraps filesystem errors as ErrLocalIO, letting
// cancellation through as ErrCancelled.
func classifyLocal(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classify(err)
	}
	return fmt.Errorf("%w: %w", ErrLocalIO, err)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
