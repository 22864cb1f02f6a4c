package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/scan"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// Transfer retry ladder: 1, 2, 4, 8, 16 seconds. Server-supplied
// Retry-After hints are honored one level down, inside the HTTP client.
const (
	transferRetryBase = time.Second
	transferRetries   = 5
)

// partialSuffix marks in-progress download temp files.
const partialSuffix = ".partial"

// runDeletions executes both deletion directions sequentially. Deletions
// run before any transfer so tombstoned paths never race their own
// upload.
func (s *session) runDeletions(ctx context.Context, plan *Plan) error {
	for _, rec := range plan.DeleteLocal {
		if err := ctx.Err(); err != nil {
			return classify(err)
		}

		target := filepath.Join(s.acct.LocalSyncRoot, filepath.FromSlash(rec.RelativePath))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			s.markFailed(ctx, rec, store.OpDeleteLocal, err)
			continue
		}
		if err := s.store.DeleteItem(ctx, rec.DriveItemID); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		s.appendOperation(ctx, store.OpDeleteLocal, rec.RelativePath, rec.Size, "")
		s.progress.Update(func(st *SyncState) { st.FilesDeleted++ })
	}

	for _, rec := range plan.DeleteRemote {
		if err := ctx.Err(); err != nil {
			return classify(err)
		}

		err := s.remote.DeleteItem(ctx, rec.DriveItemID)
		if err != nil && !errors.Is(err, graph.ErrNotFound) {
			if errors.Is(classify(err), ErrAuth) {
				return classify(err)
			}
			s.markFailed(ctx, rec, store.OpDeleteRemote, err)
			continue
		}
		if err := s.store.DeleteItem(ctx, rec.DriveItemID); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}

		s.appendOperation(ctx, store.OpDeleteRemote, rec.RelativePath, rec.Size, "")
		s.progress.Update(func(st *SyncState) { st.FilesDeleted++ })
	}

	return nil
}

// runUploads pushes every planned upload with bounded parallelism. The
// upload phase completes before any download starts, so the remote state
// reflects the local filesystem before downloads overwrite local copies.
func (s *session) runUploads(ctx context.Context, plan *Plan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.acct.MaxParallelTransfers)

	for _, task := range plan.Uploads {
		g.Go(func() error {
			s.progress.Update(func(st *SyncState) { st.FilesUploading++ })
			defer s.progress.Update(func(st *SyncState) { st.FilesUploading-- })

			tc := &transferCounter{progress: s.progress}
			err := s.retryTransfer(gctx, tc, func(ctx context.Context) error {
				return s.uploadOne(ctx, task, tc)
			})
			return s.finishTransfer(gctx, err, uploadRecord(task), store.OpUpload)
		})
	}

	return g.Wait()
}

// runDownloads pulls every planned download with bounded parallelism.
func (s *session) runDownloads(ctx context.Context, plan *Plan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.acct.MaxParallelTransfers)

	for _, task := range plan.Downloads {
		g.Go(func() error {
			s.progress.Update(func(st *SyncState) { st.FilesDownloading++ })
			defer s.progress.Update(func(st *SyncState) { st.FilesDownloading-- })

			tc := &transferCounter{progress: s.progress}
			err := s.retryTransfer(gctx, tc, func(ctx context.Context) error {
				return s.downloadOne(ctx, task.Record, tc)
			})
			return s.finishTransfer(gctx, err, task.Record, store.OpDownload)
		})
	}

	return g.Wait()
}

// retryTransfer runs op under the transfer retry ladder. Only transient
// remote failures are retried; everything else surfaces immediately.
func (s *session) retryTransfer(ctx context.Context, tc *transferCounter, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(transferRetries, retry.NewExponential(transferRetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tc.beginAttempt()

		err := op(ctx)
		if err == nil {
			return nil
		}
		if graph.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// finishTransfer applies the per-file failure policy: cancellation and
// auth exhaustion abort the pool; any other failure marks the item
// Failed with an operation log and lets the next file proceed.
func (s *session) finishTransfer(ctx context.Context, err error, rec *store.ItemRecord, kind store.OperationKind) error {
	if err == nil {
		return nil
	}

	err = classify(err)
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrAuth) || errors.Is(err, ErrStateStore) {
		return err
	}

	s.markFailed(ctx, rec, kind, err)
	return nil
}

// markFailed records a permanent per-file failure without aborting the
// session.
func (s *session) markFailed(ctx context.Context, rec *store.ItemRecord, kind store.OperationKind, cause error) {
	s.logger.Warn("transfer failed",
		slog.String("account", s.acct.HashedID.Short()),
		slog.String("path", rec.RelativePath),
		slog.String("kind", string(kind)),
		slog.Any("error", cause))

	// A brand-new local file has no durable record to mark; the
	// operation log still captures the failure.
	if rec.DriveItemID != "" {
		failed := *rec
		failed.HashedAccountID = s.acct.HashedID
		failed.DriveID = s.driveID
		failed.Status = store.StatusFailed
		if saveErr := s.store.SaveItems(ctx, []*store.ItemRecord{&failed}); saveErr != nil {
			s.logger.Error("recording failure state", slog.Any("error", saveErr))
		}
	}

	s.appendOperation(ctx, kind, rec.RelativePath, rec.Size, cause.Error())
	s.appendDebug(ctx, "warn", "transfer",
		fmt.Sprintf("%s failed for %s", kind, rec.RelativePath), cause.Error())
}

// uploadRecord builds the store record a failed or succeeded upload is
// written against. New local files have no prior record.
func uploadRecord(task UploadTask) *store.ItemRecord {
	if task.Record != nil {
		return task.Record
	}
	return &store.ItemRecord{
		RelativePath:    task.Local.RelativePath,
		Name:            task.Local.Name,
		Size:            task.Local.Size,
		LastModifiedUTC: task.Local.LastModifiedUTC,
		LocalPath:       task.Local.LocalPath,
		IsSelected:      true,
	}
}

// uploadOne pushes a single file: one PUT below the session threshold,
// a chunked upload session at or above it.
func (s *session) uploadOne(ctx context.Context, task UploadTask, tc *transferCounter) error {
	lf := task.Local

	f, err := os.Open(lf.LocalPath)
	if err != nil {
		return classifyLocal(err)
	}
	defer f.Close()

	var item *graph.Item
	if lf.Size < graph.UploadSessionThreshold {
		item, err = s.remote.SimpleUpload(ctx, lf.RelativePath,
			s.limiter.Reader(ctx, tc.reader(f)), lf.Size)
	} else {
		item, err = s.uploadChunked(ctx, lf, f, tc)
	}
	if err != nil {
		return err
	}

	hash, err := lf.Hash(ctx)
	if err != nil {
		return err
	}

	rec := uploadRecord(task)
	updated := *rec
	updated.HashedAccountID = s.acct.HashedID
	updated.DriveID = s.driveID
	updated.DriveItemID = item.ID
	updated.Size = item.Size
	updated.LastModifiedUTC = item.LastModifiedUTC
	updated.CTag = item.CTag
	updated.ETag = item.ETag
	updated.LocalPath = lf.LocalPath
	updated.LocalHash = hash
	updated.IsDeleted = false
	updated.Status = store.StatusSynced
	updated.Direction = store.DirectionUpload

	if err := s.store.SaveItems(ctx, []*store.ItemRecord{&updated}); err != nil {
		return fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	s.appendOperation(ctx, store.OpUpload, lf.RelativePath, item.Size, "")
	s.progress.Update(func(st *SyncState) { st.CompletedFiles++ })
	s.sessionCounters(func(log *store.SessionLog) { log.FilesUploaded++ })

	return nil
}

// uploadChunked negotiates an upload session and streams fixed-size
// chunks. A cancelled upload abandons the session; the server garbage
// collects it and the next run starts over.
func (s *session) uploadChunked(ctx context.Context, lf *scan.FileMetadata, f *os.File, tc *transferCounter) (*graph.Item, error) {
	session, err := s.remote.CreateUploadSession(ctx, lf.RelativePath, lf.LastModifiedUTC)
	if err != nil {
		return nil, err
	}

	total := lf.Size
	for offset := int64(0); offset < total; offset += graph.UploadChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}

		length := int64(graph.UploadChunkSize)
		if offset+length > total {
			length = total - offset
		}

		chunk := s.limiter.Reader(ctx, tc.reader(io.LimitReader(f, length)))
		item, err := s.remote.UploadChunk(ctx, session, chunk, offset, length, total)
		if err != nil {
			// A cancelled upload is simply abandoned for the server
			// to garbage-collect; hard failures discard the session
			// eagerly.
			if ctx.Err() == nil {
				if cancelErr := s.remote.CancelUploadSession(ctx, session); cancelErr != nil {
					s.logger.Debug("discarding upload session", slog.Any("error", cancelErr))
				}
			}
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}

	return nil, fmt.Errorf("%w: upload session for %q ended without a final item", ErrRemotePermanent, lf.RelativePath)
}

// downloadOne streams an item to a temp file beside its destination and
// renames into place on success. The stored hash is computed on the way
// through, and the remote mtime is applied so a follow-up scan agrees
// with the record.
func (s *session) downloadOne(ctx context.Context, rec *store.ItemRecord, tc *transferCounter) error {
	dst := filepath.Join(s.acct.LocalSyncRoot, filepath.FromSlash(rec.RelativePath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return classifyLocal(err)
	}

	tmp := dst + partialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return classifyLocal(err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	hasher := sha256.New()
	w := s.limiter.Writer(ctx, tc.writer(io.MultiWriter(f, hasher)))

	n, err := s.remote.Download(ctx, rec.DriveItemID, w)
	if err != nil {
		cleanup()
		return err
	}
	if n != rec.Size {
		cleanup()
		return fmt.Errorf("%w: downloaded %d bytes for %q, expected %d",
			ErrChecksumMismatch, n, rec.RelativePath, rec.Size)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return classifyLocal(err)
	}
	if !rec.LastModifiedUTC.IsZero() {
		if err := os.Chtimes(tmp, rec.LastModifiedUTC, rec.LastModifiedUTC); err != nil {
			os.Remove(tmp)
			return classifyLocal(err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return classifyLocal(err)
	}

	updated := *rec
	updated.LocalPath = dst
	updated.LocalHash = hex.EncodeToString(hasher.Sum(nil))
	updated.Status = store.StatusSynced
	updated.Direction = store.DirectionDownload

	if err := s.store.SaveItems(ctx, []*store.ItemRecord{&updated}); err != nil {
		return fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	s.appendOperation(ctx, store.OpDownload, rec.RelativePath, rec.Size, "")
	s.progress.Update(func(st *SyncState) { st.CompletedFiles++ })
	s.sessionCounters(func(log *store.SessionLog) { log.FilesDownloaded++ })

	return nil
}

// transferCounter attributes one transfer's streamed bytes to the
// progress counters. A retried attempt restarts from byte zero, so only
// bytes beyond the previous attempt's high-water mark are forwarded;
// CompletedBytes stays monotonic and never counts the same byte twice.
type transferCounter struct {
	progress *Progress

	mu       sync.Mutex
	attempt  int64 // bytes seen in the current attempt
	reported int64 // high-water mark already fed to progress
}

func (tc *transferCounter) count(n int) {
	tc.mu.Lock()
	tc.attempt += int64(n)
	delta := tc.attempt - tc.reported
	if delta > 0 {
		tc.reported = tc.attempt
	}
	tc.mu.Unlock()

	if delta > 0 {
		tc.progress.Update(func(st *SyncState) { st.CompletedBytes += delta })
	}
}

// beginAttempt resets the per-attempt count ahead of a fresh try.
func (tc *transferCounter) beginAttempt() {
	tc.mu.Lock()
	tc.attempt = 0
	tc.mu.Unlock()
}

func (tc *transferCounter) reader(r io.Reader) io.Reader {
	return &progressReader{r: r, tc: tc}
}

func (tc *transferCounter) writer(w io.Writer) io.Writer {
	return &progressWriter{w: w, tc: tc}
}

type progressReader struct {
	r  io.Reader
	tc *transferCounter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.tc.count(n)
	}
	return n, err
}

type progressWriter struct {
	w  io.Writer
	tc *transferCounter
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.tc.count(n)
	}
	return n, err
}
