package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/scan"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

// stalePartialAge is how old an orphaned download temp file must be
// before it is reported at the end of a run.
const stalePartialAge = 48 * time.Hour

// Registration binds an account to its dependencies. Accounts are
// isolated: each gets its own store, remote client, limiter, and
// progress stream.
type Registration struct {
	Account account.Account
	Store   *store.Store
	Remote  Remote
	// DriveID scopes delta tokens; defaults to "default".
	DriveID string
	// BandwidthBytesPerSec throttles transfers; 0 means unlimited.
	BandwidthBytesPerSec int64
	// TombstoneRetention controls physical removal of deleted item
	// records at finalize; zero defaults to 30 days.
	TombstoneRetention time.Duration
	// DebugLogRetention prunes the debug log table at finalize when
	// debug logging is on; zero defaults to 7 days.
	DebugLogRetention time.Duration
	// ScanFilter overrides the default temp-file filter.
	ScanFilter *scan.Filter
}

type accountRuntime struct {
	reg      Registration
	progress *Progress
	running  atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	lastSync time.Time
}

// Orchestrator owns the per-account sync state machines and exposes the
// control surface: StartSync, StopSync, GetConflicts, ResolveConflict.
type Orchestrator struct {
	mu       sync.Mutex
	accounts map[account.HashedID]*accountRuntime
	logger   *slog.Logger
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		accounts: make(map[account.HashedID]*accountRuntime),
		logger:   logger,
	}
}

// Register adds an account. Registering the same account twice replaces
// its dependencies; an in-flight sync keeps the old ones until it ends.
func (o *Orchestrator) Register(reg Registration) error {
	if reg.Store == nil || reg.Remote == nil {
		return fmt.Errorf("%w: registration requires a store and a remote", ErrConfig)
	}
	if reg.Account.LocalSyncRoot == "" {
		return fmt.Errorf("%w: account %s has no sync root", ErrConfig, reg.Account.HashedID.Short())
	}
	if reg.DriveID == "" {
		reg.DriveID = "default"
	}
	if reg.TombstoneRetention <= 0 {
		reg.TombstoneRetention = 30 * 24 * time.Hour
	}
	if reg.DebugLogRetention <= 0 {
		reg.DebugLogRetention = 7 * 24 * time.Hour
	}
	reg.Account.ApplyDefaults()

	o.mu.Lock()
	defer o.mu.Unlock()

	rt, ok := o.accounts[reg.Account.HashedID]
	if !ok {
		rt = &accountRuntime{progress: NewProgress(reg.Account.HashedID)}
		o.accounts[reg.Account.HashedID] = rt
	}
	rt.mu.Lock()
	rt.reg = reg
	rt.mu.Unlock()

	return nil
}

func (o *Orchestrator) runtime(hashedID account.HashedID) (*accountRuntime, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, ok := o.accounts[hashedID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrConfig, hashedID.Short())
	}
	return rt, nil
}

// StartSync runs one sync session for the account and blocks until it
// finishes. A second call while a session is in flight is a no-op and
// returns immediately. Cancellation resolves the session into Paused and
// is not an error.
func (o *Orchestrator) StartSync(ctx context.Context, hashedID account.HashedID) error {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return err
	}

	if !rt.running.CompareAndSwap(false, true) {
		o.logger.Debug("sync already running", slog.String("account", hashedID.Short()))
		return nil
	}
	defer rt.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt.mu.Lock()
	rt.cancel = cancel
	reg := rt.reg
	rt.mu.Unlock()

	s := &session{
		acct:     reg.Account,
		store:    reg.Store,
		remote:   reg.Remote,
		driveID:  reg.DriveID,
		limiter:  NewLimiter(reg.BandwidthBytesPerSec),
		progress: rt.progress,
		logger:   o.logger,
		reg:      reg,
	}

	err = s.run(runCtx)

	rt.mu.Lock()
	rt.cancel = nil
	if err == nil {
		rt.lastSync = time.Now().UTC()
	}
	rt.mu.Unlock()

	return err
}

// StopSync cancels the account's in-flight session, if any. It returns
// immediately; the session resolves into Paused.
func (o *Orchestrator) StopSync(hashedID account.HashedID) {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return
	}

	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Progress returns the account's progress publisher.
func (o *Orchestrator) Progress(hashedID account.HashedID) (*Progress, error) {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return nil, err
	}
	return rt.progress, nil
}

// LastSync reports when the account last completed a session, zero if
// never. Completions in earlier processes are read back from the store.
func (o *Orchestrator) LastSync(ctx context.Context, hashedID account.HashedID) time.Time {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return time.Time{}
	}
	rt.mu.Lock()
	last := rt.lastSync
	st := rt.reg.Store
	rt.mu.Unlock()

	if !last.IsZero() {
		return last
	}

	stored, err := st.GetLastSync(ctx, hashedID)
	if err != nil {
		o.logger.Warn("reading last sync", slog.Any("error", err))
		return time.Time{}
	}
	return stored
}

// GetConflicts lists the account's unresolved conflicts.
func (o *Orchestrator) GetConflicts(ctx context.Context, hashedID account.HashedID) ([]*store.Conflict, error) {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	st := rt.reg.Store
	rt.mu.Unlock()

	conflicts, err := st.ListUnresolvedConflicts(ctx, hashedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateStore, err)
	}
	return conflicts, nil
}

// ResolveConflict records a resolution strategy for a conflict in any
// registered account. The next sync session applies it.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID string, strategy store.Resolution) error {
	o.mu.Lock()
	stores := make([]*store.Store, 0, len(o.accounts))
	for _, rt := range o.accounts {
		rt.mu.Lock()
		stores = append(stores, rt.reg.Store)
		rt.mu.Unlock()
	}
	o.mu.Unlock()

	for _, st := range stores {
		_, err := st.GetConflict(ctx, conflictID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}
		if err := st.ResolveConflict(ctx, conflictID, strategy); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}
		return nil
	}

	return fmt.Errorf("engine: conflict %s: %w", conflictID, store.ErrNotFound)
}

// session is the per-run state of one sync.
type session struct {
	acct     account.Account
	store    *store.Store
	remote   Remote
	driveID  string
	limiter  *Limiter
	progress *Progress
	logger   *slog.Logger
	reg      Registration

	logMu      sync.Mutex
	sessionID  string
	sessionLog *store.SessionLog
}

// run drives the state machine: ValidateAccount, DeltaPhase,
// LoadSelection, LocalScan, Reconcile, Deletions, UploadPhase,
// DownloadPhase, Finalize.
func (s *session) run(ctx context.Context) error {
	s.progress.BeginRun(StatusIdle)

	if err := s.validateAccount(); err != nil {
		s.progress.SetStatus(StatusFailed, err.Error())
		return err
	}

	if err := s.beginSession(ctx); err != nil {
		s.progress.SetStatus(StatusFailed, err.Error())
		return err
	}

	err := s.runPhases(ctx)
	return s.finalize(ctx, err)
}

func (s *session) runPhases(ctx context.Context) error {
	if err := s.applyResolutions(ctx); err != nil {
		return err
	}

	before, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	if _, err := s.runDeltaPhase(ctx); err != nil {
		return err
	}

	after, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	local, err := s.scanLocal(ctx)
	if err != nil {
		return err
	}

	if len(after) == 0 && len(local) == 0 {
		s.progress.SetStatus(StatusIdle, "nothing to sync")
		return nil
	}

	unresolved, err := s.unresolvedPaths(ctx)
	if err != nil {
		return err
	}

	plan, err := reconcile(ctx, local, before, after, unresolved, s.logger)
	if err != nil {
		return err
	}

	s.progress.Update(func(st *SyncState) {
		st.Status = StatusRunning
		st.TotalFiles = plan.TotalFiles
		st.TotalBytes = plan.TotalBytes
	})

	detected, err := s.recordConflicts(ctx, plan.Conflicts)
	if err != nil {
		return err
	}
	if detected > 0 {
		s.progress.Update(func(st *SyncState) { st.ConflictsDetected += detected })
		s.sessionCounters(func(log *store.SessionLog) { log.ConflictsDetected += detected })
	}

	if len(plan.Adopted) > 0 {
		if err := s.store.SaveItems(ctx, plan.Adopted); err != nil {
			return fmt.Errorf("%w: %w", ErrStateStore, err)
		}
	}

	if err := s.runDeletions(ctx, plan); err != nil {
		return err
	}
	if err := s.runUploads(ctx, plan); err != nil {
		return err
	}
	if err := s.runDownloads(ctx, plan); err != nil {
		return err
	}

	s.sessionCounters(func(log *store.SessionLog) { log.TotalBytes = s.progress.Latest().CompletedBytes })
	return nil
}

func (s *session) validateAccount() error {
	if err := s.acct.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	info, err := os.Stat(s.acct.LocalSyncRoot)
	if err != nil {
		return fmt.Errorf("%w: sync root: %w", ErrConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: sync root %q is not a directory", ErrConfig, s.acct.LocalSyncRoot)
	}
	return nil
}

// snapshot reads the account's selected, non-folder records keyed by
// relative path.
func (s *session) snapshot(ctx context.Context) (map[string]*store.ItemRecord, error) {
	items, err := s.store.GetItemsByAccount(ctx, s.acct.HashedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	byPath := make(map[string]*store.ItemRecord, len(items))
	for _, it := range items {
		if !it.IsSelected {
			continue
		}
		byPath[it.RelativePath] = it
	}
	return byPath, nil
}

func (s *session) scanLocal(ctx context.Context) ([]*scan.FileMetadata, error) {
	scanner := scan.New(s.acct.LocalSyncRoot, s.reg.ScanFilter, s.logger)
	files, err := scanner.ScanAll(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, classify(err)
		}
		return nil, classifyLocal(err)
	}
	return files, nil
}

func (s *session) unresolvedPaths(ctx context.Context) (map[string]bool, error) {
	conflicts, err := s.store.ListUnresolvedConflicts(ctx, s.acct.HashedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	paths := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		paths[c.RelativePath] = true
	}
	return paths, nil
}

// beginSession opens the per-run audit record when the account has
// detailed session logging on.
func (s *session) beginSession(ctx context.Context) error {
	if !s.acct.DetailedSessionLogs {
		return nil
	}

	started := time.Now().UTC()
	id, err := s.store.BeginSession(ctx, s.acct.HashedID, started)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	s.logMu.Lock()
	s.sessionID = id
	s.sessionLog = &store.SessionLog{
		ID:              id,
		HashedAccountID: s.acct.HashedID,
		StartedUTC:      started,
		Status:          store.SessionRunning,
	}
	s.logMu.Unlock()
	return nil
}

// sessionCounters mutates the pending session log under its lock.
func (s *session) sessionCounters(mutate func(*store.SessionLog)) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.sessionLog != nil {
		mutate(s.sessionLog)
	}
}

// appendOperation writes a per-file audit row when session logging is
// active. Audit failures are logged, never fatal.
func (s *session) appendOperation(ctx context.Context, kind store.OperationKind, relPath string, size int64, detail string) {
	s.logMu.Lock()
	id := s.sessionID
	s.logMu.Unlock()
	if id == "" {
		return
	}

	op := &store.OperationLog{
		SessionID:       id,
		HashedAccountID: s.acct.HashedID,
		RelativePath:    relPath,
		Kind:            kind,
		Size:            size,
		Detail:          detail,
		TimestampUTC:    time.Now().UTC(),
	}
	if err := s.store.AppendOperation(ctx, op); err != nil {
		s.logger.Warn("appending operation log", slog.Any("error", err))
	}
}

// appendDebug writes a diagnostic row when the account has debug logging
// on. Diagnostic failures are logged, never fatal.
func (s *session) appendDebug(ctx context.Context, level, source, message, exceptionText string) {
	if !s.acct.DebugLogging {
		return
	}

	entry := &store.DebugLogEntry{
		HashedAccountID: s.acct.HashedID,
		TimestampUTC:    time.Now().UTC(),
		Level:           level,
		Source:          source,
		Message:         message,
		ExceptionText:   exceptionText,
	}
	if err := s.store.AppendDebug(ctx, entry); err != nil {
		s.logger.Warn("appending debug log", slog.Any("error", err))
	}
}

// finalize resolves the session into its terminal state: Completed,
// Paused on cancellation, Failed otherwise. Cancellation is not an
// error at this boundary; all durable state up to the last applied page
// and finished transfer is preserved.
func (s *session) finalize(ctx context.Context, runErr error) error {
	// Finalize work must proceed even when the run context is gone.
	ctx = context.WithoutCancel(ctx)

	status := store.SessionCompleted
	progressStatus := StatusCompleted
	message := "sync completed"

	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrCancelled) || errors.Is(runErr, context.Canceled):
		status = store.SessionPaused
		progressStatus = StatusPaused
		message = "sync paused"
		runErr = nil
	default:
		status = store.SessionFailed
		progressStatus = StatusFailed
		message = runErr.Error()
		s.appendDebug(ctx, "error", "session", "sync run failed", runErr.Error())
	}

	if runErr == nil && status == store.SessionCompleted {
		if err := s.store.SaveLastSync(ctx, s.acct.HashedID, time.Now().UTC()); err != nil {
			s.logger.Warn("recording last sync", slog.Any("error", err))
		}
		if _, err := s.store.CleanupTombstones(ctx, s.acct.HashedID, time.Now().UTC().Add(-s.reg.TombstoneRetention)); err != nil {
			s.logger.Warn("tombstone cleanup", slog.Any("error", err))
		}
		if s.acct.DebugLogging {
			if _, err := s.store.PruneDebugLogs(ctx, s.acct.HashedID, time.Now().UTC().Add(-s.reg.DebugLogRetention)); err != nil {
				s.logger.Warn("debug log prune", slog.Any("error", err))
			}
		}
		s.reportStalePartials()
	}

	s.logMu.Lock()
	log := s.sessionLog
	s.logMu.Unlock()
	if log != nil {
		log.Status = status
		log.CompletedUTC = time.Now().UTC()
		if err := s.store.FinishSession(ctx, log); err != nil {
			s.logger.Warn("finishing session log", slog.Any("error", err))
		}
	}

	if s.progress.Latest().Status != StatusIdle || progressStatus != StatusCompleted {
		s.progress.SetStatus(progressStatus, message)
	}

	return runErr
}

// reportStalePartials logs download temp files that have outlived any
// plausible in-flight transfer.
func (s *session) reportStalePartials() {
	cutoff := time.Now().Add(-stalePartialAge)

	_ = filepath.WalkDir(s.acct.LocalSyncRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), partialSuffix) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr == nil && info.ModTime().Before(cutoff) {
			s.logger.Warn("stale partial download",
				slog.String("account", s.acct.HashedID.Short()),
				slog.String("path", path))
		}
		return nil
	})
}
