// Package store persists all durable sync state for one account database:
// item records, delta tokens, conflicts, and session, operation, and debug
// logs. It is backed by SQLite in WAL mode with a single writer; every
// mutation runs in a short transaction.
package store

import (
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// SyncStatus tracks where an item is in its transfer lifecycle.
type SyncStatus string

// SyncStatus values.
const (
	StatusSynced          SyncStatus = "Synced"
	StatusPendingUpload   SyncStatus = "PendingUpload"
	StatusPendingDownload SyncStatus = "PendingDownload"
	StatusUploading       SyncStatus = "Uploading"
	StatusDownloading     SyncStatus = "Downloading"
	StatusFailed          SyncStatus = "Failed"
	StatusSyncOnly        SyncStatus = "SyncOnly"
)

// SyncDirection records which way the last transfer moved.
type SyncDirection string

// SyncDirection values.
const (
	DirectionUpload   SyncDirection = "Upload"
	DirectionDownload SyncDirection = "Download"
	DirectionNone     SyncDirection = "None"
)

// Resolution is a conflict resolution strategy.
type Resolution string

// Resolution values.
const (
	ResolutionNone       Resolution = "None"
	ResolutionKeepLocal  Resolution = "KeepLocal"
	ResolutionKeepRemote Resolution = "KeepRemote"
	ResolutionKeepBoth   Resolution = "KeepBoth"
)

// ItemRecord is the authoritative local record of a remote item's last-known
// state plus local sync bookkeeping. (hashedAccountId, relativePath) is
// unique among non-deleted records; driveItemId is unique outright.
type ItemRecord struct {
	DriveItemID     string
	HashedAccountID account.HashedID
	DriveID         string
	RelativePath    string
	Name            string
	Size            int64
	LastModifiedUTC time.Time
	CTag            string
	ETag            string
	LocalPath       string
	LocalHash       string
	IsFolder        bool
	IsDeleted       bool
	IsSelected      bool
	Status          SyncStatus
	Direction       SyncDirection
	UpdatedAt       time.Time
}

// Conflict is a durable record of a path changed on both sides. At most one
// unresolved conflict exists per (hashedAccountId, relativePath).
type Conflict struct {
	ID                string
	HashedAccountID   account.HashedID
	RelativePath      string
	LocalModifiedUTC  time.Time
	RemoteModifiedUTC time.Time
	LocalSize         int64
	RemoteSize        int64
	DetectedUTC       time.Time
	Resolution        Resolution
	Resolved          bool
	Applied           bool
}

// SessionStatus is the terminal state of a sync session.
type SessionStatus string

// SessionStatus values.
const (
	SessionRunning   SessionStatus = "Running"
	SessionCompleted SessionStatus = "Completed"
	SessionFailed    SessionStatus = "Failed"
	SessionPaused    SessionStatus = "Paused"
)

// SessionLog is the per-run audit record.
type SessionLog struct {
	ID                string
	HashedAccountID   account.HashedID
	StartedUTC        time.Time
	CompletedUTC      time.Time // zero while running
	Status            SessionStatus
	FilesUploaded     int
	FilesDownloaded   int
	FilesDeleted      int
	ConflictsDetected int
	TotalBytes        int64
}

// OperationKind classifies a per-file operation log row.
type OperationKind string

// OperationKind values.
const (
	OpUpload       OperationKind = "Upload"
	OpDownload     OperationKind = "Download"
	OpDeleteLocal  OperationKind = "DeleteLocal"
	OpDeleteRemote OperationKind = "DeleteRemote"
	OpConflict     OperationKind = "Conflict"
)

// OperationLog is one append-only per-file audit row.
type OperationLog struct {
	SessionID       string
	HashedAccountID account.HashedID
	RelativePath    string
	Kind            OperationKind
	Size            int64
	Detail          string
	TimestampUTC    time.Time
}

// DebugLogEntry is one append-only diagnostic row, written only when the
// owning account has debug logging enabled.
type DebugLogEntry struct {
	HashedAccountID account.HashedID
	TimestampUTC    time.Time
	Level           string
	Source          string
	Message         string
	ExceptionText   string
}

// timeToNano converts a time to UnixNano for storage, mapping the zero time
// to 0 (UnixNano on the zero time is undefined).
func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// nanoToTime is the inverse of timeToNano.
func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
