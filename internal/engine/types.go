// Package engine drives sync sessions for registered accounts: delta
// ingestion, local scanning, reconciliation, bounded-parallel transfers,
// conflict recording, and progress publication.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
)

// Remote is the drive-side port the engine consumes. *graph.Client
// satisfies it; tests substitute fakes.
type Remote interface {
	Delta(ctx context.Context, token string) (*graph.DeltaPage, error)
	SimpleUpload(ctx context.Context, relPath string, r io.Reader, size int64) (*graph.Item, error)
	CreateUploadSession(ctx context.Context, relPath string, mtime time.Time) (*graph.UploadSession, error)
	UploadChunk(ctx context.Context, session *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.Item, error)
	CancelUploadSession(ctx context.Context, session *graph.UploadSession) error
	Download(ctx context.Context, itemID string, w io.Writer) (int64, error)
	DeleteItem(ctx context.Context, itemID string) error
}

// Status is the externally visible phase of an account's sync.
type Status string

// Status values.
const (
	StatusIdle             Status = "Idle"
	StatusInitialDelta     Status = "InitialDeltaSync"
	StatusIncrementalDelta Status = "IncrementalDeltaSync"
	StatusRunning          Status = "Running"
	StatusCompleted        Status = "Completed"
	StatusFailed           Status = "Failed"
	StatusPaused           Status = "Paused"
)

// SyncState is one progress snapshot. CompletedBytes and CompletedFiles
// are non-decreasing within a run.
type SyncState struct {
	HashedAccountID   account.HashedID
	Status            Status
	Message           string
	TotalFiles        int
	CompletedFiles    int
	TotalBytes        int64
	CompletedBytes    int64
	FilesUploading    int
	FilesDownloading  int
	FilesDeleted      int
	ConflictsDetected int
	ThroughputMBps    float64
	ETASeconds        float64 // 0 when unknown
	CurrentFolder     string
	Timestamp         time.Time
}
