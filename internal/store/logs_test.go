package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	id, err := s.BeginSession(ctx, testAccount, started)
	require.NoError(t, err)

	log, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, log.Status)
	assert.True(t, log.CompletedUTC.IsZero())

	require.NoError(t, s.FinishSession(ctx, &SessionLog{
		ID:              id,
		CompletedUTC:    started.Add(time.Minute),
		Status:          SessionCompleted,
		FilesUploaded:   3,
		FilesDownloaded: 2,
		FilesDeleted:    1,
		TotalBytes:      1024,
	}))

	log, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, log.Status)
	assert.Equal(t, 3, log.FilesUploaded)
	assert.Equal(t, int64(1024), log.TotalBytes)
	assert.True(t, log.CompletedUTC.Equal(started.Add(time.Minute)))
}

func TestListSessions_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	var ids []string

	for i := range 3 {
		id, err := s.BeginSession(ctx, testAccount, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	logs, err := s.ListSessions(ctx, testAccount, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, ids[2], logs[0].ID)
	assert.Equal(t, ids[1], logs[1].ID)
}

func TestOperationLog_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.BeginSession(ctx, testAccount, time.Now().UTC())
	require.NoError(t, err)

	for _, kind := range []OperationKind{OpUpload, OpDownload, OpConflict} {
		require.NoError(t, s.AppendOperation(ctx, &OperationLog{
			SessionID:       id,
			HashedAccountID: testAccount,
			RelativePath:    "d/a.txt",
			Kind:            kind,
			Size:            10,
		}))
	}

	ops, err := s.ListOperations(ctx, id)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpUpload, ops[0].Kind)
	assert.Equal(t, OpDownload, ops[1].Kind)
	assert.Equal(t, OpConflict, ops[2].Kind)
	assert.False(t, ops[0].TimestampUTC.IsZero())
}

func TestDebugLogs_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendDebug(ctx, &DebugLogEntry{
		HashedAccountID: testAccount, TimestampUTC: old,
		Level: "debug", Source: "delta", Message: "stale entry",
	}))
	require.NoError(t, s.AppendDebug(ctx, &DebugLogEntry{
		HashedAccountID: testAccount, TimestampUTC: recent,
		Level: "error", Source: "pool", Message: "kept entry", ExceptionText: "boom",
	}))

	n, err := s.PruneDebugLogs(ctx, testAccount, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.ListDebugLogs(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept entry", entries[0].Message)
	assert.Equal(t, "boom", entries[0].ExceptionText)
	assert.Equal(t, recent, entries[0].TimestampUTC)
}
