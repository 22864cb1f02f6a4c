package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

func deltaItem(id, relPath string, size int64) graph.Item {
	return graph.Item{
		ID:              id,
		Name:            relPath,
		RelativePath:    relPath,
		Size:            size,
		LastModifiedUTC: baseTime,
		CTag:            "ctag-" + id,
		ETag:            "etag-" + id,
		IsFile:          true,
	}
}

func TestRunDeltaPhase_AppliesAllPages(t *testing.T) {
	st := newTestStore(t)
	remote := newFakeRemote()
	remote.queuePage(graph.DeltaPage{
		Items:    []graph.Item{deltaItem("x1", "a.txt", 10), deltaItem("x2", "b.txt", 20)},
		NextLink: "https://remote.test/delta?page=2",
	})
	remote.queuePage(graph.DeltaPage{
		Items:     []graph.Item{deltaItem("x3", "c/d.txt", 30)},
		DeltaLink: "https://remote.test/delta?token=final",
	})

	s := newTestSession(t, newTestAccount(t), st, remote)
	ctx := context.Background()

	stats, err := s.runDeltaPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, "https://remote.test/delta?token=final", stats.FinalToken)
	assert.True(t, stats.Initial)

	items, err := st.GetItemsByAccount(ctx, testAccountID)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	token, err := st.GetDeltaToken(ctx, testAccountID, "drive-test")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.test/delta?token=final", token)
}

func TestRunDeltaPhase_IncrementalUsesStoredToken(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveDeltaToken(ctx, testAccountID, "drive-test", "https://remote.test/delta?token=prev"))

	remote := newFakeRemote()
	s := newTestSession(t, newTestAccount(t), st, remote)

	stats, err := s.runDeltaPhase(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Initial)
	assert.Equal(t, 1, stats.Pages)
}

func TestRunDeltaPhase_GoneTokenForcesResync(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveDeltaToken(ctx, testAccountID, "drive-test", "https://remote.test/delta?token=stale"))

	remote := newFakeRemote()
	remote.deltaErr = &graph.Error{StatusCode: 410, Message: "resync required", Err: graph.ErrGone}
	remote.queuePage(graph.DeltaPage{
		Items:     []graph.Item{deltaItem("x1", "a.txt", 10)},
		DeltaLink: "https://remote.test/delta?token=fresh",
	})

	s := newTestSession(t, newTestAccount(t), st, remote)

	stats, err := s.runDeltaPhase(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Initial, "a resync replays the stream from scratch")

	token, err := st.GetDeltaToken(ctx, testAccountID, "drive-test")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.test/delta?token=fresh", token)
}

func TestRunDeltaPhase_FailureKeepsLastAppliedPage(t *testing.T) {
	st := newTestStore(t)
	remote := newFakeRemote()
	remote.queuePage(graph.DeltaPage{
		Items:    []graph.Item{deltaItem("x1", "a.txt", 10)},
		NextLink: "https://remote.test/delta?page=2",
	})
	remote.deltaErr = &graph.Error{StatusCode: 500, Message: "boom", Err: graph.ErrServerError}
	remote.errAt = 2

	s := newTestSession(t, newTestAccount(t), st, remote)
	ctx := context.Background()

	_, err := s.runDeltaPhase(ctx)
	require.Error(t, err)

	var dpe *DeltaProcessingError
	require.ErrorAs(t, err, &dpe)
	assert.Equal(t, 1, dpe.PagesApplied)
	assert.Equal(t, "https://remote.test/delta?page=2", dpe.ResumeToken)

	// The first page and its continuation token are durable, so the
	// next run resumes instead of starting over.
	token, tokenErr := st.GetDeltaToken(ctx, testAccountID, "drive-test")
	require.NoError(t, tokenErr)
	assert.Equal(t, "https://remote.test/delta?page=2", token)

	items, itemsErr := st.GetItemsByAccount(ctx, testAccountID)
	require.NoError(t, itemsErr)
	assert.Len(t, items, 1)
}

func TestRunDeltaPhase_PageCapAborts(t *testing.T) {
	if testing.Short() {
		t.Skip("iterates the full page cap")
	}

	st := newTestStore(t)
	remote := newFakeRemote()
	remote.loop = true

	s := newTestSession(t, newTestAccount(t), st, remote)

	_, err := s.runDeltaPhase(context.Background())
	require.Error(t, err)

	var dpe *DeltaProcessingError
	require.ErrorAs(t, err, &dpe)
	assert.Equal(t, maxDeltaPages, dpe.PagesApplied)
	assert.ErrorIs(t, err, ErrRemotePermanent)
}

func TestRunDeltaPhase_CancelledBetweenPages(t *testing.T) {
	st := newTestStore(t)
	remote := newFakeRemote()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestSession(t, newTestAccount(t), st, remote)
	_, err := s.runDeltaPhase(ctx)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRunDeltaPhase_TombstonePreserved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	remote := newFakeRemote()
	remote.queuePage(graph.DeltaPage{
		Items:     []graph.Item{deltaItem("x1", "a.txt", 10)},
		DeltaLink: "https://remote.test/delta?token=one",
	})

	s := newTestSession(t, newTestAccount(t), st, remote)
	_, err := s.runDeltaPhase(ctx)
	require.NoError(t, err)

	gone := deltaItem("x1", "a.txt", 10)
	gone.IsDeleted = true
	remote.queuePage(graph.DeltaPage{
		Items:     []graph.Item{gone},
		DeltaLink: "https://remote.test/delta?token=two",
	})

	_, err = s.runDeltaPhase(ctx)
	require.NoError(t, err)

	rec, err := st.GetItem(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted, "deletions surface as tombstones, not removals")
}

func TestRecordsFromPage_Statuses(t *testing.T) {
	folder := deltaItem("f1", "docs", 0)
	folder.IsFile = false
	folder.IsFolder = true

	records := recordsFromPage([]graph.Item{folder, deltaItem("x1", "docs/a.txt", 5)})
	require.Len(t, records, 2)
	assert.Equal(t, store.StatusSynced, records[0].Status)
	assert.True(t, records[0].IsFolder)
	assert.Equal(t, store.StatusPendingDownload, records[1].Status)
	assert.Equal(t, baseTime, records[1].LastModifiedUTC.In(time.UTC))
}
