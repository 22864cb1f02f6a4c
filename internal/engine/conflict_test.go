package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

func TestConflictCopyPath(t *testing.T) {
	assert.Equal(t, "report (conflict copy).docx", conflictCopyPath("report.docx", 0))
	assert.Equal(t, "report (conflict copy 2).docx", conflictCopyPath("report.docx", 1))
	assert.Equal(t, "docs/notes (conflict copy).md", conflictCopyPath("docs/notes.md", 0))
	assert.Equal(t, "Makefile (conflict copy)", conflictCopyPath("Makefile", 0))
	assert.Equal(t, ".env (conflict copy)", conflictCopyPath(".env", 0))
	assert.Equal(t, "home/.env (conflict copy 2)", conflictCopyPath("home/.env", 1))
	assert.Equal(t, ".config (conflict copy).yaml", conflictCopyPath(".config.yaml", 0))
}

func TestRecordConflicts_LeavesItemPendingDownload(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	rec := &store.ItemRecord{
		DriveItemID:     "item-1",
		HashedAccountID: testAccountID,
		DriveID:         "drive-test",
		RelativePath:    "clash.txt",
		Name:            "clash.txt",
		Size:            20,
		LastModifiedUTC: baseTime,
		IsSelected:      true,
		Status:          store.StatusSynced,
	}
	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{rec}))

	s := newTestSession(t, acct, st, newFakeRemote())
	cand := ConflictCandidate{
		RelativePath: "clash.txt",
		Local:        localFile("clash.txt", 18, baseTime.Add(time.Minute)),
		Remote:       rec,
	}

	n, err := s.recordConflicts(ctx, []ConflictCandidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conflicts, err := st.ListUnresolvedConflicts(ctx, testAccountID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "clash.txt", conflicts[0].RelativePath)
	assert.Equal(t, int64(18), conflicts[0].LocalSize)
	assert.Equal(t, int64(20), conflicts[0].RemoteSize)

	stored, err := st.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingDownload, stored.Status)
}

func TestRecordConflicts_ExistingUnresolvedIsNotDuplicated(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	rec := &store.ItemRecord{
		DriveItemID:     "item-1",
		HashedAccountID: testAccountID,
		DriveID:         "drive-test",
		RelativePath:    "clash.txt",
		Name:            "clash.txt",
		Size:            20,
		LastModifiedUTC: baseTime,
		IsSelected:      true,
		Status:          store.StatusSynced,
	}
	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{rec}))

	s := newTestSession(t, acct, st, newFakeRemote())
	cand := ConflictCandidate{RelativePath: "clash.txt", Remote: rec}

	for i := 0; i < 2; i++ {
		_, err := s.recordConflicts(ctx, []ConflictCandidate{cand})
		require.NoError(t, err)
	}

	conflicts, err := st.ListUnresolvedConflicts(ctx, testAccountID)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func addResolvedConflict(t *testing.T, st *store.Store, relPath string, res store.Resolution) string {
	t.Helper()
	ctx := context.Background()

	id, err := st.AddConflict(ctx, &store.Conflict{
		HashedAccountID:   testAccountID,
		RelativePath:      relPath,
		LocalModifiedUTC:  baseTime,
		RemoteModifiedUTC: baseTime.Add(time.Minute),
		LocalSize:         5,
		RemoteSize:        6,
		DetectedUTC:       baseTime,
	})
	require.NoError(t, err)
	require.NoError(t, st.ResolveConflict(ctx, id, res))
	return id
}

func conflictedItem(relPath string) *store.ItemRecord {
	return &store.ItemRecord{
		DriveItemID:     "item-" + relPath,
		HashedAccountID: testAccountID,
		DriveID:         "drive-test",
		RelativePath:    relPath,
		Name:            filepath.Base(relPath),
		Size:            6,
		LastModifiedUTC: baseTime.Add(time.Minute),
		IsSelected:      true,
		Status:          store.StatusPendingDownload,
		LocalHash:       "2222222222222222222222222222222222222222222222222222222222222222",
	}
}

func TestApplyResolutions_KeepLocal(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{conflictedItem("a.txt")}))
	addResolvedConflict(t, st, "a.txt", store.ResolutionKeepLocal)

	s := newTestSession(t, acct, st, newFakeRemote())
	require.NoError(t, s.applyResolutions(ctx))

	item, err := st.GetItemByPath(ctx, testAccountID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingUpload, item.Status)

	unapplied, err := st.ListResolvedUnapplied(ctx, testAccountID)
	require.NoError(t, err)
	assert.Empty(t, unapplied)
}

func TestApplyResolutions_KeepRemote(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{conflictedItem("a.txt")}))
	addResolvedConflict(t, st, "a.txt", store.ResolutionKeepRemote)

	s := newTestSession(t, acct, st, newFakeRemote())
	require.NoError(t, s.applyResolutions(ctx))

	item, err := st.GetItemByPath(ctx, testAccountID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingDownload, item.Status)
	assert.Empty(t, item.LocalHash, "the stale hash must not block the redownload")
}

func TestApplyResolutions_KeepBothRenamesLocalCopy(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	writeLocal(t, acct.LocalSyncRoot, "docs/a.txt", "local version")
	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{conflictedItem("docs/a.txt")}))
	addResolvedConflict(t, st, "docs/a.txt", store.ResolutionKeepBoth)

	s := newTestSession(t, acct, st, newFakeRemote())
	require.NoError(t, s.applyResolutions(ctx))

	_, err := os.Stat(filepath.Join(acct.LocalSyncRoot, "docs", "a.txt"))
	assert.True(t, os.IsNotExist(err), "original local path freed for the download")

	copied, err := os.ReadFile(filepath.Join(acct.LocalSyncRoot, "docs", "a (conflict copy).txt"))
	require.NoError(t, err)
	assert.Equal(t, "local version", string(copied))

	item, err := st.GetItemByPath(ctx, testAccountID, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPendingDownload, item.Status)
}

func TestApplyResolutions_KeepBothCollisionPicksNextName(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	writeLocal(t, acct.LocalSyncRoot, "a.txt", "newest")
	writeLocal(t, acct.LocalSyncRoot, "a (conflict copy).txt", "older copy")
	require.NoError(t, st.SaveItems(ctx, []*store.ItemRecord{conflictedItem("a.txt")}))
	addResolvedConflict(t, st, "a.txt", store.ResolutionKeepBoth)

	s := newTestSession(t, acct, st, newFakeRemote())
	require.NoError(t, s.applyResolutions(ctx))

	copied, err := os.ReadFile(filepath.Join(acct.LocalSyncRoot, "a (conflict copy 2).txt"))
	require.NoError(t, err)
	assert.Equal(t, "newest", string(copied))
}

func TestApplyResolutions_VanishedItemIsMarkedApplied(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	ctx := context.Background()

	addResolvedConflict(t, st, "ghost.txt", store.ResolutionKeepRemote)

	s := newTestSession(t, acct, st, newFakeRemote())
	require.NoError(t, s.applyResolutions(ctx))

	unapplied, err := st.ListResolvedUnapplied(ctx, testAccountID)
	require.NoError(t, err)
	assert.Empty(t, unapplied)
}
