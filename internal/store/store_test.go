package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

var testAccount = account.HashID("test-account")

const testDrive = "drive-1"

// newTestStore opens an in-memory store and closes it on test cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

// remoteItem builds a minimal delta-view record.
func remoteItem(id, relPath string, size int64, ctag string) *ItemRecord {
	return &ItemRecord{
		DriveItemID:     id,
		RelativePath:    relPath,
		Name:            relPath,
		Size:            size,
		CTag:            ctag,
		LastModifiedUTC: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestApplyDeltaPage_InsertsItemsAndToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []*ItemRecord{
		remoteItem("X1", "docs/a.txt", 10, "c1"),
		remoteItem("X2", "docs/b.txt", 20, "c2"),
	}

	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive, items, "https://example.invalid/delta?t=1"))

	got, err := s.GetItemsByAccount(ctx, testAccount)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	token, err := s.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid/delta?t=1", token)

	item, err := s.GetItemByPath(ctx, testAccount, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "X1", item.DriveItemID)
	assert.Equal(t, StatusPendingDownload, item.Status)
	assert.True(t, item.IsSelected)
}

func TestApplyDeltaPage_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []*ItemRecord{remoteItem("X1", "a.txt", 10, "c1")}

	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive, items, "tok://1"))
	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive, items, "tok://1"))

	got, err := s.GetItemsByAccount(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a.txt", got[0].RelativePath)
	assert.Equal(t, int64(10), got[0].Size)
}

func TestApplyDeltaPage_PreservesLocalBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{remoteItem("X1", "a.txt", 10, "c1")}, "tok://1"))

	// A transfer completes: local fields and status are written.
	item, err := s.GetItem(ctx, "X1")
	require.NoError(t, err)

	item.LocalPath = "/sync/a.txt"
	item.LocalHash = "deadbeef"
	item.Status = StatusSynced
	item.Direction = DirectionDownload
	require.NoError(t, s.SaveItems(ctx, []*ItemRecord{item}))

	// The next delta page reports a remote content change.
	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{remoteItem("X1", "a.txt", 12, "c2")}, "tok://2"))

	got, err := s.GetItem(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.CTag)
	assert.Equal(t, int64(12), got.Size)
	assert.Equal(t, "/sync/a.txt", got.LocalPath)
	assert.Equal(t, "deadbeef", got.LocalHash)
	assert.Equal(t, StatusSynced, got.Status)
}

func TestApplyDeltaPage_TombstonesDeletedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{remoteItem("X1", "a.txt", 10, "c1")}, "tok://1"))

	deleted := remoteItem("X1", "a.txt", 0, "")
	deleted.IsDeleted = true
	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{deleted}, "tok://2"))

	// Tombstone stays in-band for the reconciler.
	got, err := s.GetItem(ctx, "X1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	// But no longer resolves by path.
	_, err = s.GetItemByPath(ctx, testAccount, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyDeltaPage_ResumeEquivalence(t *testing.T) {
	// Applying pages 1..k, "restarting" (a fresh read of everything), then
	// applying the remainder matches applying the full stream in one go.
	pages := [][]*ItemRecord{
		{remoteItem("X1", "a.txt", 10, "c1"), remoteItem("X2", "b.txt", 20, "c1")},
		{remoteItem("X1", "a.txt", 11, "c2")},
		{remoteItem("X3", "c.txt", 30, "c1")},
	}

	ctx := context.Background()

	full := newTestStore(t)
	for i, page := range pages {
		require.NoError(t, full.ApplyDeltaPage(ctx, testAccount, testDrive, page, "tok://"+string(rune('0'+i))))
	}

	resumed := newTestStore(t)
	require.NoError(t, resumed.ApplyDeltaPage(ctx, testAccount, testDrive, pages[0], "tok://0"))

	// Restart: resume from the stored token, apply the remaining pages.
	token, err := resumed.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Equal(t, "tok://0", token)

	for i, page := range pages[1:] {
		require.NoError(t, resumed.ApplyDeltaPage(ctx, testAccount, testDrive, page, "tok://"+string(rune('1'+i))))
	}

	wantItems, err := full.GetItemsByAccount(ctx, testAccount)
	require.NoError(t, err)
	gotItems, err := resumed.GetItemsByAccount(ctx, testAccount)
	require.NoError(t, err)

	require.Equal(t, len(wantItems), len(gotItems))

	byID := make(map[string]*ItemRecord)
	for _, item := range wantItems {
		byID[item.DriveItemID] = item
	}

	for _, got := range gotItems {
		want := byID[got.DriveItemID]
		require.NotNil(t, want)
		assert.Equal(t, want.RelativePath, got.RelativePath)
		assert.Equal(t, want.Size, got.Size)
		assert.Equal(t, want.CTag, got.CTag)
	}
}

func TestSaveItems_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ItemRecord{
		DriveItemID:     "L1",
		HashedAccountID: testAccount,
		DriveID:         testDrive,
		RelativePath:    "new/local.txt",
		Name:            "local.txt",
		Size:            42,
		LastModifiedUTC: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		LocalPath:       "/sync/new/local.txt",
		LocalHash:       "cafe",
		IsSelected:      true,
		Status:          StatusPendingUpload,
		Direction:       DirectionNone,
	}

	require.NoError(t, s.SaveItems(ctx, []*ItemRecord{rec}))

	got, err := s.GetItemByPath(ctx, testAccount, "new/local.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingUpload, got.Status)
	assert.Equal(t, "cafe", got.LocalHash)
	assert.True(t, got.LastModifiedUTC.Equal(rec.LastModifiedUTC))
}

func TestDeleteItem_PhysicalRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{remoteItem("X1", "a.txt", 10, "c1")}, "tok://1"))

	require.NoError(t, s.DeleteItem(ctx, "X1"))

	_, err := s.GetItem(ctx, "X1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deleted := remoteItem("X1", "a.txt", 0, "")
	deleted.IsDeleted = true
	require.NoError(t, s.ApplyDeltaPage(ctx, testAccount, testDrive,
		[]*ItemRecord{deleted, remoteItem("X2", "b.txt", 5, "c1")}, "tok://1"))

	n, err := s.CleanupTombstones(ctx, testAccount, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.GetItemsByAccount(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "X2", remaining[0].DriveItemID)
}

func TestDeltaToken_ReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, err := s.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.SaveDeltaToken(ctx, testAccount, testDrive, "tok://1"))
	require.NoError(t, s.SaveDeltaToken(ctx, testAccount, testDrive, "tok://2"))

	token, err = s.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Equal(t, "tok://2", token)

	require.NoError(t, s.DeleteDeltaToken(ctx, testAccount, testDrive))

	token, err = s.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestDeltaToken_PreservedByteForByte(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := "https://example.invalid/v1.0/me/drive/root/delta?token=aBc%2F123=="

	require.NoError(t, s.SaveDeltaToken(ctx, testAccount, testDrive, raw))

	got, err := s.GetDeltaToken(ctx, testAccount, testDrive)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestLastSync_ZeroUntilSavedThenReplaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.GetLastSync(ctx, testAccount)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	second := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveLastSync(ctx, testAccount, first))
	require.NoError(t, s.SaveLastSync(ctx, testAccount, second))

	last, err = s.GetLastSync(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, second, last)
}
