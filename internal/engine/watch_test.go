package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

func TestWatch_UnknownAccount(t *testing.T) {
	o := NewOrchestrator(testLogger())
	err := o.Watch(context.Background(), account.HashID("nobody"), time.Minute)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestWatch_StopsWhenContextCancelled(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t)
	o := newTestOrchestrator(t, acct, st, newFakeRemote())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Watch(ctx, testAccountID, time.Minute) }()

	// Let the initial run settle, then stop watching.
	require.Eventually(t, func() bool {
		p, err := o.Progress(testAccountID)
		return err == nil && p.Latest().Status == StatusIdle
	}, 5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestWatch_LocalChangeTriggersSync(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce wait")
	}

	st := newTestStore(t)
	remote := newFakeRemote()
	acct := newTestAccount(t)
	o := newTestOrchestrator(t, acct, st, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Watch(ctx, testAccountID, time.Minute) }()

	// The initial run sees an empty tree.
	require.Eventually(t, func() bool {
		p, err := o.Progress(testAccountID)
		return err == nil && p.Latest().Status == StatusIdle
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(acct.LocalSyncRoot, "born.txt"), []byte("watched"), 0o644))

	// The debounced follow-up run picks it up and uploads.
	require.Eventually(t, func() bool {
		_, err := st.GetItemByPath(ctx, testAccountID, "born.txt")
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	rec, err := st.GetItemByPath(ctx, testAccountID, "born.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, rec.Status)
	assert.Equal(t, []byte("watched"), remote.uploadedBytes("born.txt"))

	cancel()
	<-done
}
