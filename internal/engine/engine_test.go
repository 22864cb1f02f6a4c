package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/store"
)

var testAccountID = account.HashID("engine-test-account")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func newTestAccount(t *testing.T) account.Account {
	t.Helper()

	return account.Account{
		HashedID:             testAccountID,
		DisplayName:          "Engine Test",
		LocalSyncRoot:        t.TempDir(),
		MaxParallelTransfers: 2,
		MaxBatchItems:        50,
	}
}

// fakeRemote is an in-memory Remote. Delta responses are served from a
// queue; once drained, an empty caught-up page is returned.
type fakeRemote struct {
	mu sync.Mutex

	pages    []graph.DeltaPage
	deltaErr error
	errAt    int // 1-based Delta call to fail on; 0 fails the next call
	loop     bool

	content  map[string][]byte // itemID -> download bytes
	uploads  map[string][]byte // relPath -> uploaded bytes
	pathIDs  map[string]string // relPath -> stable item ID
	sessions map[string]*bytes.Buffer
	deleted  []string

	nextID      int
	deltaCalls  int
	failUploads    int   // transient HTTP failures to inject before success
	netFailUploads int   // transport-level failures to inject before success
	uploadErr      error // persistent upload failure
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		content:  make(map[string][]byte),
		uploads:  make(map[string][]byte),
		pathIDs:  make(map[string]string),
		sessions: make(map[string]*bytes.Buffer),
	}
}

func (f *fakeRemote) queuePage(p graph.DeltaPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, p)
}

func (f *fakeRemote) Delta(ctx context.Context, token string) (*graph.DeltaPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.deltaCalls++
	if f.deltaErr != nil && (f.errAt == 0 || f.deltaCalls == f.errAt) {
		err := f.deltaErr
		f.deltaErr = nil
		return nil, err
	}

	if f.loop {
		return &graph.DeltaPage{NextLink: "https://remote.test/delta?token=next"}, nil
	}

	if len(f.pages) == 0 {
		return &graph.DeltaPage{DeltaLink: "https://remote.test/delta?token=caught-up"}, nil
	}

	page := f.pages[0]
	f.pages = f.pages[1:]
	return &page, nil
}

// newItem mints the item for an upload. Re-uploading a path keeps its
// item ID, matching server behavior for overwrites.
func (f *fakeRemote) newItem(relPath string, size int64) *graph.Item {
	f.nextID++
	id, ok := f.pathIDs[relPath]
	if !ok {
		id = fmt.Sprintf("item-%d", f.nextID)
		f.pathIDs[relPath] = id
	}
	return &graph.Item{
		ID:              id,
		Name:            filepath.Base(relPath),
		RelativePath:    relPath,
		Size:            size,
		LastModifiedUTC: time.Now().UTC().Truncate(time.Second),
		CTag:            fmt.Sprintf("ctag-%d", f.nextID),
		ETag:            fmt.Sprintf("etag-%d", f.nextID),
		IsFile:          true,
	}
}

func (f *fakeRemote) SimpleUpload(ctx context.Context, relPath string, r io.Reader, size int64) (*graph.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if f.failUploads > 0 {
		f.failUploads--
		return nil, &graph.Error{StatusCode: 503, Message: "unavailable", Err: graph.ErrServerError}
	}
	if f.netFailUploads > 0 {
		f.netFailUploads--
		return nil, fmt.Errorf("graph: upload request failed: %w", syscall.ECONNRESET)
	}

	f.uploads[relPath] = data
	item := f.newItem(relPath, int64(len(data)))
	f.content[item.ID] = data
	return item, nil
}

func (f *fakeRemote) CreateUploadSession(ctx context.Context, relPath string, mtime time.Time) (*graph.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	url := "mem://session/" + relPath
	f.sessions[url] = &bytes.Buffer{}
	return &graph.UploadSession{UploadURL: url, Expiration: time.Now().Add(time.Hour)}, nil
}

func (f *fakeRemote) UploadChunk(ctx context.Context, session *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(chunk)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	buf, ok := f.sessions[session.UploadURL]
	if !ok {
		return nil, &graph.Error{StatusCode: 404, Message: "no such session", Err: graph.ErrNotFound}
	}
	if int64(buf.Len()) != offset || int64(len(data)) != length {
		return nil, &graph.Error{StatusCode: 400, Message: "bad content range", Err: graph.ErrBadRequest}
	}
	buf.Write(data)

	if int64(buf.Len()) < total {
		return nil, nil
	}

	relPath := session.UploadURL[len("mem://session/"):]
	f.uploads[relPath] = buf.Bytes()
	delete(f.sessions, session.UploadURL)

	item := f.newItem(relPath, total)
	f.content[item.ID] = f.uploads[relPath]
	return item, nil
}

func (f *fakeRemote) CancelUploadSession(ctx context.Context, session *graph.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session.UploadURL)
	return nil
}

func (f *fakeRemote) Download(ctx context.Context, itemID string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	data, ok := f.content[itemID]
	f.mu.Unlock()
	if !ok {
		return 0, &graph.Error{StatusCode: 404, Message: "no such item", Err: graph.ErrNotFound}
	}

	n, err := w.Write(data)
	return int64(n), err
}

func (f *fakeRemote) DeleteItem(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, itemID)
	delete(f.content, itemID)
	return nil
}

func (f *fakeRemote) uploadedBytes(relPath string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[relPath]
}

func newTestSession(t *testing.T, acct account.Account, st *store.Store, remote Remote) *session {
	t.Helper()

	return &session{
		acct:     acct,
		store:    st,
		remote:   remote,
		driveID:  "drive-test",
		limiter:  NewLimiter(0),
		progress: NewProgress(acct.HashedID),
		logger:   testLogger(),
		reg: Registration{
			Account:            acct,
			TombstoneRetention: 30 * 24 * time.Hour,
			DebugLogRetention:  7 * 24 * time.Hour,
		},
	}
}

func writeLocal(t *testing.T, root, relPath, content string) string {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}
