package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, relPath, content string) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func newTestScanner(root string) *Scanner {
	return New(root, nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestScan_WalksNestedDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "docs/b.txt", "beta")
	writeFile(t, root, "docs/sub/c.txt", "gamma")

	files, err := newTestScanner(root).ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.RelativePath)
	}
	assert.Equal(t, []string{"a.txt", "docs/b.txt", "docs/sub/c.txt"}, paths)
	assert.Equal(t, "b.txt", files[1].Name)
	assert.Equal(t, int64(4), files[1].Size)
	assert.Equal(t, time.UTC, files[1].LastModifiedUTC.Location())
}

func TestScan_FiltersTempAndHiddenFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "x")
	writeFile(t, root, "skip.tmp", "x")
	writeFile(t, root, "download.partial", "x")
	writeFile(t, root, "~$report.docx", "x")
	writeFile(t, root, ".hidden", "x")
	writeFile(t, root, ".git/config", "x")

	files, err := newTestScanner(root).ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "keep.txt", files[0].RelativePath)
}

func TestScan_CustomFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".hidden", "x")
	writeFile(t, root, "a.txt", "x")

	s := New(root, &Filter{}, nil)
	files, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestScan_SkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	root := t.TempDir()
	target := writeFile(t, root, "real.txt", "content")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.txt")))

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linkdir")))

	files, err := newTestScanner(root).ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "real.txt", files[0].RelativePath)
}

func TestScan_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dir/a.txt", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestScanner(root).Scan(ctx, func(*FileMetadata) error {
		t.Fatal("callback should not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScan_MissingRoot(t *testing.T) {
	_, err := newTestScanner(filepath.Join(t.TempDir(), "nope")).ScanAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync root")
}

func TestScan_RootIsFile(t *testing.T) {
	root := t.TempDir()
	full := writeFile(t, root, "f.txt", "x")

	_, err := newTestScanner(full).ScanAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestFileMetadata_Hash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello world")

	files, err := newTestScanner(root).ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)

	want := sha256.Sum256([]byte("hello world"))
	got, err := files[0].Hash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)

	// Cached result survives file removal.
	require.NoError(t, os.Remove(files[0].LocalPath))
	again, err := files[0].Hash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestFileMetadata_Hash_EmptyFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "empty", "")

	s := New(root, &Filter{}, nil)
	files, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)

	got, err := files[0].Hash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}

func TestFileMetadata_Hash_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")

	files, err := newTestScanner(root).ScanAll(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = files[0].Hash(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFilter_Skip(t *testing.T) {
	f := DefaultFilter()

	assert.True(t, f.Skip("Thumbs.db"))
	assert.True(t, f.Skip(".DS_Store"))
	assert.True(t, f.Skip("~$budget.xlsx"))
	assert.True(t, f.Skip("REPORT.TMP"))
	assert.False(t, f.Skip("notes.txt"))
	assert.False(t, f.Skip("partial-results.csv"))
}
