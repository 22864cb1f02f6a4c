// Package scan walks an account's local sync root and produces metadata
// for every regular file found, for the reconciler to compare against the
// remote view in the state store.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FileMetadata describes one regular file under the sync root.
// RelativePath and Name are NFC-normalized; LocalPath keeps the original
// filesystem spelling and must be used for all I/O on the file.
type FileMetadata struct {
	RelativePath    string
	Name            string
	Size            int64
	LastModifiedUTC time.Time
	LocalPath       string

	hash string
}

// Hash returns the lowercase hex SHA-256 of the file's contents, reading
// the file on first call and caching the result. Callers that can decide
// from size and mtime alone never pay for the read.
func (m *FileMetadata) Hash(ctx context.Context) (string, error) {
	if m.hash != "" {
		return m.hash, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(m.LocalPath)
	if err != nil {
		return "", fmt.Errorf("scan: open %q for hashing: %w", m.LocalPath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("scan: hash %q: %w", m.LocalPath, err)
	}

	m.hash = hex.EncodeToString(h.Sum(nil))
	return m.hash, nil
}

// Scanner walks a sync root depth-first, skipping symlinks and anything
// the filter rejects.
type Scanner struct {
	root   string
	filter *Filter
	logger *slog.Logger
}

// New creates a Scanner rooted at root. A nil filter means DefaultFilter.
func New(root string, filter *Filter, logger *slog.Logger) *Scanner {
	if filter == nil {
		filter = DefaultFilter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{root: root, filter: filter, logger: logger}
}

// Scan walks the sync root and calls fn for every regular file, in
// lexical order within each directory. The walk stops on the first error
// returned by fn and checks ctx before descending into each directory.
func (s *Scanner) Scan(ctx context.Context, fn func(*FileMetadata) error) error {
	info, err := os.Lstat(s.root)
	if err != nil {
		return fmt.Errorf("scan: stat sync root %q: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scan: sync root %q is not a directory", s.root)
	}

	return s.walkDir(ctx, "", "", fn)
}

// ScanAll runs Scan and collects every file into a slice.
func (s *Scanner) ScanAll(ctx context.Context) ([]*FileMetadata, error) {
	var files []*FileMetadata
	err := s.Scan(ctx, func(m *FileMetadata) error {
		files = append(files, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// walkDir recurses into one directory. fsRelPath carries the original
// filesystem names for I/O; dbRelPath carries the NFC-normalized names
// that become RelativePath values.
func (s *Scanner) walkDir(ctx context.Context, fsRelPath, dbRelPath string, fn func(*FileMetadata) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dirPath := filepath.Join(s.root, filepath.FromSlash(fsRelPath))
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("scan: read dir %q: %w", dirPath, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := s.processEntry(ctx, fsRelPath, dbRelPath, entry, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) processEntry(ctx context.Context, fsRelPath, dbRelPath string, entry fs.DirEntry, fn func(*FileMetadata) error) error {
	originalName := entry.Name()
	// NFC normalize so macOS NFD spellings compare equal to remote names.
	// The original name is kept for filesystem I/O.
	normalizedName := norm.NFC.String(originalName)

	if s.filter.Skip(normalizedName) {
		s.logger.Debug("scan: filtered", slog.String("name", originalName))
		return nil
	}

	fsEntryRelPath := joinRelPath(fsRelPath, originalName)
	dbEntryRelPath := joinRelPath(dbRelPath, normalizedName)

	if entry.Type()&fs.ModeSymlink != 0 {
		s.logger.Debug("scan: skipping symlink", slog.String("path", fsEntryRelPath))
		return nil
	}

	if entry.IsDir() {
		return s.walkDir(ctx, fsEntryRelPath, dbEntryRelPath, fn)
	}
	if !entry.Type().IsRegular() {
		s.logger.Debug("scan: skipping irregular file", slog.String("path", fsEntryRelPath))
		return nil
	}

	info, err := entry.Info()
	if err != nil {
		// The file vanished between ReadDir and Info. Skip it; the next
		// scan will see the final state.
		s.logger.Warn("scan: stat failed", slog.String("path", fsEntryRelPath), slog.Any("error", err))
		return nil
	}

	return fn(&FileMetadata{
		RelativePath:    dbEntryRelPath,
		Name:            normalizedName,
		Size:            info.Size(),
		LastModifiedUTC: info.ModTime().UTC(),
		LocalPath:       filepath.Join(s.root, filepath.FromSlash(fsEntryRelPath)),
	})
}

// joinRelPath joins with forward slashes regardless of platform, matching
// the path form stored for remote items.
func joinRelPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}
