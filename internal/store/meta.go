package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Per-account metadata queries. The core only ever writes last_sync_utc.
const (
	sqlGetLastSync = `SELECT last_sync_utc FROM account_meta
		WHERE hashed_account_id = ?`

	sqlSaveLastSync = `INSERT INTO account_meta (hashed_account_id, last_sync_utc)
		VALUES (?, ?)
		ON CONFLICT(hashed_account_id) DO UPDATE
		SET last_sync_utc = excluded.last_sync_utc`
)

// GetLastSync returns when the account last completed a sync, zero when it
// never has.
func (s *Store) GetLastSync(ctx context.Context, hashedID account.HashedID) (time.Time, error) {
	var nano int64

	err := s.metaStmts.getLastSync.QueryRowContext(ctx, hashedID.String()).Scan(&nano)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("store: get last sync: %w", err)
	}

	return nanoToTime(nano), nil
}

// SaveLastSync records the completion time of a sync run.
func (s *Store) SaveLastSync(ctx context.Context, hashedID account.HashedID, at time.Time) error {
	if _, err := s.metaStmts.saveLastSync.ExecContext(ctx, hashedID.String(), timeToNano(at)); err != nil {
		return fmt.Errorf("store: save last sync: %w", err)
	}

	return nil
}
