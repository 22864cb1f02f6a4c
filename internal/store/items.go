package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Item queries. upsertRemote is the delta-apply variant: it records the
// remote view and leaves local bookkeeping (local path, local hash, status,
// selection) untouched on existing rows. upsertFull replaces every column
// and serves local-scan and post-transfer updates.
const (
	sqlItemColumns = `drive_item_id, hashed_account_id, drive_id, relative_path, name,
		size, last_modified_utc, ctag, etag, local_path, local_hash,
		is_folder, is_deleted, is_selected, sync_status, last_sync_direction, updated_at`

	sqlGetItem = `SELECT ` + sqlItemColumns + ` FROM items WHERE drive_item_id = ?`

	sqlGetItemByPath = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE hashed_account_id = ? AND relative_path = ? AND is_deleted = 0`

	sqlUpsertRemote = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drive_item_id) DO UPDATE SET
			drive_id          = excluded.drive_id,
			relative_path     = excluded.relative_path,
			name              = excluded.name,
			size              = excluded.size,
			last_modified_utc = excluded.last_modified_utc,
			ctag              = excluded.ctag,
			etag              = excluded.etag,
			is_folder         = excluded.is_folder,
			is_deleted        = excluded.is_deleted,
			updated_at        = excluded.updated_at`

	sqlUpsertFull = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drive_item_id) DO UPDATE SET
			hashed_account_id   = excluded.hashed_account_id,
			drive_id            = excluded.drive_id,
			relative_path       = excluded.relative_path,
			name                = excluded.name,
			size                = excluded.size,
			last_modified_utc   = excluded.last_modified_utc,
			ctag                = excluded.ctag,
			etag                = excluded.etag,
			local_path          = excluded.local_path,
			local_hash          = excluded.local_hash,
			is_folder           = excluded.is_folder,
			is_deleted          = excluded.is_deleted,
			is_selected         = excluded.is_selected,
			sync_status         = excluded.sync_status,
			last_sync_direction = excluded.last_sync_direction,
			updated_at          = excluded.updated_at`

	sqlDeleteItem = `DELETE FROM items WHERE drive_item_id = ?`

	sqlListByAccount = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE hashed_account_id = ?`

	sqlCleanupTombstones = `DELETE FROM items
		WHERE hashed_account_id = ? AND is_deleted = 1 AND updated_at < ?`
)

// itemArgs returns the argument slice matching sqlItemColumns.
func itemArgs(r *ItemRecord) []any {
	return []any{
		r.DriveItemID, r.HashedAccountID.String(), r.DriveID, r.RelativePath, r.Name,
		r.Size, timeToNano(r.LastModifiedUTC), r.CTag, r.ETag, r.LocalPath, r.LocalHash,
		r.IsFolder, r.IsDeleted, r.IsSelected, string(r.Status), string(r.Direction),
		timeToNano(r.UpdatedAt),
	}
}

// scanItem scans a full item row. Shared by all item-returning queries.
func scanItem(row interface{ Scan(...any) error }) (*ItemRecord, error) {
	var (
		r                          ItemRecord
		hashedID                   string
		lastModified, updatedAt    int64
		status, direction          string
	)

	err := row.Scan(
		&r.DriveItemID, &hashedID, &r.DriveID, &r.RelativePath, &r.Name,
		&r.Size, &lastModified, &r.CTag, &r.ETag, &r.LocalPath, &r.LocalHash,
		&r.IsFolder, &r.IsDeleted, &r.IsSelected, &status, &direction, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := account.ParseHashedID(hashedID)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt hashed account id: %w", err)
	}

	r.HashedAccountID = id
	r.LastModifiedUTC = nanoToTime(lastModified)
	r.UpdatedAt = nanoToTime(updatedAt)
	r.Status = SyncStatus(status)
	r.Direction = SyncDirection(direction)

	return &r, nil
}

// scanItemRows collects all rows into ItemRecords.
func scanItemRows(rows *sql.Rows) ([]*ItemRecord, error) {
	var items []*ItemRecord

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning item row: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating item rows: %w", err)
	}

	return items, nil
}

// GetItem retrieves one item by driveItemId. Returns ErrNotFound when no
// such item exists.
func (s *Store) GetItem(ctx context.Context, driveItemID string) (*ItemRecord, error) {
	item, err := scanItem(s.itemStmts.get.QueryRowContext(ctx, driveItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get item %s: %w", driveItemID, err)
	}

	return item, nil
}

// GetItemByPath retrieves the non-deleted item at a relative path.
// Returns ErrNotFound when no such item exists.
func (s *Store) GetItemByPath(ctx context.Context, hashedID account.HashedID, relPath string) (*ItemRecord, error) {
	item, err := scanItem(s.itemStmts.getByPath.QueryRowContext(ctx, hashedID.String(), relPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get item by path %q: %w", relPath, err)
	}

	return item, nil
}

// GetItemsByAccount returns every item record for an account, tombstones
// included, in arbitrary order.
func (s *Store) GetItemsByAccount(ctx context.Context, hashedID account.HashedID) ([]*ItemRecord, error) {
	rows, err := s.itemStmts.listByAccount.QueryContext(ctx, hashedID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list items for %s: %w", hashedID.Short(), err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// ApplyDeltaPage applies one page of remote changes and replaces the
// account's delta token in a single transaction, so a crash between any two
// operations leaves the page either fully applied or fully not. The upsert
// is idempotent and keyed on driveItemId; deleted items become tombstones
// rather than being removed, so the reconciler sees them in-band. Local
// bookkeeping columns on existing rows are preserved.
func (s *Store) ApplyDeltaPage(
	ctx context.Context, hashedID account.HashedID, driveID string, items []*ItemRecord, token string,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delta apply: %w", err)
	}

	now := time.Now().UTC()
	upsert := tx.StmtContext(ctx, s.itemStmts.upsertRemote)

	for i := range items {
		r := *items[i]
		r.HashedAccountID = hashedID
		r.DriveID = driveID
		r.UpdatedAt = now

		if r.Status == "" {
			r.Status = StatusPendingDownload
		}

		if r.Direction == "" {
			r.Direction = DirectionNone
		}

		// The remote view carries no selection bit; fresh rows start
		// selected and existing rows keep theirs (the upsert does not
		// touch the column on conflict).
		r.IsSelected = true

		if _, execErr := upsert.ExecContext(ctx, itemArgs(&r)...); execErr != nil {
			rollbackErr := tx.Rollback()

			return fmt.Errorf("store: delta upsert %s: %w (rollback: %v)", r.DriveItemID, execErr, rollbackErr)
		}
	}

	saveToken := tx.StmtContext(ctx, s.tokenStmts.save)
	if _, execErr := saveToken.ExecContext(ctx, hashedID.String(), driveID, token, timeToNano(now)); execErr != nil {
		rollbackErr := tx.Rollback()

		return fmt.Errorf("store: delta token save: %w (rollback: %v)", execErr, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delta page: %w", err)
	}

	s.logger.Debug("applied delta page",
		slog.String("account", hashedID.Short()),
		slog.Int("items", len(items)),
	)

	return nil
}

// SaveItems batch-upserts records with all columns, in one transaction.
// Used by the local scan and by post-transfer updates.
func (s *Store) SaveItems(ctx context.Context, items []*ItemRecord) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save items: %w", err)
	}

	now := time.Now().UTC()
	upsert := tx.StmtContext(ctx, s.itemStmts.upsertFull)

	for i := range items {
		r := *items[i]
		r.UpdatedAt = now

		if _, execErr := upsert.ExecContext(ctx, itemArgs(&r)...); execErr != nil {
			rollbackErr := tx.Rollback()

			return fmt.Errorf("store: save item %s: %w (rollback: %v)", r.RelativePath, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save items: %w", err)
	}

	return nil
}

// DeleteItem physically removes a record. Called only after both sides
// agree the item is gone.
func (s *Store) DeleteItem(ctx context.Context, driveItemID string) error {
	if _, err := s.itemStmts.delete.ExecContext(ctx, driveItemID); err != nil {
		return fmt.Errorf("store: delete item %s: %w", driveItemID, err)
	}

	return nil
}

// CleanupTombstones physically removes tombstoned records last touched
// before the cutoff. Returns the number of rows removed.
func (s *Store) CleanupTombstones(ctx context.Context, hashedID account.HashedID, before time.Time) (int64, error) {
	res, err := s.itemStmts.cleanupTombstones.ExecContext(ctx, hashedID.String(), timeToNano(before))
	if err != nil {
		return 0, fmt.Errorf("store: cleanup tombstones: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup tombstones rows: %w", err)
	}

	if n > 0 {
		s.logger.Info("removed expired tombstones",
			slog.String("account", hashedID.Short()),
			slog.Int64("count", n),
		)
	}

	return n, nil
}
