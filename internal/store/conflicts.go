package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Conflict queries. The partial unique index on unresolved (account, path)
// pairs enforces at-most-one-unresolved-per-path; AddConflict leans on it
// with DO NOTHING so re-detecting an existing conflict is a no-op.
const (
	sqlConflictColumns = `id, hashed_account_id, relative_path,
		local_modified_utc, remote_modified_utc, local_size, remote_size,
		detected_utc, resolution, resolved, applied`

	sqlAddConflict = `INSERT INTO conflicts (` + sqlConflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(hashed_account_id, relative_path) WHERE resolved = 0
		DO NOTHING`

	sqlGetConflictByID = `SELECT ` + sqlConflictColumns + ` FROM conflicts WHERE id = ?`

	sqlGetUnresolvedConflict = `SELECT ` + sqlConflictColumns + ` FROM conflicts
		WHERE hashed_account_id = ? AND relative_path = ? AND resolved = 0`

	sqlListUnresolvedConflicts = `SELECT ` + sqlConflictColumns + ` FROM conflicts
		WHERE hashed_account_id = ? AND resolved = 0
		ORDER BY detected_utc`

	sqlResolveConflict = `UPDATE conflicts SET resolution = ?, resolved = 1
		WHERE id = ? AND resolved = 0`

	sqlListResolvedUnapplied = `SELECT ` + sqlConflictColumns + ` FROM conflicts
		WHERE hashed_account_id = ? AND resolved = 1 AND applied = 0
		ORDER BY detected_utc`

	sqlMarkConflictApplied = `UPDATE conflicts SET applied = 1
		WHERE id = ? AND resolved = 1 AND applied = 0`
)

// scanConflict scans one conflict row.
func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var (
		c                       Conflict
		hashedID, resolution    string
		localMod, remoteMod     int64
		detected                int64
	)

	err := row.Scan(
		&c.ID, &hashedID, &c.RelativePath,
		&localMod, &remoteMod, &c.LocalSize, &c.RemoteSize,
		&detected, &resolution, &c.Resolved, &c.Applied,
	)
	if err != nil {
		return nil, err
	}

	id, err := account.ParseHashedID(hashedID)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt hashed account id: %w", err)
	}

	c.HashedAccountID = id
	c.LocalModifiedUTC = nanoToTime(localMod)
	c.RemoteModifiedUTC = nanoToTime(remoteMod)
	c.DetectedUTC = nanoToTime(detected)
	c.Resolution = Resolution(resolution)

	return &c, nil
}

// AddConflict records an unresolved conflict. When an unresolved conflict
// already exists for the path, the call is a no-op and the existing row's
// ID is returned. A zero-valued ID gets a fresh UUID.
func (s *Store) AddConflict(ctx context.Context, c *Conflict) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if c.Resolution == "" {
		c.Resolution = ResolutionNone
	}

	res, err := s.conflictStmts.add.ExecContext(ctx,
		c.ID, c.HashedAccountID.String(), c.RelativePath,
		timeToNano(c.LocalModifiedUTC), timeToNano(c.RemoteModifiedUTC),
		c.LocalSize, c.RemoteSize,
		timeToNano(c.DetectedUTC), string(c.Resolution),
	)
	if err != nil {
		return "", fmt.Errorf("store: add conflict for %q: %w", c.RelativePath, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("store: add conflict rows: %w", err)
	}

	if n == 0 {
		existing, getErr := s.GetUnresolvedConflict(ctx, c.HashedAccountID, c.RelativePath)
		if getErr != nil {
			return "", getErr
		}

		return existing.ID, nil
	}

	s.logger.Info("recorded conflict",
		slog.String("account", c.HashedAccountID.Short()),
		slog.String("path", c.RelativePath),
	)

	return c.ID, nil
}

// GetConflict retrieves a conflict by ID. Returns ErrNotFound when absent.
func (s *Store) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := scanConflict(s.conflictStmts.getByID.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get conflict %s: %w", id, err)
	}

	return c, nil
}

// GetUnresolvedConflict retrieves the unresolved conflict for a path.
// Returns ErrNotFound when the path has none.
func (s *Store) GetUnresolvedConflict(ctx context.Context, hashedID account.HashedID, relPath string) (*Conflict, error) {
	c, err := scanConflict(s.conflictStmts.getUnresolved.QueryRowContext(ctx, hashedID.String(), relPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get unresolved conflict %q: %w", relPath, err)
	}

	return c, nil
}

// ListUnresolvedConflicts returns all unresolved conflicts for an account,
// oldest first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, hashedID account.HashedID) ([]*Conflict, error) {
	rows, err := s.conflictStmts.listUnresolved.QueryContext(ctx, hashedID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict

	for rows.Next() {
		c, scanErr := scanConflict(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning conflict row: %w", scanErr)
		}

		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating conflict rows: %w", err)
	}

	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with the given strategy.
// Returns ErrNotFound when the conflict does not exist or was already
// resolved.
func (s *Store) ResolveConflict(ctx context.Context, id string, strategy Resolution) error {
	res, err := s.conflictStmts.resolve.ExecContext(ctx, string(strategy), id)
	if err != nil {
		return fmt.Errorf("store: resolve conflict %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: resolve conflict rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("store: resolve conflict %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListResolvedUnapplied returns conflicts whose resolution has not yet
// been acted on by a sync session, oldest first.
func (s *Store) ListResolvedUnapplied(ctx context.Context, hashedID account.HashedID) ([]*Conflict, error) {
	rows, err := s.conflictStmts.listResolvedUnapplied.QueryContext(ctx, hashedID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list resolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict

	for rows.Next() {
		c, scanErr := scanConflict(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning conflict row: %w", scanErr)
		}

		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating conflict rows: %w", err)
	}

	return conflicts, nil
}

// MarkConflictApplied records that a resolution has been acted on.
// Returns ErrNotFound when the conflict is missing, unresolved, or
// already applied.
func (s *Store) MarkConflictApplied(ctx context.Context, id string) error {
	res, err := s.conflictStmts.markApplied.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("store: mark conflict applied %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark conflict applied rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("store: mark conflict applied %s: %w", id, ErrNotFound)
	}

	return nil
}
