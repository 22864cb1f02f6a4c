package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Delta token queries. At most one token per (hashed_account_id, drive_id).
const (
	sqlGetDeltaToken = `SELECT token FROM delta_tokens
		WHERE hashed_account_id = ? AND drive_id = ?` //nolint:gosec // SQL column, not a credential

	sqlSaveDeltaToken = `INSERT INTO delta_tokens
		(hashed_account_id, drive_id, token, captured_at_utc) VALUES (?, ?, ?, ?)
		ON CONFLICT(hashed_account_id, drive_id) DO UPDATE
		SET token = excluded.token, captured_at_utc = excluded.captured_at_utc`

	sqlDeleteDeltaToken = `DELETE FROM delta_tokens
		WHERE hashed_account_id = ? AND drive_id = ?`
)

// GetDeltaToken returns the stored resume token, or "" when none exists
// (first sync or after an expired-token reset).
func (s *Store) GetDeltaToken(ctx context.Context, hashedID account.HashedID, driveID string) (string, error) {
	var token string

	err := s.tokenStmts.get.QueryRowContext(ctx, hashedID.String(), driveID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: get delta token: %w", err)
	}

	return token, nil
}

// SaveDeltaToken atomically replaces the resume token.
func (s *Store) SaveDeltaToken(ctx context.Context, hashedID account.HashedID, driveID, token string) error {
	_, err := s.tokenStmts.save.ExecContext(ctx, hashedID.String(), driveID, token, timeToNano(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: save delta token: %w", err)
	}

	return nil
}

// DeleteDeltaToken discards the resume token, forcing the next sync to run
// a full enumeration. Called when the server reports the token expired.
func (s *Store) DeleteDeltaToken(ctx context.Context, hashedID account.HashedID, driveID string) error {
	if _, err := s.tokenStmts.delete.ExecContext(ctx, hashedID.String(), driveID); err != nil {
		return fmt.Errorf("store: delete delta token: %w", err)
	}

	return nil
}
