package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

// Session, operation, and debug log queries.
const (
	sqlSessionColumns = `id, hashed_account_id, started_utc, completed_utc, status,
		files_uploaded, files_downloaded, files_deleted, conflicts_detected, total_bytes`

	sqlBeginSession = `INSERT INTO session_logs
		(id, hashed_account_id, started_utc, status)
		VALUES (?, ?, ?, 'Running')`

	sqlFinishSession = `UPDATE session_logs SET
		completed_utc = ?, status = ?,
		files_uploaded = ?, files_downloaded = ?, files_deleted = ?,
		conflicts_detected = ?, total_bytes = ?
		WHERE id = ?`

	sqlGetSession = `SELECT ` + sqlSessionColumns + ` FROM session_logs WHERE id = ?`

	sqlListSessions = `SELECT ` + sqlSessionColumns + ` FROM session_logs
		WHERE hashed_account_id = ?
		ORDER BY started_utc DESC
		LIMIT ?`

	sqlAppendOperation = `INSERT INTO operation_logs
		(session_id, hashed_account_id, relative_path, kind, size, detail, timestamp_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlListOperations = `SELECT session_id, hashed_account_id, relative_path,
		kind, size, detail, timestamp_utc
		FROM operation_logs WHERE session_id = ?
		ORDER BY id`

	sqlAppendDebug = `INSERT INTO debug_logs
		(hashed_account_id, ts_utc, level, source, message, exception_text)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlPruneDebug = `DELETE FROM debug_logs
		WHERE hashed_account_id = ? AND ts_utc < ?`

	sqlListDebug = `SELECT hashed_account_id, ts_utc, level, source, message, exception_text
		FROM debug_logs WHERE hashed_account_id = ?
		ORDER BY ts_utc DESC
		LIMIT ?`
)

// BeginSession opens a new Running session log row and returns its ID.
func (s *Store) BeginSession(ctx context.Context, hashedID account.HashedID, startedAt time.Time) (string, error) {
	id := uuid.NewString()

	_, err := s.logStmts.beginSession.ExecContext(ctx, id, hashedID.String(), timeToNano(startedAt))
	if err != nil {
		return "", fmt.Errorf("store: begin session: %w", err)
	}

	return id, nil
}

// FinishSession stamps a session with its terminal status and counters.
func (s *Store) FinishSession(ctx context.Context, log *SessionLog) error {
	_, err := s.logStmts.finishSession.ExecContext(ctx,
		timeToNano(log.CompletedUTC), string(log.Status),
		log.FilesUploaded, log.FilesDownloaded, log.FilesDeleted,
		log.ConflictsDetected, log.TotalBytes,
		log.ID,
	)
	if err != nil {
		return fmt.Errorf("store: finish session %s: %w", log.ID, err)
	}

	return nil
}

// GetSession retrieves one session log. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionLog, error) {
	log, err := scanSession(s.logStmts.getSession.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}

	return log, nil
}

// ListSessions returns the most recent session logs for an account.
func (s *Store) ListSessions(ctx context.Context, hashedID account.HashedID, limit int) ([]*SessionLog, error) {
	rows, err := s.logStmts.listSessions.QueryContext(ctx, hashedID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var logs []*SessionLog

	for rows.Next() {
		log, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning session row: %w", scanErr)
		}

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating session rows: %w", err)
	}

	return logs, nil
}

// scanSession scans one session log row.
func scanSession(row interface{ Scan(...any) error }) (*SessionLog, error) {
	var (
		log       SessionLog
		hashedID  string
		status    string
		started   int64
		completed sql.NullInt64
	)

	err := row.Scan(
		&log.ID, &hashedID, &started, &completed, &status,
		&log.FilesUploaded, &log.FilesDownloaded, &log.FilesDeleted,
		&log.ConflictsDetected, &log.TotalBytes,
	)
	if err != nil {
		return nil, err
	}

	id, err := account.ParseHashedID(hashedID)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt hashed account id: %w", err)
	}

	log.HashedAccountID = id
	log.StartedUTC = nanoToTime(started)
	log.Status = SessionStatus(status)

	if completed.Valid {
		log.CompletedUTC = nanoToTime(completed.Int64)
	}

	return &log, nil
}

// AppendOperation appends one per-file audit row.
func (s *Store) AppendOperation(ctx context.Context, op *OperationLog) error {
	ts := op.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.logStmts.appendOperation.ExecContext(ctx,
		op.SessionID, op.HashedAccountID.String(), op.RelativePath,
		string(op.Kind), op.Size, op.Detail, timeToNano(ts),
	)
	if err != nil {
		return fmt.Errorf("store: append operation for %q: %w", op.RelativePath, err)
	}

	return nil
}

// ListOperations returns all operation rows of a session, in append order.
func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]*OperationLog, error) {
	rows, err := s.logStmts.listOperations.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list operations: %w", err)
	}
	defer rows.Close()

	var ops []*OperationLog

	for rows.Next() {
		var (
			op       OperationLog
			hashedID string
			kind     string
			ts       int64
		)

		if scanErr := rows.Scan(&op.SessionID, &hashedID, &op.RelativePath, &kind, &op.Size, &op.Detail, &ts); scanErr != nil {
			return nil, fmt.Errorf("store: scanning operation row: %w", scanErr)
		}

		id, parseErr := account.ParseHashedID(hashedID)
		if parseErr != nil {
			return nil, fmt.Errorf("store: corrupt hashed account id: %w", parseErr)
		}

		op.HashedAccountID = id
		op.Kind = OperationKind(kind)
		op.TimestampUTC = nanoToTime(ts)

		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating operation rows: %w", err)
	}

	return ops, nil
}

// AppendDebug appends one diagnostic row. Callers gate this on the
// account's debug logging flag.
func (s *Store) AppendDebug(ctx context.Context, entry *DebugLogEntry) error {
	ts := entry.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.logStmts.appendDebug.ExecContext(ctx,
		entry.HashedAccountID.String(), timeToNano(ts),
		entry.Level, entry.Source, entry.Message, entry.ExceptionText,
	)
	if err != nil {
		return fmt.Errorf("store: append debug log: %w", err)
	}

	return nil
}

// ListDebugLogs returns the most recent diagnostic rows for an account.
func (s *Store) ListDebugLogs(ctx context.Context, hashedID account.HashedID, limit int) ([]*DebugLogEntry, error) {
	rows, err := s.logStmts.listDebug.QueryContext(ctx, hashedID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list debug logs: %w", err)
	}
	defer rows.Close()

	var entries []*DebugLogEntry

	for rows.Next() {
		var (
			entry    DebugLogEntry
			hashedID string
			ts       int64
		)

		if scanErr := rows.Scan(&hashedID, &ts, &entry.Level, &entry.Source, &entry.Message, &entry.ExceptionText); scanErr != nil {
			return nil, fmt.Errorf("store: scanning debug row: %w", scanErr)
		}

		id, parseErr := account.ParseHashedID(hashedID)
		if parseErr != nil {
			return nil, fmt.Errorf("store: corrupt hashed account id: %w", parseErr)
		}

		entry.HashedAccountID = id
		entry.TimestampUTC = nanoToTime(ts)

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating debug rows: %w", err)
	}

	return entries, nil
}

// PruneDebugLogs removes debug rows older than the cutoff and returns the
// number removed.
func (s *Store) PruneDebugLogs(ctx context.Context, hashedID account.HashedID, before time.Time) (int64, error) {
	res, err := s.logStmts.pruneDebug.ExecContext(ctx, hashedID.String(), timeToNano(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune debug logs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune debug logs rows: %w", err)
	}

	return n, nil
}
