package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// WAL journal size limit (64 MiB).
const walJournalSizeLimit = 67108864

// Store is the durable state database for one account. A single SQL
// connection serializes writers; WAL mode keeps readers from blocking the
// writer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	itemStmts     itemStatements
	tokenStmts    tokenStatements
	conflictStmts conflictStatements
	logStmts      logStatements
	metaStmts     metaStatements
}

type itemStatements struct {
	get, getByPath, upsertRemote, upsertFull, delete, listByAccount, cleanupTombstones *sql.Stmt
}

type tokenStatements struct {
	get, save, delete *sql.Stmt
}

type conflictStatements struct {
	add, getByID, getUnresolved, listUnresolved, resolve *sql.Stmt
	listResolvedUnapplied, markApplied                   *sql.Stmt
}

type logStatements struct {
	beginSession, finishSession, getSession, listSessions *sql.Stmt
	appendOperation, listOperations                       *sql.Stmt
	appendDebug, pruneDebug, listDebug                    *sql.Stmt
}

type metaStatements struct {
	getLastSync, saveLastSync *sql.Stmt
}

// Open creates or opens the state database at dbPath, applying pending
// schema migrations and preparing all repeated statements. Use ":memory:"
// for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("store: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	// One connection: the driver has no cross-connection write coordination,
	// and the store contract is single-writer anyway.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("store: preparing statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and crash safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.get, sqlGetItem, "getItem"},
		{&s.itemStmts.getByPath, sqlGetItemByPath, "getItemByPath"},
		{&s.itemStmts.upsertRemote, sqlUpsertRemote, "upsertRemote"},
		{&s.itemStmts.upsertFull, sqlUpsertFull, "upsertFull"},
		{&s.itemStmts.delete, sqlDeleteItem, "deleteItem"},
		{&s.itemStmts.listByAccount, sqlListByAccount, "listByAccount"},
		{&s.itemStmts.cleanupTombstones, sqlCleanupTombstones, "cleanupTombstones"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.tokenStmts.get, sqlGetDeltaToken, "getDeltaToken"},
		{&s.tokenStmts.save, sqlSaveDeltaToken, "saveDeltaToken"},
		{&s.tokenStmts.delete, sqlDeleteDeltaToken, "deleteDeltaToken"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.conflictStmts.add, sqlAddConflict, "addConflict"},
		{&s.conflictStmts.getByID, sqlGetConflictByID, "getConflictByID"},
		{&s.conflictStmts.getUnresolved, sqlGetUnresolvedConflict, "getUnresolvedConflict"},
		{&s.conflictStmts.listUnresolved, sqlListUnresolvedConflicts, "listUnresolvedConflicts"},
		{&s.conflictStmts.resolve, sqlResolveConflict, "resolveConflict"},
		{&s.conflictStmts.listResolvedUnapplied, sqlListResolvedUnapplied, "listResolvedUnapplied"},
		{&s.conflictStmts.markApplied, sqlMarkConflictApplied, "markConflictApplied"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.logStmts.beginSession, sqlBeginSession, "beginSession"},
		{&s.logStmts.finishSession, sqlFinishSession, "finishSession"},
		{&s.logStmts.getSession, sqlGetSession, "getSession"},
		{&s.logStmts.listSessions, sqlListSessions, "listSessions"},
		{&s.logStmts.appendOperation, sqlAppendOperation, "appendOperation"},
		{&s.logStmts.listOperations, sqlListOperations, "listOperations"},
		{&s.logStmts.appendDebug, sqlAppendDebug, "appendDebug"},
		{&s.logStmts.pruneDebug, sqlPruneDebug, "pruneDebug"},
		{&s.logStmts.listDebug, sqlListDebug, "listDebug"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.metaStmts.getLastSync, sqlGetLastSync, "getLastSync"},
		{&s.metaStmts.saveLastSync, sqlSaveLastSync, "saveLastSync"},
	})
}

// Close finalizes all prepared statements and closes the database.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.itemStmts.get, s.itemStmts.getByPath, s.itemStmts.upsertRemote,
		s.itemStmts.upsertFull, s.itemStmts.delete, s.itemStmts.listByAccount,
		s.itemStmts.cleanupTombstones,
		s.tokenStmts.get, s.tokenStmts.save, s.tokenStmts.delete,
		s.conflictStmts.add, s.conflictStmts.getByID, s.conflictStmts.getUnresolved,
		s.conflictStmts.listUnresolved, s.conflictStmts.resolve,
		s.conflictStmts.listResolvedUnapplied, s.conflictStmts.markApplied,
		s.logStmts.beginSession, s.logStmts.finishSession, s.logStmts.getSession,
		s.logStmts.listSessions, s.logStmts.appendOperation, s.logStmts.listOperations,
		s.logStmts.appendDebug, s.logStmts.pruneDebug, s.logStmts.listDebug,
		s.metaStmts.getLastSync, s.metaStmts.saveLastSync,
	}

	var firstErr error

	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}

		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		return fmt.Errorf("store: closing: %w", firstErr)
	}

	return nil
}
