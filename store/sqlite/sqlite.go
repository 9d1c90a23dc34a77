// Package sqlite provides a SQLite implementation of the event store.
//
// The database is opened in WAL mode so that `eatguard events` can read
// while the daemon writes. All queries use statements prepared once at
// open time.
//
// Addresses are stored as INTEGER. SQLite integers are signed 64-bit;
// user-mode addresses fit below 2^63, so the conversion is lossless.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/store"
	"github.com/frobware/go-eatguard/wire"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger

	stmtSave      *sql.Stmt
	stmtList      *sql.Stmt
	stmtPrune     *sql.Stmt
	stmtCount     *sql.Stmt
	stmtLatestSeq *sql.Stmt
}

// New opens (creating if needed) the event database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, pragmaWAL, pragmaBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory creates an in-memory store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:"))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened in-memory database")
	return s, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error

	const sqlSave = `
		INSERT INTO events
		(id, recorded_at, pid, exception_code, instruction_pointer, access_address,
		 status, outcome, executable_writable, image_backed, direct_mapped,
		 protection_changed, allocation_base, region_size, commit_size, suspicious)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.stmtSave, err = s.db.PrepareContext(ctx, sqlSave); err != nil {
		return fmt.Errorf("prepare Save: %w", err)
	}

	const sqlList = `
		SELECT id, recorded_at, pid, exception_code, instruction_pointer, access_address,
		       status, outcome, executable_writable, image_backed, direct_mapped,
		       protection_changed, allocation_base, region_size, commit_size
		FROM events
		WHERE (? = 0 OR pid = ?) AND (? = 0 OR suspicious = 1)
		ORDER BY seq DESC
		LIMIT ?`
	if s.stmtList, err = s.db.PrepareContext(ctx, sqlList); err != nil {
		return fmt.Errorf("prepare List: %w", err)
	}

	const sqlPrune = "DELETE FROM events WHERE seq <= ?"
	if s.stmtPrune, err = s.db.PrepareContext(ctx, sqlPrune); err != nil {
		return fmt.Errorf("prepare Prune: %w", err)
	}

	const sqlCount = "SELECT COUNT(*) FROM events"
	if s.stmtCount, err = s.db.PrepareContext(ctx, sqlCount); err != nil {
		return fmt.Errorf("prepare Count: %w", err)
	}

	// The seq of the keep'th most recent event.
	const sqlLatestSeq = "SELECT seq FROM events ORDER BY seq DESC LIMIT 1 OFFSET ?"
	if s.stmtLatestSeq, err = s.db.PrepareContext(ctx, sqlLatestSeq); err != nil {
		return fmt.Errorf("prepare LatestSeq: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *sqliteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtSave, s.stmtList, s.stmtPrune, s.stmtCount, s.stmtLatestSeq} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) Save(ctx context.Context, e store.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	v := e.Verdict
	_, err := s.stmtSave.ExecContext(ctx,
		e.ID,
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.PID,
		int64(e.ExceptionCode),
		int64(e.InstructionPointer),
		int64(e.AccessAddress),
		int64(e.Status),
		int64(v.Outcome),
		boolInt(v.IsExecutableAndWritable),
		boolInt(v.IsImageOrFileBacked),
		boolInt(v.IsDirectlyMappedSection),
		boolInt(v.ProtectionChangedSinceAllocation),
		int64(v.AllocationBase),
		int64(v.RegionSize),
		int64(v.CommitSize),
		boolInt(e.Suspicious()),
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", e.ID, err)
	}
	s.logger.Debug("saved event", "id", e.ID, "pid", e.PID, "status", e.Status, "outcome", v.Outcome)
	return nil
}

func (s *sqliteStore) List(ctx context.Context, f store.Filter) ([]store.Event, error) {
	limit := int64(-1)
	if f.Limit > 0 {
		limit = int64(f.Limit)
	}
	rows, err := s.stmtList.QueryContext(ctx, f.PID, f.PID, boolInt(f.SuspiciousOnly), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (store.Event, error) {
	var (
		e                                 store.Event
		recordedAt                        string
		code, ip, access, status, outcome int64
		rwx, image, direct, changed       int
		allocBase, regionSize, commitSize int64
	)
	if err := rows.Scan(&e.ID, &recordedAt, &e.PID, &code, &ip, &access,
		&status, &outcome, &rwx, &image, &direct, &changed,
		&allocBase, &regionSize, &commitSize); err != nil {
		return store.Event{}, fmt.Errorf("scan event: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return store.Event{}, fmt.Errorf("event %s: bad timestamp %q: %w", e.ID, recordedAt, err)
	}
	e.RecordedAt = t
	e.ExceptionCode = uint32(code)
	e.InstructionPointer = uintptr(ip)
	e.AccessAddress = uintptr(access)
	e.Status = wire.Status(status)
	e.Verdict = eatguard.Verdict{
		Outcome:                          eatguard.Outcome(outcome),
		IsExecutableAndWritable:          rwx != 0,
		IsImageOrFileBacked:              image != 0,
		IsDirectlyMappedSection:          direct != 0,
		ProtectionChangedSinceAllocation: changed != 0,
		AllocationBase:                   uintptr(allocBase),
		RegionSize:                       uintptr(regionSize),
		CommitSize:                       uintptr(commitSize),
	}
	return e, nil
}

func (s *sqliteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune: keep must not be negative, got %d", keep)
	}
	var cutoff int64
	err := s.stmtLatestSeq.QueryRowContext(ctx, keep).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	res, err := s.stmtPrune.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("pruned events", "deleted", n, "kept", keep)
	}
	return n, nil
}

// Count returns the number of stored events.
func Count(ctx context.Context, st store.Store) (int, error) {
	s, ok := st.(*sqliteStore)
	if !ok {
		return 0, fmt.Errorf("not a sqlite store: %T", st)
	}
	var n int
	if err := s.stmtCount.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
