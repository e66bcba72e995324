package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/txn"
)

// SQLiteStore persists snapshots in a SQLite database. Calls made with a
// context carrying a *sql.Tx from txn.SQLManager join that transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite creates or opens a SQLite database at path with WAL mode and a
// busy timeout of 5 seconds, creating the state_machines table if needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	// busy_timeout in the DSN applies to every pooled connection.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s := NewSQLiteStore(db)
	s.path = path
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database. Call EnsureSchema before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureSchema creates the state_machines table if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state_machines (
		id         TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		checksum   BLOB NOT NULL,
		db_version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

// DB returns the underlying database, for building a txn.SQLManager.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) querier(ctx context.Context) sqlQuerier {
	if tx, ok := txn.SQLTx(ctx); ok {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) Write(ctx context.Context, id string, snap *machine.Snapshot) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: write %q: %w", id, err)
	}

	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO state_machines (id, data, checksum, db_version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			checksum = excluded.checksum,
			db_version = state_machines.db_version + 1,
			updated_at = excluded.updated_at
	`, id, data, checksum(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: write %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) (*machine.Snapshot, error) {
	var data, sum []byte
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT data, checksum FROM state_machines WHERE id = ?`, id,
	).Scan(&data, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", id, err)
	}
	if !bytes.Equal(sum, checksum(data)) {
		return nil, fmt.Errorf("%w: %q", ErrCorrupted, id)
	}

	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", id, err)
	}
	return snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.querier(ctx).ExecContext(ctx, `DELETE FROM state_machines WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %q: %w", id, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
