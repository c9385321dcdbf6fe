// Package snapshot owns the single-file SQLite snapshot each run builds:
// bulk-load tuning, previous-snapshot attachment, row hashing, hash-based
// diffing and IRI-to-integer rewrites.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/qldspatial/address-etl/internal/etl"
)

// CommitEvery is how many chunks a bulk inserter buffers per transaction.
const CommitEvery = 5

// PreviousAlias is the schema name the prior snapshot is attached under.
const PreviousAlias = "previous"

// Page size and auto-vacuum must be set while the database file is still
// empty: neither can change once WAL mode has written the first page.
var bulkLoadPragmas = []string{
	"PRAGMA foreign_keys = OFF",
	"PRAGMA page_size = 8192",
	"PRAGMA auto_vacuum = NONE",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = OFF",
	"PRAGMA cache_size = -512000",
	"PRAGMA mmap_size = 536870912",
}

var restorePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// Store wraps one snapshot database file. All writes in a run go through a
// single connection, so relaxing durability during the bulk load is safe:
// a crash loses only a snapshot that was going to be rebuilt anyway.
type Store struct {
	log  *slog.Logger
	db   *sql.DB
	path string
}

func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, etl.NewStorageFatal("snapshot_open", fmt.Sprintf("failed to open %s", path), err)
	}
	db.SetMaxOpenConns(1)
	return &Store{log: log, db: db, path: path}, nil
}

// Reset prepares path for a fresh snapshot: the parent directory is created
// and any database file left behind by an earlier run is removed, along
// with its WAL sidecars.
func Reset(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return etl.NewStorageFatal("snapshot_reset", fmt.Sprintf("failed to create directory for %s", path), err)
	}
	for _, stale := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return etl.NewStorageFatal("snapshot_reset", fmt.Sprintf("failed to remove stale file %s", stale), err)
		}
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginBulkLoad relaxes durability and disables foreign key enforcement for
// the initial load. Call it on a freshly created snapshot, before any table
// exists.
func (s *Store) BeginBulkLoad(ctx context.Context) error {
	for _, pragma := range bulkLoadPragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return etl.NewStorageFatal("bulk_load_begin", fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}
	return nil
}

// EndBulkLoad restores durable settings and runs the integrity gate: any
// dangling foreign key reference fails the run before anything is pushed.
func (s *Store) EndBulkLoad(ctx context.Context) error {
	for _, pragma := range restorePragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return etl.NewStorageFatal("bulk_load_end", fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}
	return s.CheckForeignKeys(ctx)
}

// Checkpoint merges the WAL back into the database file. Run it before
// copying or uploading the file; the sidecars are never shipped.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return etl.NewStorageFatal("checkpoint", "failed to checkpoint wal", err)
	}
	return nil
}

// CheckForeignKeys fails with data_integrity when any reference dangles.
func (s *Store) CheckForeignKeys(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return etl.NewStorageFatal("foreign_key_check", "failed to run check", err)
	}
	defer rows.Close()

	violations := 0
	var firstTable, firstParent string
	for rows.Next() {
		var table, parent string
		var rowid, fkid sql.NullInt64
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return etl.NewStorageFatal("foreign_key_check", "failed to scan violation", err)
		}
		if violations == 0 {
			firstTable, firstParent = table, parent
		}
		violations++
	}
	if err := rows.Err(); err != nil {
		return etl.NewStorageFatal("foreign_key_check", "failed to read violations", err)
	}
	if violations > 0 {
		return etl.NewDataIntegrity("foreign_key_check",
			fmt.Sprintf("%d dangling references, first %s -> %s", violations, firstTable, firstParent), nil)
	}
	return nil
}

// AttachPrevious attaches the prior snapshot read-only under the previous
// alias so current and previous tables can be joined in one statement.
func (s *Store) AttachPrevious(ctx context.Context, path string) error {
	uri := "file:" + path + "?mode=ro"
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ? AS %s", PreviousAlias), uri); err != nil {
		return etl.NewStorageFatal("attach_previous", fmt.Sprintf("failed to attach %s", path), err)
	}
	return nil
}

func (s *Store) DetachPrevious(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DETACH DATABASE %s", PreviousAlias)); err != nil {
		return etl.NewStorageFatal("detach_previous", "failed to detach", err)
	}
	return nil
}

// CopyFromPrevious copies every row of an attached table into a table of
// the live snapshot. Both must share a column layout.
func (s *Store) CopyFromPrevious(ctx context.Context, dest, src string) error {
	query := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s.%s", dest, PreviousAlias, src)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return etl.NewStorageFatal("copy_previous", fmt.Sprintf("failed to copy %s into %s", src, dest), err)
	}
	return nil
}

// PreviousHasTable reports whether the attached snapshot contains a table,
// so callers can degrade to first-run behaviour against old snapshots.
func (s *Store) PreviousHasTable(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?", PreviousAlias)
	var count int
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, etl.NewStorageFatal("previous_has_table", fmt.Sprintf("failed to inspect %s", name), err)
	}
	return count > 0, nil
}

// BulkInserter writes row chunks for one table, committing every
// CommitEvery chunks so a huge load never rides a single transaction.
type BulkInserter struct {
	store     *Store
	table     string
	insertSQL string

	tx      *sql.Tx
	pending int
	rows    int64
}

// NewBulkInserter prepares an inserter for table with the given column
// order. Set orReplace for tables upserted by primary key.
func (s *Store) NewBulkInserter(table string, columns []string, orReplace bool) *BulkInserter {
	verb := "INSERT"
	if orReplace {
		verb = "INSERT OR REPLACE"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insertSQL := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, table, strings.Join(columns, ", "), placeholders)
	return &BulkInserter{store: s, table: table, insertSQL: insertSQL}
}

// InsertChunk writes one chunk of rows inside the current transaction,
// starting one when needed.
func (b *BulkInserter) InsertChunk(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if b.tx == nil {
		tx, err := b.store.db.BeginTx(ctx, nil)
		if err != nil {
			return etl.NewStorageFatal("bulk_insert", fmt.Sprintf("failed to begin transaction for %s", b.table), err)
		}
		b.tx = tx
	}

	stmt, err := b.tx.PrepareContext(ctx, b.insertSQL)
	if err != nil {
		b.rollback()
		return etl.NewStorageFatal("bulk_insert", fmt.Sprintf("failed to prepare insert for %s", b.table), err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			b.rollback()
			return etl.NewStorageFatal("bulk_insert", fmt.Sprintf("failed to insert into %s", b.table), err)
		}
	}
	b.rows += int64(len(rows))
	b.pending++

	if b.pending >= CommitEvery {
		return b.commit()
	}
	return nil
}

// Flush commits any open transaction and returns the total rows written.
func (b *BulkInserter) Flush() (int64, error) {
	if b.tx != nil {
		if err := b.commit(); err != nil {
			return b.rows, err
		}
	}
	b.store.log.Debug("Bulk insert finished", "table", b.table, "rows", b.rows)
	return b.rows, nil
}

func (b *BulkInserter) commit() error {
	err := b.tx.Commit()
	b.tx = nil
	b.pending = 0
	if err != nil {
		return etl.NewStorageFatal("bulk_insert", fmt.Sprintf("failed to commit chunk batch for %s", b.table), err)
	}
	return nil
}

func (b *BulkInserter) rollback() {
	if b.tx == nil {
		return
	}
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		b.store.log.Error("Failed to rollback bulk insert", "table", b.table, "error", err)
	}
	b.tx = nil
	b.pending = 0
}
