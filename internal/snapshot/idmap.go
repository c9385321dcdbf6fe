package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qldspatial/address-etl/internal/etl"
)

// rewriteBatch is how many rows one IRI-to-id UPDATE covers. Snapshot rowids
// are contiguous after a bulk load, so stepping by rowid range keeps every
// statement bounded.
const rewriteBatch = 10000

// EnsureIDMap creates an IRI-to-integer map table with a lookup index.
func EnsureIDMap(ctx context.Context, db *sql.DB, mapTable string) error {
	statements := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, iri TEXT UNIQUE)", mapTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_iri ON %s (iri)", mapTable, mapTable),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to create %s", mapTable), err)
		}
	}
	return nil
}

// RewritePKColumn replaces the IRI values of a table's primary id column
// with integer ids from mapTable, then rebuilds the table so the column is
// typed INTEGER and recreates the given indexes.
//
// Foreign keys must be enforced when this runs: the UPDATE relies on
// ON UPDATE CASCADE to propagate the new ids into every referencing column.
// Enforcement is switched off only around the rebuild, because dropping the
// old table would otherwise fail while children still point at it.
func RewritePKColumn(ctx context.Context, db *sql.DB, log *slog.Logger, mapTable, table, column string, indexes []string) error {
	seedSQL := fmt.Sprintf(
		"INSERT INTO %s (iri) SELECT DISTINCT %s FROM %s WHERE %s NOT IN (SELECT iri FROM %s)",
		mapTable, column, table, column, mapTable)
	if _, err := db.ExecContext(ctx, seedSQL); err != nil {
		return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to seed %s from %s.%s", mapTable, table, column), err)
	}

	var maxRowID int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(rowid), 0) FROM %s", table)).Scan(&maxRowID); err != nil {
		return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to size %s", table), err)
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s SET %s = (SELECT id FROM %s WHERE %s.iri = %s.%s) WHERE rowid > ? AND rowid <= ?",
		table, column, mapTable, mapTable, table, column)
	for last := int64(0); last < maxRowID; last += rewriteBatch {
		if _, err := db.ExecContext(ctx, updateSQL, last, last+rewriteBatch); err != nil {
			return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to rewrite %s.%s", table, column), err)
		}
	}
	log.Debug("Rewrote id column", "table", table, "column", column, "rows", maxRowID)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return etl.NewStorageFatal("id_map", "failed to suspend foreign keys", err)
	}
	if err := rebuildWithIntegerColumn(ctx, db, table, column, indexes); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return etl.NewStorageFatal("id_map", "failed to restore foreign keys", err)
	}
	return nil
}

// rebuildWithIntegerColumn recreates the table with column declared as
// INTEGER UNIQUE. SQLite cannot alter a column type in place, so the rows
// are copied through a replacement table.
func rebuildWithIntegerColumn(ctx context.Context, db *sql.DB, table, column string, indexes []string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to describe %s", table), err)
	}
	defer rows.Close()

	var defs, names []string
	found := false
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to scan %s", table), err)
		}
		names = append(names, name)
		if name == column {
			defs = append(defs, name+" INTEGER UNIQUE")
			found = true
			continue
		}
		def := name + " " + colType
		if notnull == 1 {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to iterate %s", table), err)
	}
	if !found {
		return etl.NewStorageFatal("id_map", fmt.Sprintf("%s has no column %s", table, column), nil)
	}

	newTable := table + "_new"
	colList := strings.Join(names, ", ")
	statements := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", newTable, strings.Join(defs, ", ")),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", newTable, colList, colList, table),
		fmt.Sprintf("DROP TABLE %s", table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", newTable, table),
	}
	statements = append(statements, indexes...)
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return etl.NewStorageFatal("id_map", fmt.Sprintf("failed to rebuild %s", table), err)
		}
	}
	return nil
}
