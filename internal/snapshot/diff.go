package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qldspatial/address-etl/internal/etl"
)

// TableDiff compares the previous and current versions of an entity table
// by row hash and returns the distinct business ids present on only one
// side. A modified row has a hash on neither side's twin, so its id appears
// in both sets: the caller deletes it and re-inserts the new version.
func TableDiff(ctx context.Context, db *sql.DB, hashColumn, idColumn, prevTable, curTable string) (deleted, added []string, err error) {
	deleted, err = missingHashes(ctx, db, hashColumn, idColumn, prevTable, curTable)
	if err != nil {
		return nil, nil, err
	}
	added, err = missingHashes(ctx, db, hashColumn, idColumn, curTable, prevTable)
	if err != nil {
		return nil, nil, err
	}
	return deleted, added, nil
}

// missingHashes returns the distinct ids of rows in fromTable whose hash
// has no match in toTable.
func missingHashes(ctx context.Context, db *sql.DB, hashColumn, idColumn, fromTable, toTable string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT f.%s FROM %s f LEFT JOIN %s t ON f.%s = t.%s WHERE t.%s IS NULL",
		idColumn, fromTable, toTable, hashColumn, hashColumn, hashColumn)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, etl.NewStorageFatal("table_diff", fmt.Sprintf("failed to diff %s against %s", fromTable, toTable), err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, etl.NewStorageFatal("table_diff", "failed to scan id", err)
		}
		ids = append(ids, formatHashValue(v))
	}
	if err := rows.Err(); err != nil {
		return nil, etl.NewStorageFatal("table_diff", "failed to iterate ids", err)
	}
	return ids, nil
}
