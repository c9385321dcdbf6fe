package snapshot

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/qldspatial/address-etl/internal/etl"
)

// hashUpdateBatch bounds how many rows are hashed per transaction.
const hashUpdateBatch = 10000

// RowHash digests one row with BLAKE2b-128 over the concatenation of
// "column=value" pairs in the given column order. The digest is stable
// across runs, which is what makes snapshot diffing work: a row whose
// content has not changed hashes to the same value in both snapshots.
func RowHash(columns []string, values []any) (string, error) {
	input, err := hashInput(columns, values)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", etl.NewStorageFatal("row_hash", "failed to initialise digest", err)
	}
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashInput serialises a row for hashing. NULLs render as "None" and floats
// use the shortest representation that round-trips, so the serialisation is
// insensitive to how the driver happened to scan the value.
func hashInput(columns []string, values []any) (string, error) {
	if len(columns) != len(values) {
		return "", etl.NewDataIntegrity("row_hash", fmt.Sprintf("%d columns given %d values", len(columns), len(values)), nil)
	}
	var b strings.Builder
	for i, col := range columns {
		b.WriteString(col)
		b.WriteByte('=')
		b.WriteString(formatHashValue(values[i]))
	}
	return b.String(), nil
}

func formatHashValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// HashTable fills in the hash column for every row of a table. The digest
// covers all columns except the hash column itself, in declared order.
func HashTable(ctx context.Context, db *sql.DB, table, hashColumn string) error {
	all, err := TableColumns(ctx, db, table)
	if err != nil {
		return err
	}
	columns := make([]string, 0, len(all))
	for _, col := range all {
		if col != hashColumn {
			columns = append(columns, col)
		}
	}
	if len(columns) == len(all) {
		return etl.NewStorageFatal("hash_table", fmt.Sprintf("table %s has no column %s", table, hashColumn), nil)
	}

	selectSQL := fmt.Sprintf(
		"SELECT rowid, %s FROM %s WHERE rowid > ? ORDER BY rowid LIMIT %d",
		strings.Join(columns, ", "), table, hashUpdateBatch)
	updateSQL := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", table, hashColumn)

	var last int64
	for {
		batch, err := fetchHashBatch(ctx, db, selectSQL, len(columns), last)
		if err != nil {
			return etl.NewStorageFatal("hash_table", fmt.Sprintf("failed to read %s", table), err)
		}
		if len(batch) == 0 {
			return nil
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return etl.NewStorageFatal("hash_table", fmt.Sprintf("failed to begin hashing %s", table), err)
		}
		for _, row := range batch {
			digest, err := RowHash(columns, row.values)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			if _, err := tx.ExecContext(ctx, updateSQL, digest, row.rowid); err != nil {
				_ = tx.Rollback()
				return etl.NewStorageFatal("hash_table", fmt.Sprintf("failed to hash %s", table), err)
			}
		}
		if err := tx.Commit(); err != nil {
			return etl.NewStorageFatal("hash_table", fmt.Sprintf("failed to commit hashes for %s", table), err)
		}
		last = batch[len(batch)-1].rowid
	}
}

type hashBatchRow struct {
	rowid  int64
	values []any
}

func fetchHashBatch(ctx context.Context, db *sql.DB, selectSQL string, width int, after int64) ([]hashBatchRow, error) {
	rows, err := db.QueryContext(ctx, selectSQL, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []hashBatchRow
	for rows.Next() {
		values := make([]any, width)
		dest := make([]any, width+1)
		var rowid int64
		dest[0] = &rowid
		for i := range values {
			dest[i+1] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		batch = append(batch, hashBatchRow{rowid: rowid, values: values})
	}
	return batch, rows.Err()
}

// TableColumns returns a table's column names in declared order.
func TableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, etl.NewStorageFatal("table_info", fmt.Sprintf("failed to describe %s", table), err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return nil, etl.NewStorageFatal("table_info", fmt.Sprintf("failed to scan %s", table), err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, etl.NewStorageFatal("table_info", fmt.Sprintf("failed to iterate %s", table), err)
	}
	if len(columns) == 0 {
		return nil, etl.NewStorageFatal("table_info", fmt.Sprintf("table %s does not exist", table), nil)
	}
	return columns, nil
}
