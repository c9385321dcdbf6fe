package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qldspatial/address-etl/internal/etl"
)

// Run timestamps are recorded in Brisbane local time. Queensland does not
// observe daylight saving, so a fixed +10:00 offset is always correct.
const (
	brisbaneTimeLayout = "2006-01-02T15:04:05-0700"
	esriTimeLayout     = "2006-01-02 15:04:05"
)

var brisbaneTZ = time.FixedZone("AEST", 10*60*60)

// EnsureMetadata creates the single-row metadata table.
func EnsureMetadata(ctx context.Context, db *sql.DB) error {
	ddl := "CREATE TABLE IF NOT EXISTS metadata (id INTEGER PRIMARY KEY CHECK (id = 1), start_time TEXT, end_time TEXT)"
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return etl.NewStorageFatal("metadata", "failed to create metadata table", err)
	}
	return nil
}

// BrisbaneTimestamp renders a time in the run-stamp format shared by the
// metadata table and snapshot object keys.
func BrisbaneTimestamp(t time.Time) string {
	return t.In(brisbaneTZ).Format(brisbaneTimeLayout)
}

// RecordStart stamps the beginning of the run and returns the written
// stamp, which doubles as the snapshot's object-key timestamp.
func RecordStart(ctx context.Context, db *sql.DB, clock clockwork.Clock) (string, error) {
	now := BrisbaneTimestamp(clock.Now())
	if _, err := db.ExecContext(ctx, "INSERT INTO metadata (id, start_time) VALUES (1, ?)", now); err != nil {
		return "", etl.NewStorageFatal("metadata", "failed to record start time", err)
	}
	return now, nil
}

// RecordEnd stamps the completion of the run.
func RecordEnd(ctx context.Context, db *sql.DB, clock clockwork.Clock) error {
	now := BrisbaneTimestamp(clock.Now())
	res, err := db.ExecContext(ctx, "UPDATE metadata SET end_time = ? WHERE id = 1", now)
	if err != nil {
		return etl.NewStorageFatal("metadata", "failed to record end time", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return etl.NewStorageFatal("metadata", "metadata row is missing", nil)
	}
	return nil
}

// PreviousStartTime reads the start timestamp out of the attached previous
// snapshot. It reports false when the previous snapshot has no metadata
// table, which happens on the first run after this table was introduced.
func PreviousStartTime(ctx context.Context, db *sql.DB) (time.Time, bool, error) {
	var tables int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = 'metadata'", PreviousAlias)
	if err := db.QueryRowContext(ctx, countSQL).Scan(&tables); err != nil {
		return time.Time{}, false, etl.NewStorageFatal("metadata", "failed to inspect previous snapshot", err)
	}
	if tables == 0 {
		return time.Time{}, false, nil
	}

	var raw sql.NullString
	readSQL := fmt.Sprintf("SELECT start_time FROM %s.metadata WHERE id = 1", PreviousAlias)
	if err := db.QueryRowContext(ctx, readSQL).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, etl.NewStorageFatal("metadata", "failed to read previous start time", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(brisbaneTimeLayout, raw.String)
	if err != nil {
		return time.Time{}, false, etl.NewDataIntegrity("metadata", fmt.Sprintf("previous start time %q is malformed", raw.String), err)
	}
	return t, true, nil
}

// ToESRITimestamp renders a time the way feature service where clauses
// expect: UTC, second precision, no zone designator.
func ToESRITimestamp(t time.Time) string {
	return t.UTC().Format(esriTimeLayout)
}
