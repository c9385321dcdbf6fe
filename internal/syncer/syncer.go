// Package syncer reconciles the remote feature service with the current
// snapshot: batched deletes by business id, then queue-driven re-inserts of
// the added-union-deleted set so changed rows are replaced, never duplicated.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
)

// GeometryColumns names the snapshot columns that feed a point geometry.
// The columns stay in the pushed attributes as well; the feature service
// layers carry latitude and longitude as plain fields alongside the shape.
type GeometryColumns struct {
	Lon   string
	Lat   string
	WithZ bool
}

// Entity describes one synchronised table and its feature service layer.
type Entity struct {
	Name       string
	Table      string
	QueueTable string
	IDColumn   string
	StringID   bool
	QueryURL   string
	EditsURL   string
	Columns    []string
	Geometry   *GeometryColumns
}

type Config struct {
	DB       *sql.DB
	Client   *esri.Client
	Logger   *slog.Logger
	PageSize int
}

func (c *Config) Validate() error {
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PageSize == 0 {
		c.PageSize = esri.MutatingPageSize
	}
	return nil
}

type Syncer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid syncer config: %w", err)
	}
	return &Syncer{cfg: cfg, log: cfg.Logger}, nil
}

// Sync applies one entity's diff to its layer: deletes first, then inserts
// of the union of added and deleted ids. Ids that no longer have a row in
// the current table fall out naturally at fetch time.
func (s *Syncer) Sync(ctx context.Context, ent Entity, deleted, added []string) error {
	s.logDiff(ent, deleted, added)

	if len(deleted) > 0 {
		if err := s.Delete(ctx, ent, deleted); err != nil {
			return err
		}
	}
	if union := Union(added, deleted); len(union) > 0 {
		if err := s.Insert(ctx, ent, union); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) logDiff(ent Entity, deleted, added []string) {
	if len(deleted) <= 10 && len(added) <= 10 {
		s.log.Info("Computed table diff", "entity", ent.Name, "deleted", deleted, "added", added)
		return
	}
	s.log.Info("Computed table diff", "entity", ent.Name, "deleted", len(deleted), "added", len(added))
}

// Delete removes the features for the given business ids in batches: look
// up server object ids for the batch, then post them as deletes. A batch
// with no matching features is logged and skipped.
func (s *Syncer) Delete(ctx context.Context, ent Entity, ids []string) error {
	total := 0
	batch := 0
	for start := 0; start < len(ids); start += s.cfg.PageSize {
		batch++
		end := min(start+s.cfg.PageSize, len(ids))

		where, err := idPredicate(ent, ids[start:end])
		if err != nil {
			return err
		}
		objectIDs, err := s.cfg.Client.ObjectIDsForWhere(ctx, ent.QueryURL, where)
		if err != nil {
			return err
		}
		if len(objectIDs) == 0 {
			s.log.Info("No features matched delete batch", "entity", ent.Name, "batch", batch)
			continue
		}

		if _, err := s.cfg.Client.ApplyEdits(ctx, ent.EditsURL, nil, objectIDs); err != nil {
			return err
		}
		total += len(objectIDs)
		s.log.Info("Deleted features", "entity", ent.Name, "batch", batch, "count", len(objectIDs))
	}
	s.log.Info("Finished deletes", "entity", ent.Name, "total", total)
	return nil
}

// Insert pushes the rows for the given business ids. Every id is first
// recorded in the entity's queue table with loaded=false; batches are then
// popped, fetched from the snapshot, posted as adds and marked loaded, so
// an interrupted run resumes without re-pushing finished records.
func (s *Syncer) Insert(ctx context.Context, ent Entity, ids []string) error {
	if err := s.seedQueue(ctx, ent, ids); err != nil {
		return err
	}

	job := 1
	for {
		batch, err := s.popUnloaded(ctx, ent)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		features, err := s.fetchFeatures(ctx, ent, batch)
		if err != nil {
			return err
		}
		if len(features) > 0 {
			if _, err := s.cfg.Client.ApplyEdits(ctx, ent.EditsURL, features, nil); err != nil {
				return err
			}
		} else {
			s.log.Info("Queued ids have no current rows, nothing to push", "entity", ent.Name, "count", len(batch))
		}
		if err := s.markLoaded(ctx, ent, batch); err != nil {
			return err
		}

		s.log.Info("Inserted features", "entity", ent.Name, "job", job, "count", len(features))
		job++
	}
}

// Purge deletes every feature matching where from the entity's layer,
// looping until the layer comes back empty. It needs no snapshot database,
// so the maintenance commands can run it standalone.
func Purge(ctx context.Context, client *esri.Client, log *slog.Logger, ent Entity, where string) (int64, error) {
	var total int64
	for {
		objectIDs, err := client.ObjectIDsOnly(ctx, ent.QueryURL, where)
		if err != nil {
			return total, err
		}
		if len(objectIDs) == 0 {
			log.Info("Purge finished", "entity", ent.Name, "total", total)
			return total, nil
		}

		if _, err := client.ApplyEdits(ctx, ent.EditsURL, nil, objectIDs); err != nil {
			return total, err
		}
		total += int64(len(objectIDs))
		log.Info("Purged features", "entity", ent.Name, "count", len(objectIDs))
	}
}

func (s *Syncer) seedQueue(ctx context.Context, ent Entity, ids []string) error {
	tx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to begin seeding %s", ent.QueueTable), err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Error("Failed to rollback queue seed", "entity", ent.Name, "error", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (?)", ent.QueueTable, ent.IDColumn))
	if err != nil {
		return etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to prepare seed for %s", ent.QueueTable), err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to seed %s", ent.QueueTable), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to commit seed for %s", ent.QueueTable), err)
	}
	return nil
}

func (s *Syncer) popUnloaded(ctx context.Context, ent Entity) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE loaded = FALSE LIMIT ?", ent.IDColumn, ent.QueueTable)
	rows, err := s.cfg.DB.QueryContext(ctx, query, s.cfg.PageSize)
	if err != nil {
		return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to pop %s", ent.QueueTable), err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to scan %s", ent.QueueTable), err)
		}
		ids = append(ids, renderID(v))
	}
	if err := rows.Err(); err != nil {
		return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to iterate %s", ent.QueueTable), err)
	}
	return ids, nil
}

func (s *Syncer) markLoaded(ctx context.Context, ent Entity, ids []string) error {
	query := fmt.Sprintf("UPDATE %s SET loaded = TRUE WHERE %s IN (%s)",
		ent.QueueTable, ent.IDColumn, placeholders(len(ids)))
	if _, err := s.cfg.DB.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to mark %s loaded", ent.QueueTable), err)
	}
	return nil
}

func (s *Syncer) fetchFeatures(ctx context.Context, ent Entity, ids []string) ([]esri.Feature, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(ent.Columns, ", "), ent.Table, ent.IDColumn, placeholders(len(ids)))
	rows, err := s.cfg.DB.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to fetch rows from %s", ent.Table), err)
	}
	defer rows.Close()

	var features []esri.Feature
	for rows.Next() {
		values := make([]any, len(ent.Columns))
		dest := make([]any, len(ent.Columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to scan %s", ent.Table), err)
		}

		attrs := make(map[string]any, len(ent.Columns))
		for i, col := range ent.Columns {
			attrs[col] = normalizeAttr(values[i])
		}
		feature := esri.Feature{Attributes: attrs}

		if g := ent.Geometry; g != nil {
			lon, err := floatAttr(ent, attrs, g.Lon)
			if err != nil {
				return nil, err
			}
			lat, err := floatAttr(ent, attrs, g.Lat)
			if err != nil {
				return nil, err
			}
			if g.WithZ {
				feature.Geometry = esri.PointZ(lon, lat, 0)
			} else {
				feature.Geometry = esri.Point(lon, lat)
			}
		}
		features = append(features, feature)
	}
	if err := rows.Err(); err != nil {
		return nil, etl.NewStorageFatal("sync_insert", fmt.Sprintf("failed to iterate %s", ent.Table), err)
	}
	return features, nil
}

// idPredicate renders a remote IN clause. String ids are single quoted; an
// id containing a quote would change the meaning of the clause, so it is
// rejected outright rather than escaped.
func idPredicate(ent Entity, ids []string) (string, error) {
	rendered := make([]string, len(ids))
	for i, id := range ids {
		if !ent.StringID {
			rendered[i] = id
			continue
		}
		if strings.ContainsRune(id, '\'') {
			return "", etl.NewDataIntegrity("sync_delete", fmt.Sprintf("%s id %q contains a single quote", ent.Name, id), nil)
		}
		rendered[i] = "'" + id + "'"
	}
	return fmt.Sprintf("%s IN (%s)", ent.IDColumn, strings.Join(rendered, ",")), nil
}

// Union merges two id slices preserving first-seen order. Callers that
// sequence several entities themselves use it to re-push deleted ids whose
// rows still exist.
func Union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var union []string
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union
}

func renderID(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalizeAttr keeps driver values JSON-friendly: byte slices become
// strings instead of base64 blobs.
func normalizeAttr(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func floatAttr(ent Entity, attrs map[string]any, column string) (float64, error) {
	switch t := attrs[column].(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	default:
		return 0, etl.NewDataIntegrity("sync_insert",
			fmt.Sprintf("%s geometry column %s is %T, want a number", ent.Name, column, attrs[column]), nil)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
