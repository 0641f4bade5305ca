package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

// Concurrent CREATE ... IF NOT EXISTS can still collide in the catalog.
var schemaExistsCodes = map[string]bool{
	"42P07": true, // duplicate_table
	"23505": true, // unique_violation on pg_type
	"42710": true, // duplicate_object
}

type offsetRows struct {
	db    *DB
	table string
}

// NewOffsetStore returns an offset store kept in table. An empty table name
// selects DefaultTable.
func NewOffsetStore(db *DB, table string, opts ...offset.Option) (offset.Store[pgx.Tx], error) {
	name, err := validTable(table)
	if err != nil {
		return nil, err
	}
	return offset.NewStore[pgx.Tx](&offsetRows{db: db, table: name}, opts...), nil
}

func (r *offsetRows) pool() error {
	if r.db == nil || r.db.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (r *offsetRows) CreateSchema(ctx context.Context) error {
	if err := r.pool(); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		   projection_name TEXT NOT NULL,
		   projection_key TEXT NOT NULL,
		   current_offset TEXT NOT NULL,
		   manifest TEXT NOT NULL,
		   mergeable BOOLEAN NOT NULL,
		   last_updated BIGINT NOT NULL,
		   PRIMARY KEY (projection_name, projection_key)
		 )`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_name_idx ON %s (projection_name)`, r.table, r.table),
	}
	for _, stmt := range stmts {
		if _, err := r.db.pool.Exec(ctx, stmt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && schemaExistsCodes[pgErr.Code] {
				continue
			}
			return fmt.Errorf("create offset table: %w", err)
		}
	}
	return nil
}

func (r *offsetRows) ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error) {
	if err := r.pool(); err != nil {
		return nil, err
	}
	rows, err := r.db.pool.Query(ctx, fmt.Sprintf(
		`SELECT projection_key, current_offset, manifest, mergeable, last_updated
		 FROM %s WHERE projection_name = $1`, r.table), name)
	if err != nil {
		return nil, fmt.Errorf("query offsets: %w", err)
	}
	defer rows.Close()

	var out []domain.OffsetRow
	for rows.Next() {
		var (
			row     domain.OffsetRow
			updated int64
		)
		if err := rows.Scan(&row.ID.Key, &row.Offset, &row.Manifest, &row.Mergeable, &updated); err != nil {
			return nil, fmt.Errorf("scan offset row: %w", err)
		}
		row.ID.Name = name
		row.LastUpdated = time.UnixMilli(updated).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offset rows: %w", err)
	}
	return out, nil
}

func (r *offsetRows) UpsertRow(ctx context.Context, tx pgx.Tx, row domain.OffsetRow) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (projection_name, projection_key, current_offset, manifest, mergeable, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (projection_name, projection_key) DO UPDATE SET
		   current_offset = EXCLUDED.current_offset,
		   manifest = EXCLUDED.manifest,
		   mergeable = EXCLUDED.mergeable,
		   last_updated = EXCLUDED.last_updated`, r.table),
		row.ID.Name, row.ID.Key, row.Offset, row.Manifest, row.Mergeable, row.LastUpdated.UTC().UnixMilli(),
	)
	return err
}

func (r *offsetRows) DeleteRows(ctx context.Context, tx pgx.Tx, id domain.ProjectionID) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE projection_name = $1 AND (projection_key = $2 OR mergeable)`, r.table),
		id.Name, id.Key,
	)
	return err
}
