package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

type offsetRows struct {
	db    *sql.DB
	table string
}

// NewOffsetStore returns an offset store kept in table. An empty table
// name selects DefaultTable.
func NewOffsetStore(d *DB, table string, opts ...offset.Option) (offset.Store[*sql.Tx], error) {
	name, err := validTable(table)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if d != nil {
		db = d.sqlDB
	}
	return offset.NewStore[*sql.Tx](&offsetRows{db: db, table: name}, opts...), nil
}

func (r *offsetRows) CreateSchema(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		   projection_name TEXT NOT NULL,
		   projection_key TEXT NOT NULL,
		   current_offset TEXT NOT NULL,
		   manifest TEXT NOT NULL,
		   mergeable INTEGER NOT NULL,
		   last_updated INTEGER NOT NULL,
		   PRIMARY KEY (projection_name, projection_key)
		 )`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_name_idx ON %s (projection_name)`, r.table, r.table),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create offset table: %w", err)
		}
	}
	return nil
}

func (r *offsetRows) ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error) {
	if r.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT projection_key, current_offset, manifest, mergeable, last_updated
		 FROM %s WHERE projection_name = ?`, r.table), name)
	if err != nil {
		return nil, fmt.Errorf("query offsets: %w", err)
	}
	defer rows.Close()

	var out []domain.OffsetRow
	for rows.Next() {
		var (
			row       domain.OffsetRow
			mergeable int64
			updated   int64
		)
		if err := rows.Scan(&row.ID.Key, &row.Offset, &row.Manifest, &mergeable, &updated); err != nil {
			return nil, fmt.Errorf("scan offset row: %w", err)
		}
		row.ID.Name = name
		row.Mergeable = mergeable != 0
		row.LastUpdated = fromMillis(updated)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offset rows: %w", err)
	}
	return out, nil
}

func (r *offsetRows) UpsertRow(ctx context.Context, tx *sql.Tx, row domain.OffsetRow) error {
	mergeable := 0
	if row.Mergeable {
		mergeable = 1
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (projection_name, projection_key, current_offset, manifest, mergeable, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(projection_name, projection_key) DO UPDATE SET
		   current_offset = excluded.current_offset,
		   manifest = excluded.manifest,
		   mergeable = excluded.mergeable,
		   last_updated = excluded.last_updated`, r.table),
		row.ID.Name, row.ID.Key, row.Offset, row.Manifest, mergeable, toMillis(row.LastUpdated),
	)
	return err
}

func (r *offsetRows) DeleteRows(ctx context.Context, tx *sql.Tx, id domain.ProjectionID) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE projection_name = ? AND (projection_key = ? OR mergeable = 1)`, r.table),
		id.Name, id.Key,
	)
	return err
}
