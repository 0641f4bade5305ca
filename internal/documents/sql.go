package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore keeps documents in the SQLite database db.
func NewSQLiteStore(db *sql.DB) Store[*sql.Tx] {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
	   document_id TEXT PRIMARY KEY,
	   body TEXT NOT NULL,
	   updated_at INTEGER NOT NULL
	 )`)
	if err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	return scanBody(tx.QueryRowContext(ctx, `SELECT body FROM `+Table+` WHERE document_id = ?`, id))
}

func (s *sqliteStore) Save(ctx context.Context, tx *sql.Tx, id, body string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+Table+` (document_id, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		id, body, at.UnixMilli())
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (string, bool, error) {
	return scanBody(s.db.QueryRowContext(ctx, `SELECT body FROM `+Table+` WHERE document_id = ?`, id))
}

func scanBody(row *sql.Row) (string, bool, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return body, true, nil
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore keeps documents in PostgreSQL. The table is also
// created by the pgstore migrations.
func NewPostgresStore(pool *pgxpool.Pool) Store[pgx.Tx] {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
	   document_id TEXT PRIMARY KEY,
	   body TEXT NOT NULL,
	   updated_at BIGINT NOT NULL
	 )`)
	if err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *postgresStore) Load(ctx context.Context, tx pgx.Tx, id string) (string, bool, error) {
	return scanPgBody(tx.QueryRow(ctx, `SELECT body FROM `+Table+` WHERE document_id = $1`, id))
}

func (s *postgresStore) Save(ctx context.Context, tx pgx.Tx, id, body string, at time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+Table+` (document_id, body, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (document_id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		id, body, at.UnixMilli())
	return err
}

func (s *postgresStore) Get(ctx context.Context, id string) (string, bool, error) {
	return scanPgBody(s.pool.QueryRow(ctx, `SELECT body FROM `+Table+` WHERE document_id = $1`, id))
}

func scanPgBody(row pgx.Row) (string, bool, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return body, true, nil
}
