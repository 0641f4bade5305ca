package boltstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

type offsetRows struct {
	db     *DB
	bucket []byte
}

// NewOffsetStore returns an offset store rooted at bucket. An empty name
// selects DefaultBucket.
func NewOffsetStore(db *DB, bucket string, opts ...offset.Option) offset.Store[*bbolt.Tx] {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	return offset.NewStore[*bbolt.Tx](&offsetRows{db: db, bucket: []byte(bucket)}, opts...)
}

type storedRow struct {
	Offset      string `json:"offset"`
	Manifest    string `json:"manifest"`
	Mergeable   bool   `json:"mergeable"`
	LastUpdated int64  `json:"last_updated"`
}

func (r *offsetRows) CreateSchema(ctx context.Context) error {
	if r.db == nil || r.db.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(r.bucket)
		return err
	})
}

func (r *offsetRows) ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error) {
	if r.db == nil || r.db.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var rows []domain.OffsetRow
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(r.bucket)
		if root == nil {
			return fmt.Errorf("bucket %q not found", r.bucket)
		}
		b := root.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sr storedRow
			if err := json.Unmarshal(v, &sr); err != nil {
				return fmt.Errorf("invalid offset value for %s/%s: %w", name, k, err)
			}
			rows = append(rows, domain.OffsetRow{
				ID:          domain.ProjectionID{Name: name, Key: string(k)},
				Offset:      sr.Offset,
				Manifest:    sr.Manifest,
				Mergeable:   sr.Mergeable,
				LastUpdated: time.UnixMilli(sr.LastUpdated).UTC(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get offsets: %w", err)
	}
	return rows, nil
}

func (r *offsetRows) UpsertRow(ctx context.Context, tx *bbolt.Tx, row domain.OffsetRow) error {
	root := tx.Bucket(r.bucket)
	if root == nil {
		return fmt.Errorf("bucket %q not found", r.bucket)
	}
	b, err := root.CreateBucketIfNotExists([]byte(row.ID.Name))
	if err != nil {
		return err
	}
	val, err := json.Marshal(storedRow{
		Offset:      row.Offset,
		Manifest:    row.Manifest,
		Mergeable:   row.Mergeable,
		LastUpdated: row.LastUpdated.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return b.Put([]byte(row.ID.Key), val)
}

func (r *offsetRows) DeleteRows(ctx context.Context, tx *bbolt.Tx, id domain.ProjectionID) error {
	root := tx.Bucket(r.bucket)
	if root == nil {
		return fmt.Errorf("bucket %q not found", r.bucket)
	}
	b := root.Bucket([]byte(id.Name))
	if b == nil {
		return nil
	}

	var doomed [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if string(k) == id.Key {
			doomed = append(doomed, append([]byte(nil), k...))
			return nil
		}
		var sr storedRow
		if err := json.Unmarshal(v, &sr); err != nil {
			return err
		}
		if sr.Mergeable {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Keys are deleted after the walk; mutating during ForEach is undefined.
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
