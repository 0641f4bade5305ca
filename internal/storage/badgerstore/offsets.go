package badgerstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

type offsetRows struct {
	db     *badger.DB
	prefix string
}

// NewOffsetStore returns an offset store under the key prefix. An empty
// prefix selects DefaultPrefix.
func NewOffsetStore(db *badger.DB, prefix string, opts ...offset.Option) offset.Store[*badger.Txn] {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return offset.NewStore[*badger.Txn](&offsetRows{db: db, prefix: prefix}, opts...)
}

type storedRow struct {
	Offset      string `json:"offset"`
	Manifest    string `json:"manifest"`
	Mergeable   bool   `json:"mergeable"`
	LastUpdated int64  `json:"last_updated"`
}

// Badger has no schema; the prefix is claimed on first write.
func (r *offsetRows) CreateSchema(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Name and key are path-escaped so neither can contain the separator.
func (r *offsetRows) namePrefix(name string) []byte {
	return []byte(r.prefix + "/" + url.PathEscape(name) + "/")
}

func (r *offsetRows) key(id domain.ProjectionID) []byte {
	return append(r.namePrefix(id.Name), url.PathEscape(id.Key)...)
}

func (r *offsetRows) ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error) {
	if r.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	prefix := r.namePrefix(name)
	var rows []domain.OffsetRow
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key, err := url.PathUnescape(string(bytes.TrimPrefix(item.Key(), prefix)))
			if err != nil {
				return fmt.Errorf("decode offset key %q: %w", item.Key(), err)
			}
			var sr storedRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sr)
			}); err != nil {
				return fmt.Errorf("decode offset row %s/%s: %w", name, key, err)
			}
			rows = append(rows, domain.OffsetRow{
				ID:          domain.ProjectionID{Name: name, Key: key},
				Offset:      sr.Offset,
				Manifest:    sr.Manifest,
				Mergeable:   sr.Mergeable,
				LastUpdated: time.UnixMilli(sr.LastUpdated).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read offsets: %w", err)
	}
	return rows, nil
}

func (r *offsetRows) UpsertRow(ctx context.Context, txn *badger.Txn, row domain.OffsetRow) error {
	val, err := json.Marshal(storedRow{
		Offset:      row.Offset,
		Manifest:    row.Manifest,
		Mergeable:   row.Mergeable,
		LastUpdated: row.LastUpdated.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return txn.Set(r.key(row.ID), val)
}

func (r *offsetRows) DeleteRows(ctx context.Context, txn *badger.Txn, id domain.ProjectionID) error {
	prefix := r.namePrefix(id.Name)
	exact := r.key(id)

	var doomed [][]byte
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if bytes.Equal(k, exact) {
			doomed = append(doomed, k)
			continue
		}
		var sr storedRow
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sr)
		}); err != nil {
			it.Close()
			return err
		}
		if sr.Mergeable {
			doomed = append(doomed, k)
		}
	}
	it.Close()

	for _, k := range doomed {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
