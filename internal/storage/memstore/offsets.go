package memstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

const offsetPrefix = "offset/"

type offsetRows struct {
	store *Store
}

// NewOffsetStore returns an offset store kept in the same key space as the
// transaction's business writes.
func NewOffsetStore(s *Store, opts ...offset.Option) offset.Store[*Tx] {
	return offset.NewStore[*Tx](&offsetRows{store: s}, opts...)
}

type storedRow struct {
	Offset      string `json:"offset"`
	Manifest    string `json:"manifest"`
	Mergeable   bool   `json:"mergeable"`
	LastUpdated int64  `json:"last_updated"`
}

func (r *offsetRows) CreateSchema(ctx context.Context) error {
	if r.store == nil {
		return errNoStore
	}
	r.store.ensureSchema(offsetPrefix)
	return nil
}

func (r *offsetRows) ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error) {
	if r.store == nil {
		return nil, errNoStore
	}
	prefix := namePrefix(name)
	var rows []domain.OffsetRow
	for k, v := range r.store.Scan(prefix) {
		key, err := url.PathUnescape(strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, fmt.Errorf("decode offset key %q: %w", k, err)
		}
		row, err := decodeRow(name, key, v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *offsetRows) UpsertRow(ctx context.Context, tx *Tx, row domain.OffsetRow) error {
	data, err := json.Marshal(storedRow{
		Offset:      row.Offset,
		Manifest:    row.Manifest,
		Mergeable:   row.Mergeable,
		LastUpdated: row.LastUpdated.UnixMilli(),
	})
	if err != nil {
		return err
	}
	tx.Put(rowKey(row.ID), data)
	return nil
}

func (r *offsetRows) DeleteRows(ctx context.Context, tx *Tx, id domain.ProjectionID) error {
	for _, k := range tx.Keys(namePrefix(id.Name)) {
		if k == rowKey(id) {
			tx.Delete(k)
			continue
		}
		v, ok := tx.Get(k)
		if !ok {
			continue
		}
		var sr storedRow
		if err := json.Unmarshal(v, &sr); err != nil {
			return err
		}
		if sr.Mergeable {
			tx.Delete(k)
		}
	}
	return nil
}

// Segments are escaped so a "/" inside a name or key cannot shift the
// boundary between them.
func namePrefix(name string) string {
	return offsetPrefix + url.PathEscape(name) + "/"
}

func rowKey(id domain.ProjectionID) string {
	return namePrefix(id.Name) + url.PathEscape(id.Key)
}
