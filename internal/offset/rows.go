package offset

import (
	"fmt"
	"time"

	"github.com/SteelMorgan/projector/internal/domain"
)

// ToRows converts an offset into the rows that persist it. A single offset
// is one row under id. A merged offset is one mergeable row per sub-key,
// stored under the projection name with the sub-key as projection key.
func ToRows(id domain.ProjectionID, off Offset, now time.Time) ([]domain.OffsetRow, error) {
	now = now.UTC()
	if m, ok := off.(Merged); ok {
		if len(m) == 0 {
			return nil, fmt.Errorf("merged offset for %s has no entries", id)
		}
		rows := make([]domain.OffsetRow, 0, len(m))
		for _, k := range m.Keys() {
			if _, nested := m[k].(Merged); nested {
				return nil, fmt.Errorf("%w: key %q", ErrNestedMerged, k)
			}
			value, manifest, err := Encode(m[k])
			if err != nil {
				return nil, err
			}
			rows = append(rows, domain.OffsetRow{
				ID:          domain.ProjectionID{Name: id.Name, Key: k},
				Offset:      value,
				Manifest:    manifest,
				Mergeable:   true,
				LastUpdated: now,
			})
		}
		return rows, nil
	}

	value, manifest, err := Encode(off)
	if err != nil {
		return nil, err
	}
	return []domain.OffsetRow{{
		ID:          id,
		Offset:      value,
		Manifest:    manifest,
		LastUpdated: now,
	}}, nil
}

// FromRows resolves the offset for id from every row stored under id.Name.
// When all rows are mergeable they form a Merged offset. Otherwise only the
// row whose key equals id.Key counts. The second return is false when
// nothing is stored.
func FromRows(id domain.ProjectionID, rows []domain.OffsetRow) (Offset, bool, error) {
	if len(rows) == 0 {
		return nil, false, nil
	}

	allMergeable := true
	for _, r := range rows {
		if !r.Mergeable {
			allMergeable = false
			break
		}
	}

	if allMergeable {
		merged := make(Merged, len(rows))
		for _, r := range rows {
			off, err := Decode(r.Offset, r.Manifest)
			if err != nil {
				return nil, false, fmt.Errorf("failed to decode merged entry %q: %w", r.ID.Key, err)
			}
			merged[r.ID.Key] = off
		}
		return merged, true, nil
	}

	for _, r := range rows {
		if r.ID.Key != id.Key {
			continue
		}
		off, err := Decode(r.Offset, r.Manifest)
		if err != nil {
			return nil, false, err
		}
		return off, true, nil
	}
	return nil, false, nil
}
