package memstore

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/SteelMorgan/projector/internal/domain"
)

func decodeRow(name, key string, data []byte) (domain.OffsetRow, error) {
	var sr storedRow
	if err := json.Unmarshal(data, &sr); err != nil {
		return domain.OffsetRow{}, fmt.Errorf("failed to decode offset row %s/%s: %w", name, key, err)
	}
	return domain.OffsetRow{
		ID:          domain.ProjectionID{Name: name, Key: key},
		Offset:      sr.Offset,
		Manifest:    sr.Manifest,
		Mergeable:   sr.Mergeable,
		LastUpdated: time.UnixMilli(sr.LastUpdated).UTC(),
	}, nil
}
