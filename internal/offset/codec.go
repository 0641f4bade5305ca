package offset

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownManifest is returned when a stored row carries a manifest
	// this package cannot decode.
	ErrUnknownManifest = errors.New("unknown offset manifest")

	// ErrNestedMerged is returned when a merged offset contains another
	// merged offset.
	ErrNestedMerged = errors.New("merged offset entries must be single offsets")
)

// Decode parses an encoded value according to its manifest.
func Decode(value, manifest string) (Offset, error) {
	switch manifest {
	case ManifestSequence:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode sequence offset %q: %w", value, err)
		}
		return Sequence(n), nil
	case ManifestText:
		return Text(value), nil
	case ManifestTimestamp:
		ts, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode timestamp offset %q: %w", value, err)
		}
		return Timestamp(ts.UTC()), nil
	case ManifestID:
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode uuid offset %q: %w", value, err)
		}
		return ID(id), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownManifest, manifest)
	}
}

// Encode returns the value and manifest for a single offset.
func Encode(off Offset) (value, manifest string, err error) {
	switch o := off.(type) {
	case nil:
		return "", "", errors.New("cannot encode nil offset")
	case Merged:
		return "", "", fmt.Errorf("merged offset must be encoded as rows, got %s", o)
	case Sequence, Text, Timestamp, ID:
		return o.String(), o.Manifest(), nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnknownManifest, off)
	}
}
