// Package offset models the position a projection has reached in its source
// and the store that persists it.
package offset

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Manifest tags identify the offset type of a stored row.
const (
	ManifestSequence  = "SEQ"
	ManifestText      = "STR"
	ManifestTimestamp = "TS"
	ManifestID        = "UUID"
	ManifestMerged    = "MRG"
)

// Offset is a position in a source. The concrete types are Sequence, Text,
// Timestamp, ID and Merged.
type Offset interface {
	Manifest() string
	String() string
}

// Sequence is a monotonically increasing integer position.
type Sequence int64

func (Sequence) Manifest() string { return ManifestSequence }
func (s Sequence) String() string { return strconv.FormatInt(int64(s), 10) }

// Text is an opaque, lexicographically ordered position.
type Text string

func (Text) Manifest() string { return ManifestText }
func (t Text) String() string { return string(t) }

// Timestamp is a wall-clock position.
type Timestamp time.Time

func (Timestamp) Manifest() string { return ManifestTimestamp }

func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(time.RFC3339Nano)
}

// Time returns the underlying time value.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// ID is a UUID position, typically a time-based UUID.
type ID uuid.UUID

func (ID) Manifest() string { return ManifestID }
func (i ID) String() string { return uuid.UUID(i).String() }

// Merged maps sub-keys, usually partition keys, to a single offset each.
type Merged map[string]Offset

func (Merged) Manifest() string { return ManifestMerged }

func (m Merged) String() string {
	keys := m.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k].String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Keys returns the sub-keys in sorted order.
func (m Merged) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m Merged) clone() Merged {
	out := make(Merged, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
