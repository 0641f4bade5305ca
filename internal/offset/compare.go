package offset

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrRegression is returned when an offset would move backwards.
	ErrRegression = errors.New("offset regression")

	// ErrMissing is returned when an offset is required but nil.
	ErrMissing = errors.New("offset is missing")

	// ErrIncomparable is returned when two offsets have different types.
	ErrIncomparable = errors.New("offsets are not comparable")
)

// Compare orders two single offsets of the same type. It returns a negative
// number when a < b, zero when equal and a positive number when a > b.
func Compare(a, b Offset) (int, error) {
	if a == nil || b == nil || a.Manifest() != b.Manifest() {
		return 0, fmt.Errorf("%w: %v and %v", ErrIncomparable, a, b)
	}
	switch x := a.(type) {
	case Sequence:
		y := b.(Sequence)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case Text:
		return strings.Compare(string(x), string(b.(Text))), nil
	case Timestamp:
		return x.Time().Compare(b.(Timestamp).Time()), nil
	case ID:
		return compareIDs(uuid.UUID(x), uuid.UUID(b.(ID))), nil
	default:
		return 0, fmt.Errorf("%w: %T has no total order", ErrIncomparable, a)
	}
}

// Version 1 UUIDs keep the timestamp low bits first, so byte order is not
// time order. Versions 6 and 7 sort correctly by bytes.
func compareIDs(a, b uuid.UUID) int {
	if a.Version() == 1 && b.Version() == 1 {
		ta, tb := a.Time(), b.Time()
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
	}
	return bytes.Compare(a[:], b[:])
}

// Advance returns the offset that results from moving current to next.
// Single offsets must not go backwards. Merged offsets are advanced per
// sub-key: entries of next replace those of current and every other entry
// is kept. next must not be nil.
func Advance(current, next Offset) (Offset, error) {
	if next == nil {
		return nil, ErrMissing
	}
	if current == nil {
		if m, ok := next.(Merged); ok {
			return m.clone(), nil
		}
		return next, nil
	}

	cm, curMerged := current.(Merged)
	nm, nextMerged := next.(Merged)
	switch {
	case curMerged && nextMerged:
		out := cm.clone()
		for k, v := range nm {
			if prev, ok := cm[k]; ok {
				c, err := Compare(v, prev)
				if err != nil {
					return nil, err
				}
				if c < 0 {
					return nil, fmt.Errorf("%w: key %q from %s to %s", ErrRegression, k, prev, v)
				}
			}
			out[k] = v
		}
		return out, nil
	case curMerged != nextMerged:
		return nil, fmt.Errorf("%w: %s and %s", ErrIncomparable, current.Manifest(), next.Manifest())
	}

	c, err := Compare(next, current)
	if err != nil {
		return nil, err
	}
	if c < 0 {
		return nil, fmt.Errorf("%w: from %s to %s", ErrRegression, current, next)
	}
	return next, nil
}

// After reports whether candidate lies beyond from. A nil from means the
// beginning of the source, so every candidate is after it. For merged
// offsets candidate is after from when any of its entries is new or ahead.
func After(candidate, from Offset) (bool, error) {
	if from == nil {
		return true, nil
	}
	if candidate == nil {
		return false, nil
	}
	fm, fromMerged := from.(Merged)
	cm, candMerged := candidate.(Merged)
	switch {
	case fromMerged && candMerged:
		for k, v := range cm {
			prev, ok := fm[k]
			if !ok {
				return true, nil
			}
			c, err := Compare(v, prev)
			if err != nil {
				return false, err
			}
			if c > 0 {
				return true, nil
			}
		}
		return false, nil
	case fromMerged != candMerged:
		return false, fmt.Errorf("%w: %s and %s", ErrIncomparable, candidate.Manifest(), from.Manifest())
	}
	c, err := Compare(candidate, from)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
