package offset

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	tests := []struct {
		name         string
		off          Offset
		wantValue    string
		wantManifest string
	}{
		{"sequence", Sequence(42), "42", ManifestSequence},
		{"text", Text("evt-0007"), "evt-0007", ManifestText},
		{"timestamp", Timestamp(ts), "2024-03-01T12:30:00.123456789Z", ManifestTimestamp},
		{"uuid", ID(id), "6ba7b810-9dad-11d1-80b4-00c04fd430c8", ManifestID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, manifest, err := Encode(tt.off)
			require.NoError(t, err)
			require.Equal(t, tt.wantValue, value)
			require.Equal(t, tt.wantManifest, manifest)

			decoded, err := Decode(value, manifest)
			require.NoError(t, err)
			require.Equal(t, tt.off, decoded)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("x", "BLOB")
	require.ErrorIs(t, err, ErrUnknownManifest)

	_, err = Decode("not-a-number", ManifestSequence)
	require.Error(t, err)

	_, err = Encode(Merged{"a": Sequence(1)})
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	early := uuid.Must(uuid.NewUUID())
	time.Sleep(time.Millisecond)
	late := uuid.Must(uuid.NewUUID())

	tests := []struct {
		name string
		a, b Offset
		want int
	}{
		{"sequence less", Sequence(1), Sequence(2), -1},
		{"sequence equal", Sequence(2), Sequence(2), 0},
		{"text greater", Text("b"), Text("a"), 1},
		{"timestamp less", Timestamp(time.Unix(10, 0)), Timestamp(time.Unix(20, 0)), -1},
		{"time uuid order", ID(early), ID(late), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := Compare(Sequence(1), Text("1"))
	require.ErrorIs(t, err, ErrIncomparable)
}

func TestAdvance(t *testing.T) {
	t.Run("first offset", func(t *testing.T) {
		got, err := Advance(nil, Sequence(1))
		require.NoError(t, err)
		require.Equal(t, Sequence(1), got)
	})

	t.Run("missing next", func(t *testing.T) {
		_, err := Advance(Sequence(3), nil)
		require.ErrorIs(t, err, ErrMissing)
		_, err = Advance(nil, nil)
		require.ErrorIs(t, err, ErrMissing)
	})

	t.Run("forward and equal", func(t *testing.T) {
		got, err := Advance(Sequence(3), Sequence(5))
		require.NoError(t, err)
		require.Equal(t, Sequence(5), got)

		got, err = Advance(Sequence(5), Sequence(5))
		require.NoError(t, err)
		require.Equal(t, Sequence(5), got)
	})

	t.Run("regression", func(t *testing.T) {
		_, err := Advance(Sequence(5), Sequence(4))
		require.ErrorIs(t, err, ErrRegression)
	})

	t.Run("merged per key", func(t *testing.T) {
		cur := Merged{"p0": Sequence(3), "p1": Sequence(7)}
		got, err := Advance(cur, Merged{"p1": Sequence(8), "p2": Sequence(1)})
		require.NoError(t, err)
		require.Equal(t, Merged{"p0": Sequence(3), "p1": Sequence(8), "p2": Sequence(1)}, got)
		require.Equal(t, Sequence(7), cur["p1"], "input must not be mutated")

		_, err = Advance(got, Merged{"p0": Sequence(2)})
		require.ErrorIs(t, err, ErrRegression)
	})

	t.Run("mixed kinds", func(t *testing.T) {
		_, err := Advance(Sequence(1), Merged{"p0": Sequence(2)})
		require.ErrorIs(t, err, ErrIncomparable)
	})
}

func TestAfter(t *testing.T) {
	ok, err := After(Sequence(1), nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = After(Sequence(3), Sequence(3))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = After(Merged{"p1": Sequence(1)}, Merged{"p0": Sequence(9)})
	require.NoError(t, err)
	require.True(t, ok, "new sub-key is after")

	ok, err = After(Merged{"p0": Sequence(4)}, Merged{"p0": Sequence(9)})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRowsRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id := domain.ProjectionID{Name: "orders", Key: "0"}

	rows, err := ToRows(id, Sequence(9), now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Mergeable)
	require.Equal(t, now, rows[0].LastUpdated)

	got, ok, err := FromRows(id, rows)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Sequence(9), got)
}

func TestMergedRows(t *testing.T) {
	id := domain.ProjectionID{Name: "orders", Key: "ignored"}
	merged := Merged{"p0": Sequence(3), "p1": Text("x")}

	rows, err := ToRows(id, merged, time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.True(t, r.Mergeable)
		require.Equal(t, "orders", r.ID.Name)
	}
	require.Equal(t, "p0", rows[0].ID.Key)

	got, ok, err := FromRows(id, rows)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, merged, got)

	_, err = ToRows(id, Merged{"p0": Merged{"x": Sequence(1)}}, time.Now())
	require.ErrorIs(t, err, ErrNestedMerged)
}

func TestFromRowsMixed(t *testing.T) {
	rows := []domain.OffsetRow{
		{ID: domain.ProjectionID{Name: "orders", Key: "0"}, Offset: "5", Manifest: ManifestSequence},
		{ID: domain.ProjectionID{Name: "orders", Key: "1"}, Offset: "8", Manifest: ManifestSequence},
		{ID: domain.ProjectionID{Name: "orders", Key: "p0"}, Offset: "2", Manifest: ManifestSequence, Mergeable: true},
	}

	got, ok, err := FromRows(domain.ProjectionID{Name: "orders", Key: "1"}, rows)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Sequence(8), got)

	_, ok, err = FromRows(domain.ProjectionID{Name: "orders", Key: "7"}, rows)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = FromRows(domain.ProjectionID{Name: "orders", Key: "0"}, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFromRowsCorrupt(t *testing.T) {
	rows := []domain.OffsetRow{{ID: domain.ProjectionID{Name: "orders", Key: "0"}, Offset: "x", Manifest: ManifestSequence}}
	_, _, err := FromRows(domain.ProjectionID{Name: "orders", Key: "0"}, rows)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownManifest))
}
