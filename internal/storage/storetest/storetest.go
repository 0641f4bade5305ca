// Package storetest holds the behaviour every offset store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/session"
)

// Backend is a freshly created, empty backend.
type Backend[C any] struct {
	Store    offset.Store[C]
	Sessions session.Factory[C]
}

// Run executes the shared offset store checks. newBackend must return an
// isolated backend on every call.
func Run[C any](t *testing.T, newBackend func(t *testing.T) Backend[C]) {
	t.Run("CreateIfNotExistsIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.Store.CreateIfNotExists(ctx))
		require.NoError(t, b.Store.CreateIfNotExists(ctx))
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = b.Store.CreateIfNotExists(ctx)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}
	})

	t.Run("ReadMissing", func(t *testing.T) {
		b := setup(t, newBackend)
		_, ok, err := b.Store.ReadOffset(context.Background(), domain.ProjectionID{Name: "missing", Key: "0"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("SaveAndRead", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "orders", Key: "0"}

		save(t, b, id, offset.Sequence(3))
		save(t, b, id, offset.Sequence(3))
		save(t, b, id, offset.Sequence(6))

		got, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Sequence(6), got)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		a := domain.ProjectionID{Name: "orders", Key: "0"}
		c := domain.ProjectionID{Name: "orders", Key: "1"}
		save(t, b, a, offset.Text("a-7"))
		save(t, b, c, offset.Text("c-2"))

		got, ok, err := b.Store.ReadOffset(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Text("c-2"), got)
	})

	t.Run("Merged", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "partitions", Key: "0"}
		merged := offset.Merged{"p0": offset.Sequence(3), "p1": offset.Sequence(9)}
		save(t, b, id, merged)

		got, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, merged, got)
	})

	t.Run("SeparatorInKey", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "orders", Key: "eu/0"}
		save(t, b, id, offset.Sequence(7))

		got, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Sequence(7), got)
	})

	t.Run("SeparatorDoesNotJoinIDs", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		left := domain.ProjectionID{Name: "a/b", Key: "c"}
		right := domain.ProjectionID{Name: "a", Key: "b/c"}
		save(t, b, right, offset.Sequence(99))

		_, ok, err := b.Store.ReadOffset(ctx, left)
		require.NoError(t, err)
		require.False(t, ok)

		save(t, b, left, offset.Sequence(1))
		got, ok, err := b.Store.ReadOffset(ctx, left)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Sequence(1), got)
		got, ok, err = b.Store.ReadOffset(ctx, right)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Sequence(99), got)
	})

	t.Run("MergedSubKeyWithSeparator", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "topics", Key: "0"}
		merged := offset.Merged{"topic/3": offset.Sequence(4), "topic/10": offset.Sequence(2)}
		save(t, b, id, merged)

		got, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, merged, got)
	})

	t.Run("Clear", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "orders", Key: "0"}
		other := domain.ProjectionID{Name: "orders", Key: "1"}
		save(t, b, id, offset.Sequence(5))
		save(t, b, other, offset.Sequence(2))

		require.NoError(t, session.InTransaction(ctx, b.Sessions, b.Store.ClearOffset(id)))

		_, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = b.Store.ReadOffset(ctx, other)
		require.NoError(t, err)
		require.True(t, ok, "clearing one key must keep the others")
	})

	t.Run("RollbackDiscardsSave", func(t *testing.T) {
		b := setup(t, newBackend)
		ctx := context.Background()
		id := domain.ProjectionID{Name: "orders", Key: "0"}
		save(t, b, id, offset.Sequence(1))

		boom := errors.New("boom")
		err := session.InTransaction(ctx, b.Sessions,
			b.Store.SaveOffset(id, offset.Sequence(2)),
			func(context.Context, C) error { return boom },
		)
		require.ErrorIs(t, err, boom)

		got, ok, err := b.Store.ReadOffset(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, offset.Sequence(1), got)
	})
}

func setup[C any](t *testing.T, newBackend func(t *testing.T) Backend[C]) Backend[C] {
	t.Helper()
	b := newBackend(t)
	require.NoError(t, b.Store.CreateIfNotExists(context.Background()))
	return b
}

func save[C any](t *testing.T, b Backend[C], id domain.ProjectionID, off offset.Offset) {
	t.Helper()
	require.NoError(t, session.InTransaction(context.Background(), b.Sessions, b.Store.SaveOffset(id, off)))
}
