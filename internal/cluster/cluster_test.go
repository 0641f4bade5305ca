package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
	"github.com/SteelMorgan/projector/internal/session"
	"github.com/SteelMorgan/projector/internal/source"
	"github.com/SteelMorgan/projector/internal/storage/memstore"
)

// blockingShard runs until its context ends.
type blockingShard struct {
	id     domain.ProjectionID
	active *atomic.Int32
}

func (b *blockingShard) ID() domain.ProjectionID        { return b.id }
func (b *blockingShard) State() projection.State        { return projection.StateRunning }
func (b *blockingShard) Status() projection.Status      { return projection.Status{ID: b.id} }
func (b *blockingShard) Stop(ctx context.Context) error { return nil }
func (b *blockingShard) Resume()                        {}

func (b *blockingShard) Run(ctx context.Context) error {
	b.active.Add(1)
	defer b.active.Add(-1)
	<-ctx.Done()
	return nil
}

type recordingScheduler struct {
	name    string
	shards  int
	factory ShardFactory
}

func (r *recordingScheduler) Register(name string, shards int, factory ShardFactory) error {
	r.name, r.shards, r.factory = name, shards, factory
	return nil
}

func TestRegisterUsesIndexAsShardKey(t *testing.T) {
	var active atomic.Int32
	factories := make([]Factory, 3)
	for i := range factories {
		factories[i] = func() (Runnable, error) {
			return &blockingShard{id: ShardID("orders", i), active: &active}, nil
		}
	}

	s := &recordingScheduler{}
	require.NoError(t, Register(s, "orders", factories))
	assert.Equal(t, "orders", s.name)
	assert.Equal(t, 3, s.shards)

	r, err := s.factory(2)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectionID{Name: "orders", Key: "2"}, r.ID())
}

func TestRegisterRejectsMismatchedShard(t *testing.T) {
	var active atomic.Int32
	factories := []Factory{
		func() (Runnable, error) { return &blockingShard{id: ShardID("orders", 5), active: &active}, nil },
	}
	s := &recordingScheduler{}
	require.NoError(t, Register(s, "orders", factories))
	_, err := s.factory(0)
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestRegisterValidation(t *testing.T) {
	s := &recordingScheduler{}
	assert.True(t, errs.Is(Register(s, "orders", nil), errs.KindInvalid))
	assert.True(t, errs.Is(Register(s, "bad name", []Factory{nil}), errs.KindInvalid))
	assert.True(t, errs.Is(Register(s, "orders", []Factory{nil}), errs.KindInvalid))
}

func TestLocalRunsAndRestartsShards(t *testing.T) {
	db := memstore.New()
	offsets := memstore.NewOffsetStore(db)
	require.NoError(t, offsets.CreateIfNotExists(context.Background()))

	const shards = 3
	var (
		mu       sync.Mutex
		attempts = make(map[int]int)
	)
	registry := projection.NewRegistry()
	local := NewLocal(LocalConfig{FailureBackoff: 10 * time.Millisecond}, registry)

	factories := make([]Factory, shards)
	for i := range factories {
		factories[i] = func() (Runnable, error) {
			mu.Lock()
			attempts[i]++
			first := attempts[i] == 1
			mu.Unlock()

			envs := []source.Envelope[string]{
				{ID: fmt.Sprintf("%d-a", i), Offset: offset.Sequence(1), Payload: "a"},
				{ID: fmt.Sprintf("%d-b", i), Offset: offset.Sequence(2), Payload: "b"},
			}
			handler := projection.HandlerFunc[*memstore.Tx, string](func(ctx context.Context, s session.Session[*memstore.Tx], env source.Envelope[string]) error {
				if first && env.Offset == offset.Sequence(2) {
					return errors.New("first placement fails")
				}
				return s.WithConnection(ctx, func(tx *memstore.Tx) error {
					key := fmt.Sprintf("shard/%d", i)
					prev, _ := tx.Get(key)
					tx.Put(key, append(prev, env.Payload...))
					return nil
				})
			})
			r, err := projection.NewRunner(projection.Settings[*memstore.Tx, string]{
				ID:       ShardID("letters", i),
				Source:   source.FromSlice(envs...),
				Store:    offsets,
				Sessions: db.Sessions(),
				Handler:  handler,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	require.NoError(t, Register(local, "letters", factories))

	ctx, cancel := context.WithCancel(context.Background())
	done := local.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		for i := 0; i < shards; i++ {
			v, _ := db.Get(fmt.Sprintf("shard/%d", i))
			if string(v) != "ab" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < shards; i++ {
		off, _, err := offsets.ReadOffset(context.Background(), ShardID("letters", i))
		require.NoError(t, err)
		assert.Equal(t, offset.Sequence(2), off)
	}
	mu.Lock()
	for i := 0; i < shards; i++ {
		assert.Equal(t, 2, attempts[i], "shard %d is recreated once after failing", i)
	}
	mu.Unlock()

	assert.Error(t, Register(local, "letters", factories), "duplicate registration")

	cancel()
	<-done
}

func TestLocalKeepsFailedRunnerListed(t *testing.T) {
	db := memstore.New()
	offsets := memstore.NewOffsetStore(db)
	require.NoError(t, offsets.CreateIfNotExists(context.Background()))

	registry := projection.NewRegistry()
	// One failure pauses the supervisor for longer than the test runs.
	local := NewLocal(LocalConfig{FailureThreshold: 0.5, FailureBackoff: time.Hour}, registry)

	factories := []Factory{func() (Runnable, error) {
		handler := projection.HandlerFunc[*memstore.Tx, string](func(context.Context, session.Session[*memstore.Tx], source.Envelope[string]) error {
			return errors.New("always fails")
		})
		r, err := projection.NewRunner(projection.Settings[*memstore.Tx, string]{
			ID:       ShardID("broken", 0),
			Source:   source.FromSlice(source.Envelope[string]{ID: "a", Offset: offset.Sequence(1), Payload: "a"}),
			Store:    offsets,
			Sessions: db.Sessions(),
			Handler:  handler,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}}
	require.NoError(t, Register(local, "broken", factories))

	ctx, cancel := context.WithCancel(context.Background())
	done := local.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		c, ok := registry.Lookup(ShardID("broken", 0))
		return ok && c.State() == projection.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	list := registry.List()
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].Status().LastError)

	require.NoError(t, local.Unregister("broken"))
	_, ok := registry.Lookup(ShardID("broken", 0))
	assert.False(t, ok)

	cancel()
	<-done
}
