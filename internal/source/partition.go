package source

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/SteelMorgan/projector/internal/offset"
)

// ShardOf maps an envelope id to one of total shards.
func ShardOf(id string, total int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(total))
}

// Partition restricts src to the envelopes whose id hashes to shard.
func Partition[P any](src Source[P], shard, total int) (Source[P], error) {
	return PartitionBy(src, shard, total, func(env Envelope[P]) string { return env.ID })
}

// PartitionBy is Partition with a custom partition key. Envelopes with the
// same key always land on the same shard.
func PartitionBy[P any](src Source[P], shard, total int, key func(Envelope[P]) string) (Source[P], error) {
	if total < 1 || shard < 0 || shard >= total {
		return nil, fmt.Errorf("invalid partition %d of %d", shard, total)
	}
	if key == nil {
		return nil, fmt.Errorf("partition key is required")
	}
	return Func[P](func(ctx context.Context, from offset.Offset) (Stream[P], error) {
		inner, err := src.Open(ctx, from)
		if err != nil {
			return nil, err
		}
		return &partitionStream[P]{inner: inner, shard: shard, total: total, key: key}, nil
	}), nil
}

type partitionStream[P any] struct {
	inner Stream[P]
	shard int
	total int
	key   func(Envelope[P]) string
}

func (s *partitionStream[P]) Next(ctx context.Context) (Envelope[P], error) {
	for {
		env, err := s.inner.Next(ctx)
		if err != nil {
			return env, err
		}
		if ShardOf(s.key(env), s.total) == s.shard {
			return env, nil
		}
	}
}

func (s *partitionStream[P]) Close() error { return s.inner.Close() }
