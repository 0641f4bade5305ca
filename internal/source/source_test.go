package source

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/offset"
)

func envelopes(payloads ...string) []Envelope[string] {
	out := make([]Envelope[string], len(payloads))
	for i, p := range payloads {
		out[i] = Envelope[string]{ID: "evt-" + strconv.Itoa(i+1), Offset: offset.Sequence(i + 1), Payload: p}
	}
	return out
}

func drain(t *testing.T, s Stream[string]) []string {
	t.Helper()
	var out []string
	for {
		env, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, env.Payload)
	}
}

func TestSliceFromOffset(t *testing.T) {
	src := FromSlice(envelopes("abc", "def", "ghi", "jkl")...)

	tests := []struct {
		name string
		from offset.Offset
		want []string
	}{
		{"beginning", nil, []string{"abc", "def", "ghi", "jkl"}},
		{"after two", offset.Sequence(2), []string{"ghi", "jkl"}},
		{"after last", offset.Sequence(4), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := src.Open(context.Background(), tt.from)
			require.NoError(t, err)
			require.Equal(t, tt.want, drain(t, s))
		})
	}
}

func TestSliceIncomparableOffset(t *testing.T) {
	src := FromSlice(envelopes("abc")...)
	_, err := src.Open(context.Background(), offset.Text("x"))
	require.ErrorIs(t, err, offset.ErrIncomparable)
}

func TestMemoryFollowsAppends(t *testing.T) {
	m := NewMemory[string]()
	all := envelopes("abc", "def", "ghi")
	m.Append(all[0])

	s, err := m.Open(context.Background(), nil)
	require.NoError(t, err)

	env, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", env.Payload)

	done := make(chan Envelope[string], 1)
	go func() {
		env, _ := s.Next(context.Background())
		done <- env
	}()
	time.Sleep(10 * time.Millisecond)
	m.Append(all[1:]...)

	select {
	case env := <-done:
		require.Equal(t, "def", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("stream did not wake up on append")
	}

	m.Seal()
	require.Equal(t, []string{"ghi"}, drain(t, s))
}

func TestMemoryNextCancelled(t *testing.T) {
	m := NewMemory[string]()
	s, err := m.Open(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Append(envelopes("abc")...)
	env, err := s.Next(context.Background())
	require.NoError(t, err, "stream stays usable after a cancelled Next")
	require.Equal(t, "abc", env.Payload)
}

func TestPartition(t *testing.T) {
	all := make([]Envelope[string], 0, 40)
	for i := 1; i <= 40; i++ {
		all = append(all, Envelope[string]{ID: "order-" + strconv.Itoa(i), Offset: offset.Sequence(i), Payload: strconv.Itoa(i)})
	}
	src := FromSlice(all...)

	seen := make(map[string]int)
	for shard := 0; shard < 3; shard++ {
		part, err := Partition[string](src, shard, 3)
		require.NoError(t, err)
		s, err := part.Open(context.Background(), nil)
		require.NoError(t, err)
		for _, p := range drain(t, s) {
			seen[p]++
		}
	}
	require.Len(t, seen, 40)
	for p, n := range seen {
		require.Equal(t, 1, n, "payload %s delivered to more than one shard", p)
	}

	_, err := Partition[string](src, 3, 3)
	require.Error(t, err)
}

func TestPartitionByKey(t *testing.T) {
	var all []Envelope[string]
	for i := 1; i <= 30; i++ {
		doc := "doc-" + strconv.Itoa(i%4)
		all = append(all, Envelope[string]{ID: "evt-" + strconv.Itoa(i), Offset: offset.Sequence(i), Payload: doc})
	}
	src := FromSlice(all...)
	byPayload := func(env Envelope[string]) string { return env.Payload }

	owner := make(map[string]int)
	total := 0
	for shard := 0; shard < 2; shard++ {
		part, err := PartitionBy[string](src, shard, 2, byPayload)
		require.NoError(t, err)
		s, err := part.Open(context.Background(), nil)
		require.NoError(t, err)
		for _, doc := range drain(t, s) {
			if prev, ok := owner[doc]; ok {
				require.Equal(t, prev, shard, "%s split across shards", doc)
			}
			owner[doc] = shard
			total++
		}
	}
	require.Equal(t, 30, total)

	_, err := PartitionBy[string](src, 0, 2, nil)
	require.Error(t, err)
}
