package cluster

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/messaging"
)

func startLease(t *testing.T, ctx context.Context, url, member string) *Lease {
	t.Helper()
	conn, err := messaging.Connect(url, "lease-"+member)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	l, err := NewLease(ctx, conn.JS, LeaseConfig{
		Bucket:   "test_leases",
		MemberID: member,
		TTL:      2 * time.Second,
		Renew:    50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return l
}

func TestLeaseSpreadsAndFailsOver(t *testing.T) {
	srv, err := messaging.StartEmbedded(messaging.ServerConfig{Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()})
	require.NoError(t, err)
	defer srv.Shutdown()

	var active atomic.Int32
	factory := func(shard int) (Runnable, error) {
		return &blockingShard{id: ShardID("orders", shard), active: &active}, nil
	}

	ctx := context.Background()
	a := startLease(t, ctx, srv.ClientURL(), "member-a")
	b := startLease(t, ctx, srv.ClientURL(), "member-b")
	require.NoError(t, a.Register("orders", 4, factory))
	require.NoError(t, b.Register("orders", 4, factory))

	ctxA, cancelA := context.WithCancel(ctx)
	ctxB, cancelB := context.WithCancel(ctx)
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- a.Serve(ctxA) }()
	go func() { doneB <- b.Serve(ctxB) }()

	require.Eventually(t, func() bool {
		return len(a.Held("orders")) == 2 && len(b.Held("orders")) == 2 && active.Load() == 4
	}, 10*time.Second, 20*time.Millisecond)

	held := append(a.Held("orders"), b.Held("orders")...)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, held, "every shard is held exactly once")

	cancelB()
	require.NoError(t, <-doneB)
	assert.Empty(t, b.Held("orders"))

	require.Eventually(t, func() bool {
		return len(a.Held("orders")) == 4 && active.Load() == 4
	}, 10*time.Second, 20*time.Millisecond)

	cancelA()
	require.NoError(t, <-doneA)
	assert.Zero(t, active.Load())
}

func TestLeaseKeys(t *testing.T) {
	assert.Equal(t, "shard.orders.3", leaseKey("orders", 3))
	assert.Equal(t, "member.m1", memberKey("m1"))

	cfg := LeaseConfig{TTL: 9 * time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, cfg.Renew)
	assert.Equal(t, DefaultLeaseBucket, cfg.Bucket)
	assert.NotEmpty(t, cfg.MemberID)
}
