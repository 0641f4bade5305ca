package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/projection"
)

// DefaultLeaseBucket is the key-value bucket holding leases and members.
const DefaultLeaseBucket = "projector_leases"

// LeaseConfig configures the lease scheduler.
type LeaseConfig struct {
	Bucket   string
	MemberID string        // defaults to a random UUID
	TTL      time.Duration // a lease not renewed for TTL expires; default 15s
	Renew    time.Duration // renewal period; default TTL/3
}

func (c LeaseConfig) withDefaults() LeaseConfig {
	if c.Bucket == "" {
		c.Bucket = DefaultLeaseBucket
	}
	if c.MemberID == "" {
		c.MemberID = uuid.NewString()
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.Renew <= 0 || c.Renew >= c.TTL {
		c.Renew = c.TTL / 3
	}
	return c
}

// Lease spreads shards across processes. Every member announces itself
// in the bucket and claims up to ceil(shards/members) shards of each work
// item by creating a lease key; the key's revision guards renewals, so a
// member that lost its lease stops the shard. Leases of crashed members
// expire with the bucket TTL.
type Lease struct {
	kv       jetstream.KeyValue
	cfg      LeaseConfig
	registry *projection.Registry
	log      zerolog.Logger

	mu    sync.Mutex
	works map[string]*leasedWork
	wg    conc.WaitGroup
}

type leasedWork struct {
	name    string
	shards  int
	factory ShardFactory
	held    map[int]*heldShard
}

type heldShard struct {
	revision uint64
	cancel   context.CancelFunc
	done     chan struct{}
	runner   Runnable // valid once done is closed
	err      error    // valid once done is closed
}

func (h *heldShard) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// NewLease opens or creates the lease bucket. registry may be nil.
func NewLease(ctx context.Context, js jetstream.JetStream, cfg LeaseConfig, registry *projection.Registry) (*Lease, error) {
	cfg = cfg.withDefaults()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "projector shard leases",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open lease bucket %s: %w", cfg.Bucket, err)
	}
	return &Lease{
		kv:       kv,
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("member", cfg.MemberID).Logger(),
		works:    make(map[string]*leasedWork),
	}, nil
}

// MemberID identifies this process in the bucket.
func (l *Lease) MemberID() string {
	return l.cfg.MemberID
}

// Register adds work. Shards are claimed on the next renewal round.
func (l *Lease) Register(name string, shards int, factory ShardFactory) error {
	if err := validate(name, shards); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.works[name]; ok {
		return errs.New("cluster.register", errs.KindInvalid, errs.WithProjection(name),
			errs.WithMessage("work is already registered"))
	}
	l.works[name] = &leasedWork{name: name, shards: shards, factory: factory, held: make(map[int]*heldShard)}
	l.log.Info().Str("work", name).Int("shards", shards).Msg("Work registered with lease scheduler")
	return nil
}

// Held returns the shards of name this member holds, in order.
func (l *Lease) Held(name string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.works[name]
	if !ok {
		return nil
	}
	return heldShards(w)
}

// Serve renews membership and leases until ctx ends, then stops every
// shard and releases its lease.
func (l *Lease) Serve(ctx context.Context) error {
	defer l.shutdown()

	ticker := time.NewTicker(l.cfg.Renew)
	defer ticker.Stop()
	for {
		if err := l.round(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("Lease round failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Lease) round(ctx context.Context) error {
	if _, err := l.kv.Put(ctx, memberKey(l.cfg.MemberID), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("announce member: %w", err)
	}
	members, err := l.members(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.works))
	for name := range l.works {
		names = append(names, name)
	}
	sort.Strings(names)

	var errList []error
	for _, name := range names {
		if err := l.balance(ctx, l.works[name], members); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (l *Lease) members(ctx context.Context) (int, error) {
	lister, err := l.kv.ListKeysFiltered(ctx, memberKey("*"))
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	n := 0
	for range lister.Keys() {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n, nil
}

// balance renews held leases, sheds shards above the fair share and
// claims free shards below it. Called with l.mu held.
func (l *Lease) balance(ctx context.Context, w *leasedWork, members int) error {
	share := (w.shards + members - 1) / members

	for _, shard := range heldShards(w) {
		h := w.held[shard]
		if h.exited() && h.err != nil {
			// Failed runner: give the shard back so it is placed again.
			l.log.Warn().Err(h.err).Str("work", w.name).Int("shard", shard).Msg("Shard failed, releasing lease")
			l.release(ctx, w, shard)
			continue
		}
		rev, err := l.kv.Update(ctx, leaseKey(w.name, shard), []byte(l.cfg.MemberID), h.revision)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn().Err(err).Str("work", w.name).Int("shard", shard).Msg("Lease lost, stopping shard")
			l.stopShard(h)
			delete(w.held, shard)
			continue
		}
		h.revision = rev
	}

	for held := heldShards(w); len(held) > share; held = held[:len(held)-1] {
		shard := held[len(held)-1]
		l.log.Info().Str("work", w.name).Int("shard", shard).Int("share", share).Msg("Handing shard over")
		l.release(ctx, w, shard)
	}

	for shard := 0; shard < w.shards && len(w.held) < share; shard++ {
		if _, ok := w.held[shard]; ok {
			continue
		}
		rev, err := l.kv.Create(ctx, leaseKey(w.name, shard), []byte(l.cfg.MemberID))
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("claim %s: %w", leaseKey(w.name, shard), err)
		}
		l.start(ctx, w, shard, rev)
	}
	return nil
}

func (l *Lease) start(ctx context.Context, w *leasedWork, shard int, rev uint64) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &heldShard{revision: rev, cancel: cancel, done: make(chan struct{})}
	w.held[shard] = h
	l.log.Info().Str("work", w.name).Int("shard", shard).Msg("Shard lease acquired")

	l.wg.Go(func() {
		defer close(h.done)
		r, err := w.factory(shard)
		if err != nil {
			h.err = fmt.Errorf("create shard %d of %s: %w", shard, w.name, err)
			return
		}
		h.runner = r
		h.err = runListed(runCtx, l.registry, r)
	})
}

// release stops the shard and deletes its lease if still ours.
func (l *Lease) release(ctx context.Context, w *leasedWork, shard int) {
	h, ok := w.held[shard]
	if !ok {
		return
	}
	l.stopShard(h)
	delete(w.held, shard)
	if err := l.kv.Delete(ctx, leaseKey(w.name, shard), jetstream.LastRevision(h.revision)); err != nil {
		l.log.Debug().Err(err).Str("work", w.name).Int("shard", shard).Msg("Lease already gone")
	}
}

func (l *Lease) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	for _, w := range l.works {
		for _, shard := range heldShards(w) {
			l.release(ctx, w, shard)
		}
	}
	l.mu.Unlock()

	if err := l.kv.Delete(ctx, memberKey(l.cfg.MemberID)); err != nil {
		l.log.Debug().Err(err).Msg("Failed to remove member key")
	}
	l.wg.Wait()
	l.log.Info().Msg("Lease scheduler stopped")
}

// stopShard cancels the shard, waits for it and drops a failed runner
// from the registry.
func (l *Lease) stopShard(h *heldShard) {
	h.cancel()
	<-h.done
	if l.registry != nil && h.runner != nil {
		l.registry.Unregister(h.runner)
	}
}

func heldShards(w *leasedWork) []int {
	out := make([]int, 0, len(w.held))
	for shard := range w.held {
		out = append(out, shard)
	}
	sort.Ints(out)
	return out
}

func memberKey(id string) string {
	return "member." + id
}

func leaseKey(name string, shard int) string {
	return "shard." + name + "." + strconv.Itoa(shard)
}
