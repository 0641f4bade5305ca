// Package cluster places the shards of a logical projection onto workers.
//
// A projection is registered as a fixed, ordered list of factories; shard
// i is always produced by factory i and owns the projection key
// ShardKey(i). Where a shard runs is decided by a Scheduler: Local runs
// every shard in this process under a supervisor, Lease spreads shards
// across processes with leases kept in a NATS key-value bucket.
package cluster

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/projection"
)

// Runnable is one startable and stoppable projection instance.
// *projection.Runner satisfies it.
type Runnable interface {
	projection.Controllable
	Run(ctx context.Context) error
}

// Factory creates a fresh instance for one shard. It is called again
// whenever the shard is (re)placed.
type Factory func() (Runnable, error)

// ShardFactory creates the instance for shard.
type ShardFactory func(shard int) (Runnable, error)

// Scheduler places the shards of registered work.
type Scheduler interface {
	Register(name string, shards int, factory ShardFactory) error
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ShardKey is the projection key of shard.
func ShardKey(shard int) string {
	return strconv.Itoa(shard)
}

// ShardID is the projection id of shard of the projection name.
func ShardID(name string, shard int) domain.ProjectionID {
	return domain.ProjectionID{Name: name, Key: ShardKey(shard)}
}

// Register hands a sharded projection to s. factories[i] creates shard i.
func Register(s Scheduler, name string, factories []Factory) error {
	if err := validate(name, len(factories)); err != nil {
		return err
	}
	for i, f := range factories {
		if f == nil {
			return errs.New("cluster.register", errs.KindInvalid,
				errs.WithProjection(name), errs.WithMessage(fmt.Sprintf("factory for shard %d is nil", i)))
		}
	}
	fs := append([]Factory(nil), factories...)
	return s.Register(name, len(fs), func(shard int) (Runnable, error) {
		r, err := fs[shard]()
		if err != nil {
			return nil, err
		}
		if want := ShardID(name, shard); r.ID() != want {
			return nil, errs.New("cluster.create", errs.KindInvalid, errs.WithProjection(name),
				errs.WithMessage(fmt.Sprintf("shard %d created runner for %s, want %s", shard, r.ID(), want)))
		}
		return r, nil
	})
}

func validate(name string, shards int) error {
	if !namePattern.MatchString(name) {
		return errs.New("cluster.register", errs.KindInvalid,
			errs.WithMessage(fmt.Sprintf("invalid work name %q", name)))
	}
	if shards < 1 {
		return errs.New("cluster.register", errs.KindInvalid, errs.WithProjection(name),
			errs.WithMessage("at least one shard is required"))
	}
	return nil
}

// runListed runs r while it is listed in registry. A runner that fails
// stays listed so its failed state can be inspected until a replacement
// registers or the scheduler drops the shard.
func runListed(ctx context.Context, registry *projection.Registry, r Runnable) error {
	if registry == nil {
		return r.Run(ctx)
	}
	registry.Register(r)
	err := r.Run(ctx)
	if err == nil {
		registry.Unregister(r)
	}
	return err
}
