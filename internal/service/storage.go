package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/projector/internal/cluster"
	"github.com/SteelMorgan/projector/internal/config"
	"github.com/SteelMorgan/projector/internal/documents"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
	"github.com/SteelMorgan/projector/internal/session"
	"github.com/SteelMorgan/projector/internal/source"
	"github.com/SteelMorgan/projector/internal/storage/badgerstore"
	"github.com/SteelMorgan/projector/internal/storage/boltstore"
	"github.com/SteelMorgan/projector/internal/storage/memstore"
	"github.com/SteelMorgan/projector/internal/storage/pgstore"
	"github.com/SteelMorgan/projector/internal/storage/sqlitestore"
)

// backend bundles what one storage engine contributes: the offset store,
// sessions spanning offsets and documents, and the document store.
type backend[C any] struct {
	offsets  offset.Store[C]
	sessions session.Factory[C]
	docs     documents.Store[C]
}

func (s *ProjectorService) openStorage(ctx context.Context) error {
	sc := s.cfg.Storage
	switch sc.Backend {
	case config.BackendMemory:
		db := memstore.New()
		return wire(ctx, s, backend[*memstore.Tx]{
			offsets:  memstore.NewOffsetStore(db),
			sessions: db.Sessions(),
			docs:     documents.NewMemoryStore(db),
		})

	case config.BackendSQLite:
		db, err := sqlitestore.Open(sc.Path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db.Close)
		offsets, err := sqlitestore.NewOffsetStore(db, sc.OffsetTable)
		if err != nil {
			return err
		}
		return wire(ctx, s, backend[*sql.Tx]{
			offsets:  offsets,
			sessions: db.Sessions(),
			docs:     documents.NewSQLiteStore(db.SQL()),
		})

	case config.BackendPostgres:
		if sc.Migrate {
			if err := pgstore.Migrate(ctx, sc.DSN, 0); err != nil {
				return err
			}
		}
		db, err := pgstore.Open(ctx, sc.DSN)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error {
			db.Close()
			return nil
		})
		offsets, err := pgstore.NewOffsetStore(db, sc.OffsetTable)
		if err != nil {
			return err
		}
		return wire(ctx, s, backend[pgx.Tx]{
			offsets:  offsets,
			sessions: db.Sessions(),
			docs:     documents.NewPostgresStore(db.Pool()),
		})

	case config.BackendBolt:
		db, err := boltstore.Open(sc.Path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db.Close)
		return wire(ctx, s, backend[*bbolt.Tx]{
			offsets:  boltstore.NewOffsetStore(db, sc.OffsetTable),
			sessions: db.Sessions(),
			docs:     documents.NewBoltStore(db.Bolt()),
		})

	case config.BackendBadger:
		db, err := badgerstore.Open(sc.Path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db.Close)
		return wire(ctx, s, backend[*badger.Txn]{
			offsets:  badgerstore.NewOffsetStore(db, sc.OffsetTable),
			sessions: badgerstore.Sessions(db),
			docs:     documents.NewBadgerStore(db),
		})

	default:
		return fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// wire creates the schemas and registers one runner factory per shard.
func wire[C any](ctx context.Context, s *ProjectorService, b backend[C]) error {
	if err := b.offsets.CreateIfNotExists(ctx); err != nil {
		return err
	}
	if err := b.docs.CreateSchema(ctx); err != nil {
		return fmt.Errorf("failed to create document store: %w", err)
	}
	s.mgmt = projection.NewManagement(b.offsets, b.sessions, s.registry)
	s.document = b.docs.Get

	pc := s.cfg.Projection
	delivery, err := pc.DeliveryPolicy()
	if err != nil {
		return err
	}
	recovery, err := pc.RecoveryPolicy()
	if err != nil {
		return err
	}
	stream, err := s.streamSource()
	if err != nil {
		return err
	}

	factories := make([]cluster.Factory, pc.Shards)
	for shard := range factories {
		factories[shard] = func() (cluster.Runnable, error) {
			src, err := source.PartitionBy[[]byte](stream, shard, pc.Shards, documents.PartitionKey)
			if err != nil {
				return nil, err
			}
			r, err := projection.NewRunner(projection.Settings[C, []byte]{
				ID:       cluster.ShardID(pc.Name, shard),
				Source:   src,
				Store:    b.offsets,
				Sessions: b.sessions,
				Handler:  documents.NewRawHandler(b.docs),
				Recovery: recovery,
				Restart:  pc.RestartSettings(),
				Delivery: delivery,
				Observer: s.observer,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	return cluster.Register(s.scheduler, pc.Name, factories)
}
