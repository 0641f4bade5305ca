package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/SteelMorgan/projector/internal/admin"
	"github.com/SteelMorgan/projector/internal/cluster"
	"github.com/SteelMorgan/projector/internal/config"
	"github.com/SteelMorgan/projector/internal/messaging"
	"github.com/SteelMorgan/projector/internal/mirror"
	"github.com/SteelMorgan/projector/internal/observability"
	"github.com/SteelMorgan/projector/internal/projection"
	"github.com/SteelMorgan/projector/internal/source/natsstream"
)

type scheduler interface {
	cluster.Scheduler
	Serve(ctx context.Context) error
}

// ProjectorService wires storage, the event stream, the sharded document
// projection, its scheduler, the progress mirror and the admin API.
type ProjectorService struct {
	cfg      *config.Config
	registry *projection.Registry
	promReg  *prometheus.Registry
	observer projection.Observers

	embedded *messaging.EmbeddedServer
	conn     *messaging.Conn
	mirror   *mirror.Mirror

	scheduler scheduler
	mgmt      projection.Management
	admin     *admin.Server
	document  func(ctx context.Context, id string) (string, bool, error)

	closers []func() error
}

// NewProjectorService opens every dependency named by cfg and registers
// the projection with the scheduler. Nothing runs until Start.
func NewProjectorService(ctx context.Context, cfg *config.Config) (*ProjectorService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &ProjectorService{
		cfg:      cfg,
		registry: projection.NewRegistry(),
		promReg:  prometheus.NewRegistry(),
	}
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.observer = projection.Observers{observability.NewMetrics(s.promReg)}

	if err := s.init(ctx); err != nil {
		if cerr := s.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Cleanup after failed start")
		}
		return nil, err
	}
	return s, nil
}

func (s *ProjectorService) init(ctx context.Context) error {
	if err := s.connectNATS(ctx); err != nil {
		return err
	}
	if err := s.openMirror(ctx); err != nil {
		return err
	}
	if err := s.openScheduler(ctx); err != nil {
		return err
	}
	if err := s.openStorage(ctx); err != nil {
		return err
	}
	if s.cfg.Admin.Addr != "" {
		s.admin = admin.NewServer(admin.Config{
			Addr:            s.cfg.Admin.Addr,
			ShutdownTimeout: s.cfg.Admin.ShutdownTimeout,
		}, s.mgmt, s.registry, s.promReg)
		if s.mirror != nil {
			m := s.mirror
			s.admin.AddHealthCheck("mirror", func(context.Context) error {
				if st := m.BreakerState(); st == "open" {
					return fmt.Errorf("circuit breaker %s", st)
				}
				return nil
			})
		}
	}
	return nil
}

func (s *ProjectorService) connectNATS(ctx context.Context) error {
	url := s.cfg.NATS.URL
	if s.cfg.NATS.Embedded {
		srv, err := messaging.StartEmbedded(messaging.ServerConfig{
			Host:     s.cfg.NATS.Host,
			Port:     s.cfg.NATS.Port,
			StoreDir: s.cfg.NATS.StoreDir,
		})
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		s.embedded = srv
		s.closers = append(s.closers, func() error {
			srv.Shutdown()
			return nil
		})
		url = srv.ClientURL()
	}

	conn, err := messaging.Connect(url, "projector")
	if err != nil {
		return err
	}
	s.conn = conn
	s.closers = append(s.closers, func() error {
		conn.Close()
		return nil
	})

	if _, err := messaging.EnsureStream(ctx, conn.JS, messaging.StreamConfig{
		Name:     s.cfg.NATS.Stream,
		Subjects: []string{s.cfg.NATS.Subject},
	}); err != nil {
		return err
	}
	log.Info().
		Str("url", url).
		Str("stream", s.cfg.NATS.Stream).
		Str("subject", s.cfg.NATS.Subject).
		Msg("Event stream ready")
	return nil
}

func (s *ProjectorService) openMirror(ctx context.Context) error {
	mc := s.cfg.Mirror
	if !mc.Enabled {
		return nil
	}
	ch, err := mirror.OpenClickHouse(ctx, mirror.ClickHouseConfig{
		Host:     mc.Host,
		Port:     mc.Port,
		Database: mc.Database,
		Username: mc.Username,
		Password: mc.Password,
		Table:    mc.Table,
	})
	if err != nil {
		return err
	}
	s.closers = append(s.closers, ch.Close)
	if err := ch.EnsureTable(ctx); err != nil {
		return fmt.Errorf("failed to create progress table: %w", err)
	}
	s.mirror = mirror.New(ch, mirror.Config{MaxBatch: mc.MaxBatch, FlushInterval: mc.FlushInterval})
	s.observer = append(s.observer, s.mirror)
	return nil
}

func (s *ProjectorService) openScheduler(ctx context.Context) error {
	sc := s.cfg.Scheduler
	switch sc.Mode {
	case config.SchedulerLease:
		lease, err := cluster.NewLease(ctx, s.conn.JS, cluster.LeaseConfig{
			Bucket:   sc.LeaseBucket,
			MemberID: sc.MemberID,
			TTL:      sc.LeaseTTL,
			Renew:    sc.LeaseRenew,
		}, s.registry)
		if err != nil {
			return err
		}
		log.Info().Str("member", lease.MemberID()).Msg("Lease scheduler ready")
		s.scheduler = lease
	default:
		s.scheduler = cluster.NewLocal(cluster.LocalConfig{}, s.registry)
	}
	return nil
}

func (s *ProjectorService) streamSource() (*natsstream.Source, error) {
	return natsstream.New(s.conn.JS, natsstream.Config{
		Stream:       s.cfg.NATS.Stream,
		Subject:      s.cfg.NATS.Subject,
		PollInterval: s.cfg.NATS.PollInterval,
	})
}

// Start runs the scheduler, the mirror and the admin API until ctx ends
// or one of them fails.
func (s *ProjectorService) Start(ctx context.Context) error {
	log.Info().
		Str("projection", s.cfg.Projection.Name).
		Int("shards", s.cfg.Projection.Shards).
		Str("scheduler", s.cfg.Scheduler.Mode).
		Str("storage", s.cfg.Storage.Backend).
		Msg("Projector service starting...")

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return ignoreCanceled(s.scheduler.Serve(ctx))
	})
	if s.mirror != nil {
		p.Go(s.mirror.Run)
	}
	if s.admin != nil {
		p.Go(s.admin.Start)
	}
	return p.Wait()
}

// Close releases every dependency in reverse order of opening.
func (s *ProjectorService) Close() error {
	log.Info().Msg("Projector service stopping...")
	var errList []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	s.closers = nil
	return errors.Join(errList...)
}

// Registry lists the runners live in this process.
func (s *ProjectorService) Registry() *projection.Registry {
	return s.registry
}

// Management reads and rewrites stored offsets.
func (s *ProjectorService) Management() projection.Management {
	return s.mgmt
}

// JetStream is the stream client events are read from.
func (s *ProjectorService) JetStream() jetstream.JetStream {
	return s.conn.JS
}

// Document returns the projected body of a document.
func (s *ProjectorService) Document(ctx context.Context, id string) (string, bool, error) {
	return s.document(ctx, id)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
