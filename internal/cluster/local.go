package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/projection"
)

// LocalConfig holds supervisor settings.
type LocalConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the wait once the threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long a shard may take to stop.
	// Default: 10s
	ShutdownTimeout time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Local runs every shard in this process. A shard whose runner fails is
// recreated from its factory by the supervisor.
type Local struct {
	sup      *suture.Supervisor
	registry *projection.Registry

	mu    sync.Mutex
	works map[string][]suture.ServiceToken
}

// NewLocal creates a local scheduler. registry may be nil.
func NewLocal(cfg LocalConfig, registry *projection.Registry) *Local {
	cfg = cfg.withDefaults()
	sup := suture.New("projector", suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Local{sup: sup, registry: registry, works: make(map[string][]suture.ServiceToken)}
}

func logEvent(e suture.Event) {
	log.Warn().
		Fields(e.Map()).
		Msg(e.String())
}

// Register adds one supervised service per shard. Work can be registered
// before or after Serve starts.
func (l *Local) Register(name string, shards int, factory ShardFactory) error {
	if err := validate(name, shards); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.works[name]; ok {
		return errs.New("cluster.register", errs.KindInvalid, errs.WithProjection(name),
			errs.WithMessage("work is already registered"))
	}
	tokens := make([]suture.ServiceToken, shards)
	for shard := 0; shard < shards; shard++ {
		tokens[shard] = l.sup.Add(&shardService{name: name, shard: shard, factory: factory, registry: l.registry})
	}
	l.works[name] = tokens

	log.Info().Str("work", name).Int("shards", shards).Msg("Work registered with local scheduler")
	return nil
}

// Unregister cancels every shard of name. It does not wait for them to
// exit; runners finish their in-flight envelope first. Failed runners of
// the work are dropped from the registry.
func (l *Local) Unregister(name string) error {
	l.mu.Lock()
	tokens, ok := l.works[name]
	delete(l.works, name)
	l.mu.Unlock()
	if !ok {
		return errs.New("cluster.unregister", errs.KindNotFound, errs.WithProjection(name))
	}
	for _, token := range tokens {
		if err := l.sup.Remove(token); err != nil {
			return fmt.Errorf("stop shard of %s: %w", name, err)
		}
	}
	if l.registry != nil {
		for shard := range tokens {
			if c, ok := l.registry.Lookup(ShardID(name, shard)); ok && c.State() == projection.StateFailed {
				l.registry.Unregister(c)
			}
		}
	}
	return nil
}

// Serve runs the supervisor until ctx ends.
func (l *Local) Serve(ctx context.Context) error {
	return l.sup.Serve(ctx)
}

// ServeBackground runs the supervisor in a goroutine.
func (l *Local) ServeBackground(ctx context.Context) <-chan error {
	return l.sup.ServeBackground(ctx)
}

// shardService adapts one shard to suture.Service.
type shardService struct {
	name     string
	shard    int
	factory  ShardFactory
	registry *projection.Registry
}

func (s *shardService) String() string {
	return fmt.Sprintf("%s/%d", s.name, s.shard)
}

func (s *shardService) Serve(ctx context.Context) error {
	r, err := s.factory(s.shard)
	if err != nil {
		return fmt.Errorf("create shard %s: %w", s, err)
	}
	if err := runListed(ctx, s.registry, r); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// A finite source was fully consumed.
	return suture.ErrDoNotRestart
}
