package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/backend"
	"github.com/pgoc/adsbot/internal/config"
	"github.com/pgoc/adsbot/internal/history"
	"github.com/pgoc/adsbot/internal/logging"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/resolver"
	"github.com/pgoc/adsbot/internal/stream"
	"github.com/pgoc/adsbot/internal/verify"
)

// Factory builds engines that share one backend client, alias map,
// history database and metrics registry.
type Factory struct {
	cfg      *config.Config
	client   *backend.Client
	resolver *resolver.Resolver
	history  *history.Store
	sealer   *history.Sealer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu    sync.Mutex
	redis map[int]*stream.RedisSource
}

// NewFactory wires the shared collaborators from cfg. hist may be nil.
func NewFactory(cfg *config.Config, hist *history.Store, m *metrics.Metrics, logger zerolog.Logger) (*Factory, error) {
	client := backend.New(cfg.API.URL, cfg.API.UserID, cfg.API.Timeout, logging.Component(logger, "backend"))
	f := &Factory{
		cfg:      cfg,
		client:   client,
		resolver: resolver.New(client, cfg.API.UserID, logging.Component(logger, "resolver")),
		history:  hist,
		metrics:  m,
		logger:   logger,
		redis:    make(map[int]*stream.RedisSource),
	}
	if cfg.Snapshot.Enabled {
		sealer, err := history.NewSealer(cfg.Snapshot.Key)
		if err != nil {
			return nil, err
		}
		f.sealer = sealer
	}
	return f, nil
}

func (f *Factory) Client() *backend.Client { return f.client }

func (f *Factory) SnapshotsEnabled() bool { return f.sealer != nil && f.history != nil }

// New builds an engine for op that reports to notifier.
func (f *Factory) New(ctx context.Context, op operation.Operation, notifier notify.Notifier) (*Engine, error) {
	source, err := f.source(ctx, op)
	if err != nil {
		return nil, err
	}
	opts := Options{
		UserID: f.cfg.API.UserID,
		Verify: verify.Options{BatchSize: f.cfg.Verify.BatchSize, Concurrency: f.cfg.Verify.Concurrency},
		Delay:  f.cfg.Dispatch.Delay,
		Stream: stream.Options{Reconnect: f.cfg.Stream.Reconnect, Idle: f.cfg.Stream.Idle},
	}
	deps := Deps{
		Backend:  f.client,
		Resolver: f.resolver,
		Source:   source,
		Notifier: notifier,
		Logger:   logging.Component(f.logger, "engine"),
		Metrics:  f.metrics,
	}
	if f.history != nil {
		deps.History = f.history
	}
	if f.sealer != nil {
		deps.Sealer = f.sealer
	}
	return New(op, opts, deps), nil
}

func (f *Factory) source(ctx context.Context, op operation.Operation) (stream.Source, error) {
	if f.cfg.Stream.Transport != "redis" {
		return stream.NewSSESource(f.client, op.Endpoints.Stream, logging.Component(f.logger, "stream")), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if src, ok := f.redis[op.Stream.RedisDB]; ok {
		return src, nil
	}
	src, err := stream.NewRedisSource(ctx, f.cfg.Stream.RedisURL, op.Stream.RedisDB, logging.Component(f.logger, "stream"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.ID, err)
	}
	f.redis[op.Stream.RedisDB] = src
	return src, nil
}

// Close releases Redis connections. Engines must be closed first.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for db, src := range f.redis {
		src.Close()
		delete(f.redis, db)
	}
	f.client.CloseIdleConnections()
	return nil
}
