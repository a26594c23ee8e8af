package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/opsquery/internal/application/controlloop"
	"github.com/aescanero/opsquery/internal/application/orchestrator"
	"github.com/aescanero/opsquery/internal/application/workers"
	"github.com/aescanero/opsquery/internal/config"
	"github.com/aescanero/opsquery/pkg/adapters/events"
	memoryevents "github.com/aescanero/opsquery/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/opsquery/pkg/adapters/events/redis"
	"github.com/aescanero/opsquery/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/opsquery/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/opsquery/pkg/adapters/storage/redis"
	"github.com/aescanero/opsquery/pkg/adapters/tools"
	"github.com/aescanero/opsquery/pkg/adapters/tools/cypher"
	"github.com/aescanero/opsquery/pkg/adapters/tools/sqlhistory"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired components shared by the serve and run commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *promclient.Registry
	executor *workers.ParallelExecutor
	health   *workers.HealthMonitor
	sessions *controlloop.Registry
	store    ports.TraceStore
	bus      ports.EventBus
	manager  *orchestrator.Manager

	closers []func() error
}

// newApp wires every component from cfg. Redis is only dialled when a
// redis backend is selected.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: promclient.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prometheus.NewCollector(a.registry)

	var redisClient *goredis.Client
	if cfg.TraceStore == config.BackendRedis || cfg.EventBus == config.BackendRedis {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		a.closers = append(a.closers, redisClient.Close)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.TraceStore == config.BackendRedis {
		a.store = redisstorage.NewTraceStore(redisClient, cfg.Redis.TraceTTL, logger)
	} else {
		a.store = memorystorage.NewTraceStore()
	}

	// local subscribers always read from the in-process bus
	local := memoryevents.NewInMemoryEventBus(logger)
	a.bus = local
	if cfg.EventBus == config.BackendRedis {
		streams, err := redisevents.NewStreamsEventBus(redisClient, cfg.Redis.ConsumerGroup, cfg.Redis.ConsumerName, cfg.Redis.StreamMaxLen, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		a.bus = events.NewMultiBus(local, streams)
	}
	a.closers = append(a.closers, a.bus.Close)

	toolRegistry, err := a.buildTools(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.executor = workers.NewParallelExecutor(toolRegistry, cfg.WorkerConfig(), metrics, logger)
	a.health = workers.NewHealthMonitor(a.executor, cfg.Executor.HealthCheckInterval, metrics, logger)

	a.sessions, err = controlloop.NewRegistry(cfg.Policy(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	factory := orchestrator.NewFactory(a.executor, cfg.BudgetAllowances(), a.sessions, logger,
		orchestrator.WithSink(events.NewPublishingSink(a.store, a.bus)),
		orchestrator.WithMetrics(metrics),
	)
	a.manager = orchestrator.NewManager(factory, a.store, a.bus, logger)

	return a, nil
}

// buildTools registers the echo tool and every configured backend
func (a *app) buildTools(ctx context.Context) (*tools.Registry, error) {
	registry := tools.NewRegistry(a.logger)
	registry.Register("echo", tools.Echo())

	if a.cfg.Neo4j.URI != "" {
		runner, err := cypher.NewNeo4jRunner(cypher.Config{
			URI:      a.cfg.Neo4j.URI,
			Username: a.cfg.Neo4j.User,
			Password: a.cfg.Neo4j.Password,
			Database: a.cfg.Neo4j.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create graph driver: %w", err)
		}
		a.closers = append(a.closers, func() error { return runner.Close(context.Background()) })

		if err := runner.Ping(ctx); err != nil {
			a.logger.Warn("graph database unavailable, graph calls will fail", zap.Error(err))
		}

		graph := cypher.NewGraphTool(runner, 3, a.logger)
		registry.Register("cypher", graph)
		registry.Register(domain.ToolGraph, graph)
	}

	if a.cfg.HistoryDBPath != "" {
		history, err := sqlhistory.Open(a.cfg.HistoryDBPath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		a.closers = append(a.closers, history.Close)

		registry.Register("sqlhistory", history)
		registry.Register(domain.ToolHistory, history)
	}

	return registry, nil
}

// Close releases every resource in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
