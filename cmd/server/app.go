package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/config"
	"github.com/blueberrycongee/sicc/internal/database"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/hook"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/settings"
	"github.com/blueberrycongee/sicc/internal/snapshot"
	"github.com/blueberrycongee/sicc/internal/worker"
)

// app holds every long-lived dependency of a SICC process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis redis.UniversalClient

	agents    agent.Directory
	settings  *settings.Provider
	embedder  *embedding.Service
	memories  *memory.Service
	patterns  *behavior.Service
	analytics *analytics.Service
	pipeline  *learning.Pipeline
	snapshots *snapshot.Service

	claims      idempotency.Store
	broker      broker.Broker
	deadLetters broker.DeadLetterQueue
}

type stores struct {
	memories  memory.Store
	patterns  behavior.Store
	logs      learning.Store
	snapshots snapshot.Store
	metrics   analytics.Store
	settings  settings.Store
}

// newApp connects the configured backends and builds the services. The
// in-memory backends are used when the database or Redis is not configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		return nil, err
	}

	a.embedder, err = embedding.NewFromConfig(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("init embedding: %w", err)
	}
	a.settings = settings.NewProvider(st.settings, cfg.Defaults)
	a.memories = memory.NewService(st.memories, a.agents, a.embedder, logger)
	a.patterns = behavior.NewService(st.patterns, a.agents, logger)
	a.analytics = analytics.NewService(st.metrics, a.agents, logger)

	consolidator := learning.NewConsolidator(st.logs, a.memories, a.patterns, a.claims, a.analytics, logger)
	a.pipeline = learning.NewPipeline(st.logs, learning.NewHeuristicAnalyzer(), a.agents, a.settings, consolidator, logger)
	a.snapshots = snapshot.NewService(st.snapshots, a.memories, a.patterns, a.analytics, a.agents, a.settings, logger)

	if cfg.Archive.Enabled {
		archiver, err := snapshot.NewS3Archiver(ctx, snapshot.S3Config{
			Bucket:      cfg.Archive.Bucket,
			Region:      cfg.Archive.Region,
			AccessKeyID: cfg.Archive.AccessKeyID,
			SecretKey:   cfg.Archive.SecretKey,
			Endpoint:    cfg.Archive.Endpoint,
			PathPrefix:  cfg.Archive.PathPrefix,
			Compression: cfg.Archive.Compression,
		})
		if err != nil {
			return nil, fmt.Errorf("init snapshot archive: %w", err)
		}
		a.snapshots.SetArchiver(archiver)
		logger.Info("snapshot archive enabled", "bucket", cfg.Archive.Bucket)
	}

	ok = true
	return a, nil
}

func (a *app) openStores(ctx context.Context) (stores, error) {
	if !a.cfg.Database.Enabled {
		a.logger.Info("using in-memory stores (for development only)", "agents", len(a.cfg.Agents))
		a.agents = agent.NewMemoryDirectory(a.cfg.Agents...)
		return stores{
			memories:  memory.NewMemoryStore(),
			patterns:  behavior.NewMemoryStore(),
			logs:      learning.NewMemoryStore(),
			snapshots: snapshot.NewMemoryStore(),
			metrics:   analytics.NewMemoryStore(),
			settings:  settings.NewMemoryStore(),
		}, nil
	}

	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return stores{}, err
	}
	a.db = db
	if a.cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, a.cfg.Embedding.Dimension); err != nil {
			return stores{}, err
		}
	}
	a.logger.Info("using postgres stores",
		"host", a.cfg.Database.Host,
		"database", a.cfg.Database.Database,
	)
	a.agents = agent.NewPostgresDirectory(db)
	return stores{
		memories:  memory.NewPostgresStore(db),
		patterns:  behavior.NewPostgresStore(db),
		logs:      learning.NewPostgresStore(db),
		snapshots: snapshot.NewPostgresStore(db),
		metrics:   analytics.NewPostgresStore(db),
		settings:  settings.NewPostgresStore(db),
	}, nil
}

func (a *app) openRedis(ctx context.Context) error {
	prefix := a.cfg.Redis.KeyPrefix
	if a.cfg.Redis.Addr == "" {
		a.claims = idempotency.NewMemoryStore()
		a.deadLetters = broker.NewMemoryDeadLetterQueue(a.cfg.Broker.DeadLetterMax)
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.redis = client
	a.claims = idempotency.NewRedisStore(client, prefix)
	a.deadLetters = broker.NewRedisDeadLetterQueue(client, prefix+"dead_letters", a.cfg.Broker.DeadLetterMax)
	a.logger.Info("using redis for claims and dead letters", "addr", a.cfg.Redis.Addr)
	return nil
}

func (a *app) openBroker() error {
	switch strings.ToLower(a.cfg.Broker.Type) {
	case "kafka":
		b, err := broker.NewKafkaBroker(a.cfg.Broker.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka broker: %w", err)
		}
		a.broker = b
		a.logger.Info("using kafka task broker", "brokers", a.cfg.Broker.Kafka.Brokers, "topic", a.cfg.Broker.Kafka.Topic)
	default:
		a.broker = broker.NewMemoryBroker()
	}
	return nil
}

// newHook builds the learning hook. Events are analyzed in process unless
// the broker is configured to carry them to dedicated workers.
func (a *app) newHook() *hook.Hook {
	var processor hook.Processor = a.pipeline
	if a.cfg.Broker.RouteHookEvents {
		processor = worker.BrokerProcessor{Broker: a.broker}
	}
	return hook.New(a.cfg.Hook, processor, worker.EventSpiller{Broker: a.broker}, a.logger)
}

// bindReload applies the hot-reloadable parts of a new configuration.
func bindReload(m *config.Manager, a *app, h *hook.Hook) {
	m.OnChange(func(cfg *config.Config) {
		if cfg.Hook.Enabled {
			h.Enable()
		} else {
			h.Disable()
		}
		a.settings.SetDefaults(cfg.Defaults)
		a.logger.Info("configuration reloaded",
			"hook_enabled", cfg.Hook.Enabled,
			"embedding_model", cfg.Defaults.EmbeddingModel,
		)
	})
}

// inProcessBroker reports whether tasks can only be consumed by this process.
func (a *app) inProcessBroker() bool {
	_, ok := a.broker.(*broker.MemoryBroker)
	return ok
}

// Close releases every backend that was opened.
func (a *app) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
