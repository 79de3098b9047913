package main

import (
	"context"
	"fmt"
	"time"

	"orderwizard/internal/api"
	"orderwizard/internal/auth"
	"orderwizard/internal/collab"
	"orderwizard/internal/config"
	"orderwizard/internal/db"
	"orderwizard/internal/jobs"
	"orderwizard/internal/pubsub"
	"orderwizard/internal/schema"
	"orderwizard/internal/service"
	"orderwizard/internal/storage"
	"orderwizard/internal/store"
	"orderwizard/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// app is the wired object graph shared by every command
type app struct {
	cfg *config.Config
	log *zap.Logger

	pool *db.Pool
	rdb  *redis.Client

	store     store.Store
	bus       *pubsub.Bus
	hub       *ws.Hub
	wizards   *service.WizardService
	lifecycle *service.LifecycleService
	customers service.CustomerDirectory
	catalog   *collab.Catalog
	photos    *collab.PhotoStore
	auth      *auth.JWTConfig

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var receipts service.ReceiptNumbering
	switch cfg.Database.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = store.NewPostgresStore(pool, log)
		a.customers = collab.NewPostgresCustomers(pool.Queries)
		receipts = collab.NewPostgresReceipts(pool.Queries)
	default:
		log.Warn("Using the in-memory session store; sessions are lost on restart")
		a.store = store.NewMemoryStore()
		a.customers = collab.NewMemoryCustomers()
		receipts = collab.NewMemoryReceipts()
	}

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		a.closers = append(a.closers, func() { a.rdb.Close() })
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	a.bus = pubsub.New(a.rdb, log)
	if streams := a.bus.GetStreams(); streams != nil {
		streams.SetRetention(cfg.Redis.StreamRetention)
	}

	catalog, err := collab.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	local, err := storage.NewLocalStorage(cfg.Storage.BaseDir, cfg.Storage.BaseURL)
	if err != nil {
		return nil, err
	}
	a.photos = collab.NewPhotoStore(local, cfg.Storage.Photos, log)

	registry, err := schema.NewWizardRegistry(schema.NewCompilerWithCache(64))
	if err != nil {
		return nil, fmt.Errorf("failed to build schema registry: %w", err)
	}

	a.wizards, err = service.NewWizardService(service.Dependencies{
		Store:     a.store,
		Registry:  registry,
		Customers: a.customers,
		Catalog:   collab.NewCachedCatalog(catalog, cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL),
		Receipts:  receipts,
		Bus:       a.bus,
		Log:       log,
	}, service.Options{
		SessionTTL:   cfg.Wizard.SessionTTL,
		GuardTimeout: cfg.Wizard.GuardTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.lifecycle = service.NewLifecycleService(a.store, a.bus, cfg.Wizard.Retention, log)
	a.auth = auth.NewJWTConfig(cfg.Auth.JWTSecret, cfg.Auth.AllowOperatorHeader)

	ok = true
	return a, nil
}

// startHub wires the websocket hub to the bus and runs it until ctx is done
func (a *app) startHub(ctx context.Context) {
	a.hub = ws.NewHub(a.log)
	if streams := a.bus.GetStreams(); streams != nil {
		a.hub.SetStreamsProvider(&wsStreamsAdapter{streams: streams})
	}
	a.hub.SetCommandHandler(ws.NewCommandHandler(a.wizards, a.log))
	a.bus.SetWSHub(a.hub)
	go a.hub.Run(ctx)
}

// startHousekeeping runs sweep and purge on asynq when Redis is available,
// otherwise on the in-process cron sweeper
func (a *app) startHousekeeping() error {
	schedule := jobs.Schedule{
		SweepInterval: a.cfg.Wizard.SweepInterval,
		PurgeInterval: a.cfg.Wizard.PurgeInterval,
	}
	if a.cfg.Redis.Enabled {
		jobServer, client := jobs.NewJobServer(a.cfg.Redis.Addr, a.lifecycle, schedule, a.log)
		if err := jobServer.Start(); err != nil {
			jobServer.Stop()
			return fmt.Errorf("failed to start job server: %w", err)
		}
		a.closers = append(a.closers, jobServer.Stop)
		jobClient := service.NewAsynqJobClient(client)
		a.wizards.SetJobClient(jobClient)
		a.lifecycle.SetJobClient(jobClient)
		return nil
	}

	sweeper, err := service.NewSweeper(a.lifecycle, schedule.SweepInterval, schedule.PurgeInterval, a.log)
	if err != nil {
		return err
	}
	sweeper.Start()
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sweeper.Stop(ctx)
	})
	return nil
}

func (a *app) routes() api.Dependencies {
	return api.Dependencies{
		Wizards:        a.wizards,
		Lifecycle:      a.lifecycle,
		Customers:      a.customers,
		Photos:         a.photos,
		Catalog:        a.catalog,
		Hub:            a.hub,
		Auth:           a.auth,
		Log:            a.log,
		MaxUploadBytes: a.cfg.MaxUploadBytes(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}
}

// ready reports whether the backing services answer
func (a *app) ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// wsStreamsAdapter adapts pubsub.Streams to ws.StreamsProvider
type wsStreamsAdapter struct {
	streams *pubsub.Streams
}

func (a *wsStreamsAdapter) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	return a.streams.GetLastSequence(ctx, channel, connectionID)
}

func (a *wsStreamsAdapter) AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error {
	return a.streams.AcknowledgeSequence(ctx, channel, connectionID, sequence)
}

func (a *wsStreamsAdapter) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	events, err := a.streams.ReplayEvents(ctx, channel, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	wsEvents := make([]ws.StreamEvent, len(events))
	for i, e := range events {
		wsEvents[i] = ws.StreamEvent{
			Channel:   e.Channel,
			Sequence:  e.Sequence,
			Event:     e.Event,
			Timestamp: e.Timestamp,
		}
	}
	return wsEvents, nil
}
