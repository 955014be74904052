package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/events"
	"github.com/ternarybob/sitevault/internal/handlers"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/objectstore"
	"github.com/ternarybob/sitevault/internal/queue"
	"github.com/ternarybob/sitevault/internal/services/jobs"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// App wires the storage, queue, event bus and worker together and owns
// their lifecycles
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store   interfaces.Store
	Queue   interfaces.Queue
	Bus     interfaces.EventBus
	Objects interfaces.ObjectStore
	Manager *jobs.Manager

	CrawlHandler *handlers.CrawlHandler
	SSEHandler   *handlers.SSECrawlHandler
	WSHandler    *handlers.WSCrawlHandler
	APIHandler   *handlers.APIHandler

	redis *redis.Client

	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// New initializes every dependency. Fails fast: a worker without its
// database, Redis or object storage is useless.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	store, err := postgres.New(ctx, config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.Store = store
	logger.Info().Str("dsn", config.Database.DSN).Msg("Database connected")

	a.redis = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Redis.Addr, err)
	}
	a.Queue = queue.NewRedisQueue(a.redis)
	a.Bus = events.NewRedisBus(a.redis)
	logger.Info().Str("addr", config.Redis.Addr).Msg("Redis connected")

	objects, err := objectstore.New(ctx, config.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}
	a.Objects = objects
	logger.Info().Str("provider", config.Storage.Provider).Msg("Object storage ready")

	a.Manager = jobs.NewManager(config, a.Store, a.Queue, a.Bus, a.Objects)

	a.CrawlHandler = handlers.NewCrawlHandler(a.Store, a.Queue)
	a.SSEHandler = handlers.NewSSECrawlHandler(a.Store, a.Bus)
	a.WSHandler = handlers.NewWSCrawlHandler(a.Store, a.Bus)
	a.APIHandler = handlers.NewAPIHandler(a.Store)

	return a, nil
}

// StartWorkers launches the crawl workers and the orphan reconciler
func (a *App) StartWorkers(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerCancel = cancel
	a.workerDone = make(chan struct{})

	go func() {
		defer close(a.workerDone)
		if err := a.Manager.Run(workerCtx); err != nil {
			a.Logger.Error().Err(err).Msg("Worker manager stopped with error")
		}
	}()
}

// StopWorkers stops leasing and waits for in-flight crawls to reach a
// persistence point
func (a *App) StopWorkers() {
	if a.workerCancel == nil {
		return
	}
	a.Logger.Info().Msg("Stopping crawl workers...")
	a.workerCancel()
	<-a.workerDone
	a.Logger.Info().Msg("Crawl workers stopped")
}

// Close releases all connections
func (a *App) Close() {
	a.StopWorkers()

	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event bus close failed")
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Queue close failed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Database close failed")
		}
	}
}
