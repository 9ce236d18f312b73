package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/shahrin-2002/CSE471/internal/api"
	"github.com/shahrin-2002/CSE471/internal/booking"
	"github.com/shahrin-2002/CSE471/internal/config"
	"github.com/shahrin-2002/CSE471/internal/db"
	redisclient "github.com/shahrin-2002/CSE471/internal/redis"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store_driver", cfg.StoreDriver),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store booking.Store
		deps  []api.Dependency
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			log.Fatal("postgres connection error", zap.Error(err))
		}
		defer pgPool.Close()
		log.Info("connected to Postgres")

		store = booking.NewPgStore(pgPool)
		deps = append(deps, api.Dependency{Name: "postgres", Ping: pgPool.Ping})

	case config.DriverMongo:
		mongoCtx, cancelMongo := context.WithTimeout(rootCtx, 10*time.Second)
		client, err := db.ConnectMongo(mongoCtx, cfg.MongoURI)
		cancelMongo()
		if err != nil {
			log.Fatal("mongo connection error", zap.Error(err))
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		log.Info("connected to Mongo")

		mongoStore := booking.NewMongoStore(client, cfg.MongoDB)
		if err := mongoStore.EnsureIndexes(rootCtx); err != nil {
			log.Fatal("mongo index error", zap.Error(err))
		}
		store = mongoStore
		deps = append(deps, api.Dependency{Name: "mongo", Ping: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}})

	case config.DriverMemory:
		store = booking.NewMemoryStore()
		log.Info("running with in-memory store")
	}

	var locker booking.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")

		locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
		deps = append(deps, api.Dependency{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		locker = booking.NewMemoryLocker()
		log.Info("running with in-process slot locking")
	}

	engine := booking.NewEngine(store, locker, log, booking.EngineConfig{
		DefaultSlotCapacity: cfg.DefaultSlotCapacity,
		MaxRetries:          cfg.BookingMaxRetries,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:            engine,
		Log:                log,
		JWTSecret:          cfg.JWTSecret,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Dependencies:       deps,
		Env:                cfg.Env,
		Version:            version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}
