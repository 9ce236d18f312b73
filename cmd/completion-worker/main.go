package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shahrin-2002/CSE471/internal/booking"
	"github.com/shahrin-2002/CSE471/internal/config"
	"github.com/shahrin-2002/CSE471/internal/db"
)

// The completion worker sweeps seated appointments whose slot date has
// passed and marks them completed. It runs on a cron schedule plus once at
// startup so a restarted worker catches up immediately.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	log.Info("completion-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("schedule", cfg.WorkerSchedule),
		zap.String("store_driver", cfg.StoreDriver),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store booking.Store

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

	case config.DriverMongo:
		mongoCtx, cancelMongo := context.WithTimeout(rootCtx, 10*time.Second)
		client, err := db.ConnectMongo(mongoCtx, cfg.MongoURI)
		cancelMongo()
		if err != nil {
			log.Fatal("mongo connection error", zap.Error(err))
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		log.Info("connected to Mongo")
		store = booking.NewMongoStore(client, cfg.MongoDB)

	default:
		log.Fatal("completion worker needs a durable store", zap.String("store_driver", cfg.StoreDriver))
	}

	engine := booking.NewEngine(store, booking.NewMemoryLocker(), log, booking.EngineConfig{
		DefaultSlotCapacity: cfg.DefaultSlotCapacity,
		MaxRetries:          cfg.BookingMaxRetries,
	})

	runOnce(rootCtx, engine, log)

	c := cron.New()
	if _, err := c.AddFunc(cfg.WorkerSchedule, func() {
		runOnce(rootCtx, engine, log)
	}); err != nil {
		log.Fatal("invalid WORKER_SCHEDULE", zap.Error(err))
	}
	c.Start()

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping completion worker")

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("completion run still in flight at shutdown")
	}
}

func runOnce(ctx context.Context, engine *booking.Engine, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	n, err := engine.CompletePastAppointments(runCtx, time.Now())
	if err != nil {
		log.Error("completion run error", zap.Error(err))
		return
	}
	log.Info("completion run finished",
		zap.Int("completed", n),
		zap.Duration("took", time.Since(start)),
	)
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
