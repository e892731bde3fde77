package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hubot-paas/orchestrator/pkg/config"
	"github.com/hubot-paas/orchestrator/pkg/database"
	"github.com/hubot-paas/orchestrator/pkg/logger"

	"github.com/hubot-paas/orchestrator/internal/api"
	"github.com/hubot-paas/orchestrator/internal/api/handlers"
	"github.com/hubot-paas/orchestrator/internal/events"
	"github.com/hubot-paas/orchestrator/internal/queue"
	"github.com/hubot-paas/orchestrator/internal/repository"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
)

// monitor follows the scheduler's event feed and writes what it learns back
// onto addons and releases. Several monitors may run side by side; the
// quorum keeps them from double counting.
func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenPostgres(ctx, database.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	rdb, err := database.OpenRedis(ctx, database.RedisOptions(cfg), cfg.DBConnectTries)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	marathon, err := scheduler.NewMarathon(scheduler.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatal("invalid marathon configuration", zap.Error(err))
	}

	client := asynq.NewClient(database.AsynqRedis(cfg))
	defer client.Close()

	correlator := events.NewCorrelator(marathon,
		repository.NewAddonRepository(db),
		repository.NewReleaseRepository(db),
		events.NewRedisQuorum(rdb),
		queue.NewEnqueuer(client),
		events.Options{MinHealthCapacity: cfg.MinHealthCapacity, StatusTimeout: cfg.StatusTimeout},
	)
	stream := events.NewStream(marathon, correlator)

	health := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Dependencies{Checks: map[string]handlers.Check{
			"postgres": func(ctx context.Context) error { return database.Ping(ctx, db) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("following marathon events")
		return stream.Run(gctx)
	})
	g.Go(func() error {
		log.Info("health server listening", zap.String("addr", cfg.HTTPAddr))
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return health.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("monitor stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("monitor stopped")
}
