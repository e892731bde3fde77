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
	"github.com/hubot-paas/orchestrator/internal/lock"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	"github.com/hubot-paas/orchestrator/internal/queue"
	"github.com/hubot-paas/orchestrator/internal/queue/tasks"
	"github.com/hubot-paas/orchestrator/internal/repository"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	"github.com/hubot-paas/orchestrator/internal/services"
	"github.com/hubot-paas/orchestrator/internal/storage"
)

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
	backend, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to build storage backend", zap.Error(err))
	}

	addonRepo := repository.NewAddonRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	releaseRepo := repository.NewReleaseRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	client := asynq.NewClient(database.AsynqRedis(cfg))
	defer client.Close()
	enqueuer := queue.NewEnqueuer(client)

	reconciler := provisioner.NewReconciler(marathon, compiler.NewCompiler(compiler.OptionsFromConfig(cfg)),
		addonRepo, releaseRepo, enqueuer, provisioner.OptionsFromConfig(cfg))
	volumes := provisioner.NewVolumeManager(backend, cfg.PollInterval)
	managers := services.Managers{
		Reconciler: reconciler,
		Volumes:    volumes,
		Snapshots:  provisioner.NewSnapshotManager(volumes, snapshotRepo),
	}

	locker := lock.NewRedis(rdb, cfg.LockTTL)
	opts := services.OptionsFromConfig(cfg)
	addonSvc := services.NewAddonService(addonRepo, projectRepo, snapshotRepo, managers, locker, enqueuer, opts)
	releaseSvc := services.NewReleaseService(releaseRepo, projectRepo, reconciler, locker, enqueuer, opts)

	srv := asynq.NewServer(database.AsynqRedis(cfg), asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		// a held resource lock only means the task waits its turn
		IsFailure: func(err error) bool { return !errors.Is(err, lock.ErrLocked) },
	})
	mux := asynq.NewServeMux()
	tasks.NewHandler(addonSvc, releaseSvc, enqueuer).Register(mux)

	planner := asynq.NewScheduler(database.AsynqRedis(cfg), &asynq.SchedulerOpts{Location: opts.Location})
	if _, err := planner.Register(cfg.BackupCron, asynq.NewTask(queue.TypeBackupPlan, nil)); err != nil {
		log.Fatal("invalid backup schedule", zap.String("cron", cfg.BackupCron), zap.Error(err))
	}

	health := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Dependencies{Checks: map[string]handlers.Check{
			"postgres": func(ctx context.Context) error { return database.Ping(ctx, db) },
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		log.Info("backup planner starting", zap.String("cron", cfg.BackupCron), zap.String("timezone", opts.Location.String()))
		if err := planner.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		planner.Shutdown()
		return nil
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
	g.Go(func() error {
		// work interrupted by the last shutdown
		n, err := addonSvc.Recover(gctx)
		if err != nil {
			log.Error("addon recovery failed", zap.Error(err))
		}
		m, err := releaseSvc.Recover(gctx)
		if err != nil {
			log.Error("release recovery failed", zap.Error(err))
		}
		log.Info("recovery pass done", zap.Int("addons", n), zap.Int("releases", m))
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}
