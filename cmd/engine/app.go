package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"mlm-engine/internal/config"
	"mlm-engine/internal/database"
	"mlm-engine/internal/httpapi"
	"mlm-engine/internal/ledger"
	"mlm-engine/internal/lock"
	"mlm-engine/internal/notify"
	"mlm-engine/internal/scheduler"
	"mlm-engine/internal/tier"
	"mlm-engine/internal/utils"
	"mlm-engine/internal/worker"
)

const lockPrefix = "mlm-engine:lock:"

// app wires the engine's dependencies for one process.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	rdb    *redis.Client
	runner *scheduler.Runner

	returns *worker.DailyReturns
	levels  *worker.LevelUpdater
	audit   *worker.Auditor
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tiers := tier.Default()
	if cfg.TiersFile != "" {
		if tiers, err = tier.Load(cfg.TiersFile); err != nil {
			return nil, err
		}
		log.Info("Loaded tier table", zap.String("file", cfg.TiersFile), zap.Int("tiers", len(tiers)))
	}

	db, err := database.ConnectPostgres(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}

	var locker lock.Locker
	if cfg.RedisHost == "" {
		log.Warn("REDIS_HOST is empty, job locks only cover this process")
		locker = lock.NewLocalLocker()
	} else {
		if a.rdb, err = database.ConnectRedis(ctx, cfg, log); err != nil {
			a.Close()
			return nil, err
		}
		locker = lock.NewRedisLocker(a.rdb, lockPrefix)
	}

	reporter, err := notify.NewTelegramReporter(cfg.BotToken, cfg.OpsChatID, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := ledger.NewGormStore(db)
	sink := notify.NewStoreSink(store, log)
	a.runner = scheduler.NewRunner(locker, reporter, log, cfg.JobTimeout, cfg.JobLockTTL)

	a.returns = worker.NewDailyReturns(store, sink, log, loc, cfg.Workers)
	a.returns.Currency = cfg.Currency
	a.levels = worker.NewLevelUpdater(store, sink, log, tiers, cfg.Workers)
	a.audit = worker.NewAuditor(store, log)
	return a, nil
}

func (a *app) jobs() []worker.Job {
	return []worker.Job{a.returns, a.levels, a.audit}
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("Failed to close redis", zap.Error(err))
		}
	}
	closeDB(a.db, a.log)
}

func closeDB(db *gorm.DB, log *zap.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("Failed to close database", zap.Error(err))
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := database.ConnectPostgres(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.Info("Database migrated")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	allowed, err := utils.ParseCIDRs(cfg.AllowedCIDRs)
	if err != nil {
		return fmt.Errorf("TRIGGER_ALLOWED_CIDRS: %w", err)
	}
	if cfg.TriggerToken == "" {
		logger.Warn("TRIGGER_TOKEN is empty, HTTP triggers rely on the CIDR allow-list alone")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, _ := cfg.Location()
	sched := scheduler.New(a.runner, loc, logger)
	if err := sched.Add(cfg.ReturnsCron, a.returns); err != nil {
		return err
	}
	if err := sched.Add(cfg.LevelsCron, a.levels); err != nil {
		return err
	}

	srv := httpapi.NewServer(a.runner, a.jobs(), cfg.TriggerToken, allowed, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		<-sched.Stop().Done()
		logger.Info("Scheduler stopped")
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.HTTPAddr)
	})

	logger.Info("Engine started",
		zap.String("returns_cron", cfg.ReturnsCron),
		zap.String("levels_cron", cfg.LevelsCron),
		zap.String("timezone", cfg.Timezone))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
