package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hubot-paas/orchestrator/pkg/config"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// Options controls how a connection is opened.
type Options struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	ConnectTries  int
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
}

// OptionsFromConfig derives connection options from the loaded configuration.
func OptionsFromConfig(c *config.Config) Options {
	lvl := gormlogger.Silent
	if c.AppEnv == "development" || c.AppEnv == "test" {
		lvl = gormlogger.Warn
	}
	return Options{
		DSN:           c.DatabaseURL,
		MaxOpenConns:  c.DBMaxOpenConns,
		MaxIdleConns:  c.DBMaxIdleConns,
		ConnectTries:  c.DBConnectTries,
		SlowThreshold: c.DBSlowThreshold,
		LogLevel:      lvl,
	}
}

// OpenPostgres opens a Gorm PostgreSQL connection with retry and pooling.
func OpenPostgres(ctx context.Context, opts Options) (*gorm.DB, error) {
	if opts.ConnectTries < 1 {
		opts.ConnectTries = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.ConnectTries-1)), ctx)

	var db *gorm.DB
	open := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
			Logger:         gormLogger{zap: logger.Named("gorm"), level: opts.LogLevel, slow: opts.SlowThreshold},
			TranslateError: true,
		})
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.L().Warn("postgres not ready, retrying", zap.Duration("in", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(open, policy, notify); err != nil {
		return nil, fmt.Errorf("open postgres failed after retries: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db db() error: %w", err)
	}

	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := Ping(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// Ping checks the connection with a short deadline. Used by readiness probes.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db db() error: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctxPing); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

type gormLogger struct {
	zap   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func (l gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface { l.level = level; return l }
func (l gormLogger) Info(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.zap.Sugar().Infof(s, args...)
	}
}
func (l gormLogger) Warn(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.zap.Sugar().Warnf(s, args...)
	}
}
func (l gormLogger) Error(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.zap.Sugar().Errorf(s, args...)
	}
}
func (l gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == gormlogger.Silent {
		return
	}
	sql, rows := fc()
	dur := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.zap.Error("gorm query error", zap.Duration("duration", dur), zap.Int64("rows", rows), zap.String("sql", sql), zap.Error(err))
	case l.slow > 0 && dur > l.slow:
		l.zap.Warn("gorm slow query", zap.Duration("duration", dur), zap.Int64("rows", rows), zap.String("sql", sql))
	default:
		l.zap.Debug("gorm query", zap.Duration("duration", dur), zap.Int64("rows", rows), zap.String("sql", sql))
	}
}
