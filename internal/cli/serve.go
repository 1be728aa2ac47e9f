package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qualgent/qgjob/internal/config"
	"github.com/qualgent/qgjob/internal/metrics"
	"github.com/qualgent/qgjob/internal/scheduler"
	"github.com/qualgent/qgjob/internal/server"
	"github.com/qualgent/qgjob/internal/store"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd(app *App) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a qgjob.yaml config file")
	return cmd
}

func (a *App) runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	collector := metrics.NewCollector()
	sched := scheduler.New(st, scheduler.Config{
		Interval:        cfg.ScheduleInterval(),
		WorkerTimeout:   cfg.WorkerTimeout(),
		MaxRetries:      cfg.MaxRetries,
		Retention:       cfg.Retention(),
		CleanupSchedule: cfg.CleanupSchedule,
	}, collector, log)

	srv := server.New(cfg.Addr(), st, sched, collector, log, a.version)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := srv.Start(); err != nil {
		sched.Stop()
		return fmt.Errorf("start server: %w", err)
	}

	log.Info("qgjob server started",
		zap.String("addr", srv.Addr()),
		zap.String("storage", st.Name()),
		zap.String("environment", cfg.Environment),
		zap.String("version", a.version))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	return nil
}

// openStore picks the backend. Redis takes precedence when enabled but
// falls back to the in-memory store if unreachable at startup, so a
// development box without Redis still comes up.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) store.Store {
	switch {
	case cfg.UseRedis:
		st, err := store.NewRedis(ctx, cfg.RedisURL, log)
		if err == nil {
			log.Info("using redis store", zap.String("url", cfg.RedisURL))
			return st
		}
		log.Warn("redis unreachable, falling back to in-memory store", zap.Error(err))
	case cfg.UseSQLite:
		st, err := store.NewSQLite(cfg.SQLitePath)
		if err == nil {
			log.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
			return st
		}
		log.Warn("sqlite unavailable, falling back to in-memory store", zap.Error(err))
	}
	log.Info("using in-memory store")
	return store.NewMemory()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Debug || cfg.Environment == config.EnvDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
