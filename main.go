package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trendlab/src/api"
	"trendlab/src/config"
	"trendlab/src/logger"
	"trendlab/src/schedule"
	"trendlab/src/storage"
	"trendlab/src/stream"
)

const (
	modeIndividual = "individual"
	modePortfolio  = "portfolio"
	modeServe      = "serve"
)

type options struct {
	configPath string
	mode       string
	dataDir    string
	stopMode   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("trendlab", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML 配置文件路径（为空时按默认顺序查找）")
	fs.StringVar(&o.mode, "mode", modeIndividual, "individual | portfolio | serve")
	fs.StringVar(&o.dataDir, "data", "", "行情 CSV 目录，覆盖 data.dir")
	fs.StringVar(&o.stopMode, "stop-mode", "", "止损模式，覆盖配置：TRAILING | FIXED | PREVIOUS_YEAR_LOW | NONE")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	switch o.mode {
	case modeIndividual, modePortfolio, modeServe:
	default:
		return o, fmt.Errorf("unknown mode %q", o.mode)
	}
	return o, nil
}

func loadConfig(o options) (*config.Config, error) {
	var paths []string
	if o.configPath != "" {
		paths = append(paths, o.configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.Data.Dir = o.dataDir
	}
	return cfg, nil
}

// ==================== Storage ====================

func openStorage(ctx context.Context, cfg config.StorageConfig) (*gorm.DB, *storage.Repository, error) {
	if !cfg.Enable {
		return nil, nil, nil
	}
	db, err := storage.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = storage.Close(db)
		return nil, nil, err
	}
	repo, err := storage.NewRepository(db)
	if err != nil {
		_ = storage.Close(db)
		return nil, nil, err
	}
	return db, repo, nil
}

// ==================== Modes ====================

func runOnce(ctx context.Context, runner *SweepRunner, kind, stopMode string) error {
	id, err := runner.Run(ctx, api.SweepRequest{Kind: kind, StopMode: stopMode})
	if err != nil {
		return err
	}
	runner.logger.Info("done", zap.String("sweep_id", id), zap.String("reports", runner.cfg.Output.Dir))
	return nil
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, repo *storage.Repository, o options) error {
	hub := stream.NewHub(log)
	defer hub.Close()

	var saver Saver
	health := &api.HealthHandler{}
	sweeps := &api.SweepHandler{Logger: log}
	if repo != nil {
		saver = repo
		health.DB = repo
		sweeps.Repo = repo
	}
	runner := NewSweepRunner(cfg, log, saver, hub, os.Stdout)
	runner.SetBaseContext(ctx)
	sweeps.Launcher = runner

	cron := schedule.New(log, ctx)
	if cfg.Server.Schedule != "" {
		kind := cfg.Server.Mode
		if _, err := cron.Add(cfg.Server.Schedule, "resweep-"+kind, func(ctx context.Context) error {
			_, err := runner.Run(ctx, api.SweepRequest{Kind: kind, StopMode: o.stopMode})
			if errors.Is(err, ErrSweepBusy) {
				return nil
			}
			return err
		}); err != nil {
			return fmt.Errorf("invalid server.schedule %q: %w", cfg.Server.Schedule, err)
		}
	}

	engine := api.NewRouter(cfg.App.Env, log, health, sweeps, &api.StreamHandler{Hub: hub})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	cron.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cron.Stop()
	runner.Wait()
	return serveErr
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("source", cfg.Source),
		zap.String("mode", o.mode),
		zap.String("data_dir", cfg.Data.Dir),
		zap.Bool("storage", cfg.Storage.Enable))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, repo, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if db != nil {
		defer func() { _ = storage.Close(db) }()
	}

	if o.mode == modeServe {
		return serve(ctx, cfg, log, repo, o)
	}

	var saver Saver
	if repo != nil {
		saver = repo
	}
	runner := NewSweepRunner(cfg, log, saver, nil, os.Stdout)
	return runOnce(ctx, runner, o.mode, o.stopMode)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "trendlab: %v\n", err)
		os.Exit(1)
	}
}
