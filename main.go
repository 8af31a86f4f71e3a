package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"loadengine/internal/calendar"
	"loadengine/internal/config"
	"loadengine/internal/lock"
	"loadengine/internal/logging"
	"loadengine/internal/service"
	"loadengine/internal/store"
	"loadengine/internal/telemetry"
)

var configPath string

// rootCmd is the base command for the loadengine CLI
var rootCmd = &cobra.Command{
	Use:   "loadengine",
	Short: "Training load metrics engine",
	Long: `loadengine turns exercise activities into daily acute:chronic load ratios.
External load is equivalent distance, internal load is a heart rate impulse.
Configuration changes are recalculated in resumable background jobs and
swapped in atomically.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.loadengine/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the services every command works with
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *store.Store
	metrics *telemetry.Metrics
	redis   *redis.Client

	refresher *service.Refresher
	ingest    *service.IngestService
	configs   *service.ConfigService
	engine    *service.Engine
	query     *service.QueryService
}

// loadConfig reads the config file, creating the example on first run
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, config.ErrNoConfig) {
		if err := config.CreateExample(configPath); err != nil {
			return nil, fmt.Errorf("creating example config: %w", err)
		}
		fmt.Fprintln(os.Stderr, "No config file found. Created one with default settings.")
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// openApp wires the store, lock backend and services from the config file
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: telemetry.New(),
	}

	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "redis":
		a.redis, err = lock.DialRedis(ctx, cfg.Lock.RedisAddr)
		if err != nil {
			st.Close()
			return nil, err
		}
		locker = lock.NewRedisLocker(a.redis, cfg.Lock.TTL, logger)
	default:
		locker = lock.NewMemoryLocker()
	}

	deps := service.Deps{
		Store:   st,
		Locker:  locker,
		Metrics: a.metrics,
		Logger:  logger,
		Today:   calendar.Today,
	}
	a.refresher = service.NewRefresher(deps)
	a.ingest = service.NewIngestService(deps, a.refresher, cfg.Defaults)
	a.configs = service.NewConfigService(deps, cfg.Defaults)
	a.engine = service.NewEngine(deps, a.refresher, service.EngineOptions{
		BatchesPerSecond: cfg.Recalc.BatchesPerSecond,
		Parallelism:      cfg.Recalc.Parallelism,
		AutoRollback:     cfg.Recalc.ShouldAutoRollback(),
	})
	a.query = service.NewQueryService(st)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

// withApp runs fn with an opened app and closes it afterwards
func withApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}
