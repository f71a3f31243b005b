package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/logging"
	"kasirinaja/ledger/internal/metrics"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store/file"
	"kasirinaja/ledger/internal/syncer"
	"kasirinaja/ledger/internal/syncq"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:   "pos",
		Short: "offline-first point of sale ledger",
		Long: fmt.Sprintf(`pos (%s)

Keeps the till's ledger on local disk and syncs it with the back office
whenever a connection is available. Every flag can also be set as POS_<FLAG>
(e.g. POS_DATA_DIR=/var/lib/pos).`, version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().String("data-dir", "./data", "directory holding the collection files")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("environment", "production", "production or development")
	root.PersistentFlags().Duration("http-timeout", 15*time.Second, "timeout for calls to the remote authority")
	root.PersistentFlags().String("back-office-url", "", "fallback back-office URL when the business settings leave it blank")
	root.PersistentFlags().String("back-office-api-key", "", "fallback back-office API key")

	root.AddCommand(
		newServeCmd(v, fs),
		newArchiveCmd(v, fs),
		newSyncCmd(v, fs),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "pos %s\n", version)
			},
		},
	)
	return root
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Load(v)
	if err := validateConfig(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg config.Config) error {
	var errs []error
	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, errors.New("data-dir must be set"))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", cfg.Port))
	}
	if cfg.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync-interval must be positive, got %s", cfg.SyncInterval))
	}
	if cfg.SnapshotCacheTTL < 0 {
		errs = append(errs, errors.New("snapshot-cache-ttl must not be negative"))
	}
	if cfg.RedisDB < 0 {
		errs = append(errs, errors.New("redis-db must not be negative"))
	}
	return errors.Join(errs...)
}

// app is everything one process needs, wired once.
type app struct {
	cfg     config.Config
	fs      afero.Fs
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   *syncq.Queue
	ledger  *service.Service
	closers []func() error
}

func buildApp(ctx context.Context, cfg config.Config, fs afero.Fs) (*app, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	m := metrics.New()

	records, err := file.Open(ctx, fs, cfg.DataDir, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}

	queue := syncq.New(syncq.WithDepthObserver(m.SetQueueDepth))
	ledger := service.New(records, queue,
		service.WithLogger(logger.Named("ledger")),
		service.WithMetrics(m),
		service.WithPrinter(service.LogPrinter{Logger: logger.Named("printer")}),
	)
	if err := ledger.Load(ctx); err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		fs:      fs,
		logger:  logger,
		metrics: m,
		queue:   queue,
		ledger:  ledger,
		closers: []func() error{func() error { _ = logger.Sync(); return nil }},
	}, nil
}

func (a *app) syncEngine(ledger syncer.Ledger, dialer syncer.Dialer) *syncer.Engine {
	engine := syncer.New(ledger, a.queue, syncer.Options{
		Interval:         a.cfg.SyncInterval,
		HTTPTimeout:      a.cfg.HTTPTimeout,
		BackOfficeURL:    a.cfg.BackOfficeURL,
		BackOfficeAPIKey: a.cfg.BackOfficeAPIKey,
		Dialer:           dialer,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
	a.onClose(func() error {
		engine.Close()
		return nil
	})
	return engine
}

func (a *app) onClose(fn func() error) {
	a.closers = append([]func() error{fn}, a.closers...)
}

func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
