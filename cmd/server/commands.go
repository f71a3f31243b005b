package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/cache"
	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/httpapi"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
	"kasirinaja/ledger/internal/syncer"
)

const productImagesDir = "product-images"

func newServeCmd(v *viper.Viper, fs afero.Fs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and the background sync loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, fs)
		},
	}

	cmd.Flags().String("host", "0.0.0.0", "address the local API binds to")
	cmd.Flags().Int("port", 3000, "port of the local API")
	cmd.Flags().String("allowed-origin", "*", "CORS origin allowed to call the local API")
	cmd.Flags().Duration("sync-interval", 10*time.Second, "period of the background sync cycle")
	cmd.Flags().Int("pull-transaction-limit", 200, "most transactions returned by GET /api/sync")
	cmd.Flags().String("redis-addr", "", "redis address for the snapshot cache; empty disables it")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-db", 0, "redis database number")
	cmd.Flags().Duration("snapshot-cache-ttl", 30*time.Second, "lifetime of cached sync snapshots")
	cmd.Flags().Duration("session-ttl", 12*time.Hour, "lifetime of cashier session tokens")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, fs afero.Fs) error {
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a, err := buildApp(setupCtx, cfg, fs)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := a.syncEngine(a.ledger, syncer.DialByScheme)
	snapshots := a.snapshotCache(setupCtx)

	imagesDir := filepath.Join(cfg.DataDir, productImagesDir)
	if err := fs.MkdirAll(imagesDir, 0o755); err != nil {
		a.logger.Warn("product image directory unavailable", zap.Error(err))
	}

	auth := httpapi.NewAuthManager(a.ledger, cfg.SessionTTL)
	api := httpapi.New(a.ledger, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Port:          cfg.Port,
		SyncLimit:     cfg.PullTransactionLimit,
		Cache:         snapshots,
		CacheTTL:      cfg.SnapshotCacheTTL,
		Sync:          engine,
		Assets:        afero.NewHttpFs(afero.NewBasePathFs(fs, imagesDir)),
		Logger:        a.logger,
		Metrics:       a.metrics,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("local API listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		engine.Run(runCtx)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serverErr:
		if listenErr != nil {
			a.logger.Error("server error", zap.Error(listenErr))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown error", zap.Error(err))
	}
	stopRun()
	<-runDone

	a.logger.Info("server stopped", zap.Int("pending_operations", a.queue.Len()))
	return listenErr
}

// snapshotCache prefers redis and falls back to no caching when it is unset or down.
func (a *app) snapshotCache(ctx context.Context) cache.SnapshotCache {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("snapshot cache: noop")
		return cache.NoopSnapshotCache{}
	}
	redisCache := cache.NewRedisSnapshotCache(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		a.logger.Warn("redis unavailable, using noop cache", zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopSnapshotCache{}
	}
	a.onClose(redisCache.Close)
	a.logger.Info("snapshot cache: redis", zap.String("addr", a.cfg.RedisAddr))
	return redisCache
}

func newArchiveCmd(v *viper.Viper, fs afero.Fs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Fold old transactions into daily summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}

			a, err := buildApp(cmd.Context(), cfg, fs)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ledger.ArchiveOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d transactions older than %s into %d days\n",
				res.Archived, res.Cutoff.Format(time.DateOnly), len(res.Days))
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "keep transactions from the last N days live")
	return cmd
}

func newSyncCmd(v *viper.Viper, fs afero.Fs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "One-shot pushes and pulls against the remote authority",
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Push the full local state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := buildApp(cmd.Context(), cfg, fs)
			if err != nil {
				return err
			}
			defer a.Close()

			if dryRun {
				return dryRunPush(cmd, a)
			}
			if err := a.syncEngine(a.ledger, syncer.DialByScheme).PushFull(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pushed full state")
			return nil
		},
	}
	push.Flags().Bool("dry-run", false, "map the state into an in-memory document store and report counts")

	pull := &cobra.Command{
		Use:   "pull",
		Short: "Pull and merge the remote state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, fs)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.syncEngine(a.ledger, syncer.DialByScheme).Pull(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pulled remote state")
			return nil
		},
	}

	cmd.AddCommand(push, pull)
	return cmd
}

// offlineLedger points the engine at an in-process document store and hides
// every real remote, so a dry run never leaves the machine.
type offlineLedger struct {
	syncer.Ledger
}

func (l offlineLedger) BusinessConfig() domain.BusinessConfig {
	cfg := l.Ledger.BusinessConfig()
	cfg.APIURL, cfg.APIKey = "", ""
	cfg.BackOfficeURL, cfg.BackOfficeAPIKey = "", ""
	cfg.MongoDBURI = "memory://dry-run"
	return cfg
}

func dryRunPush(cmd *cobra.Command, a *app) error {
	authority := memory.New()
	dialer := func(context.Context, string) (store.DocumentStore, error) { return authority, nil }

	engine := a.syncEngine(offlineLedger{a.ledger}, dialer)
	if err := engine.PushFull(cmd.Context()); err != nil {
		return err
	}
	for _, name := range []string{"products", "users", "expenses", "salaries", "transactions", "customers"} {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", name, authority.Count(name))
	}
	return nil
}
