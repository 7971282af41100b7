package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/api"
	"github.com/polyflip/tradestate/internal/config"
	"github.com/polyflip/tradestate/internal/cronrunner"
	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/logger"
	"github.com/polyflip/tradestate/internal/persist"
	"github.com/polyflip/tradestate/internal/resource"
	"github.com/polyflip/tradestate/internal/stream"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:          "tradestate",
		Short:        "Scoped trading-state store and engine fan-out",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the trading-state tables",
			RunE:  runMigrate,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	b, err := openBackend(cmd.Context(), cfg, logger.Component(log, "store"))
	if err != nil {
		return err
	}
	defer b.Close()

	if b.notConfigured != nil {
		return b.notConfigured
	}
	if b.migrate == nil {
		log.Info("nothing to migrate", zap.String("driver", cfg.Store.Driver))
		return nil
	}
	if err := b.migrate.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info("migration complete", zap.String("driver", cfg.Store.Driver))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger.Component(log, "store"))
	if err != nil {
		return err
	}
	defer b.Close()

	fan := fanout.New(func(fanout.Asset) fanout.Engine { return engine.NewSession() })

	hub := stream.NewHub(log)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()
	defer fan.Subscribe(hub)()

	deps := api.Deps{
		Engines:        fan,
		Stream:         hub,
		Log:            log,
		SharedKey:      cfg.Auth.SharedKey,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		NotConfigured:  b.notConfigured,
	}

	var (
		persister   *persist.Persister
		persistDone = make(chan struct{})
		cron        *cronrunner.Runner
	)
	if b.st != nil {
		stores := resource.New(b.st)
		deps.Stores = stores
		deps.Ping = b.st.Ping

		if cfg.Persist.Enabled {
			persister = persist.New(stores, fan, log, persist.Options{
				QueueSize:    cfg.Persist.QueueSize,
				WriteTimeout: cfg.Persist.WriteTimeout,
			})
			if cfg.Persist.Hydrate {
				if err := persister.Hydrate(ctx); err != nil {
					log.Warn("hydrate incomplete; affected engines start empty and keep their stored positions", zap.Error(err))
				}
			}
			defer persister.Attach()()
			go func() {
				persister.Run(ctx)
				close(persistDone)
			}()

			if cfg.Persist.CheckpointSpec != "" {
				cron = cronrunner.New(logger.Component(log, "cron"), ctx)
				if _, err := cron.Add("checkpoint", cfg.Persist.CheckpointSpec, func(ctx context.Context) {
					if err := persister.Checkpoint(ctx); err != nil {
						log.Warn("checkpoint failed", zap.Error(err))
					}
				}); err != nil {
					return fmt.Errorf("schedule checkpoint: %w", err)
				}
				cron.Start()
			}
		}
	}
	if persister == nil {
		close(persistDone)
	}

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("tradestate listening",
			zap.String("addr", srv.Addr),
			zap.String("driver", cfg.Store.Driver),
			zap.Bool("auth", cfg.Auth.SharedKey != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	if cron != nil {
		cron.Stop()
	}
	fan.StopAllTrading()
	<-persistDone
	if persister != nil {
		// Final checkpoint after the queue has drained.
		if err := persister.Checkpoint(shutdownCtx); err != nil {
			log.Warn("final checkpoint failed", zap.Error(err))
		}
	}
	<-hubDone
	log.Info("tradestate stopped")
	return nil
}
