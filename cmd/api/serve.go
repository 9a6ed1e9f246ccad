package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"huddle/api/internal/app"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
	"huddle/api/internal/workers"
)

const searchResyncInterval = 30 * time.Second

func newServeCommand(cfgFile *string) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket gateway and pin expiry worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.UsingDevSecret() {
				logger.Warn("using the development token secret; set HUDDLE_JWT_SECRET in production")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !skipMigrations {
				applied, err := store.ApplyMigrations(ctx, rt.db, cfg.MigrationsDir)
				if err != nil {
					return err
				}
				if len(applied) > 0 {
					logger.Info("migrations applied", zap.Strings("versions", applied))
				}
			}

			hub := realtime.NewHub(logger.Named("realtime"))
			if cfg.RedisURL != "" {
				bridge, err := realtime.NewRedisBridge(cfg.RedisURL, logger.Named("realtime"))
				if err != nil {
					return err
				}
				defer bridge.Close()
				if err := bridge.Listen(ctx, hub.Deliver); err != nil {
					return err
				}
				hub.UseFanout(bridge)
				logger.Info("realtime fan-out through redis enabled")
			}
			rt.service.SetBroadcaster(hub)
			defer hub.Close()

			if cfg.MeiliURL != "" {
				go rt.search.Maintain(ctx, rt.fts, searchResyncInterval)
			}

			httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin, logger.Named("http"))
			httpServer.SetAdminToken(cfg.AdminToken)
			httpServer.MountRealtime(realtime.NewGateway(hub, rt.service, logger.Named("realtime")))

			var sweeper *workers.PinExpiry
			if cfg.Sweep.Enabled {
				sweeper = workers.NewPinExpiry(rt.service, logger.Named("workers"), cfg.Sweep.Interval)
				sweeper.Start()
				defer sweeper.Stop()
			}

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("huddle api listening", zap.String("addr", cfg.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", zap.Error(err))
			}
			// Shutdown does not track hijacked websocket connections.
			hub.Close()
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}
