package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pher-lab/knot/internal/config"
	"github.com/pher-lab/knot/internal/httpapi"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/internal/settings"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:7420)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the vault over a local JSON API",
	Long: `Serve the vault over a JSON API for editors and other local front ends.

The vault starts locked unless KNOT_PASSWORD is set; clients unlock it with
POST /api/unlock. Every request counts as activity for auto-lock. When
http_token is set in the config file, requests must carry it as a Bearer
token.

Changes to settings.json made while the server runs, such as a new auto-lock
delay, are picked up without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serveAddr
		if addr == "" {
			addr = cfg.HTTPAddr
		}
		return runServer(cmd.Context(), addr)
	},
}

func runServer(ctx context.Context, addr string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if os.Getenv(config.EnvPassword) != "" {
		if err := unlock(ctx, a); err != nil {
			return err
		}
	}

	if host, _, err := net.SplitHostPort(addr); err == nil && cfg.HTTPToken == "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			logger.Warn("Serving on a non-loopback address without http_token", slog.String("address", addr))
		}
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(a, cfg.HTTPToken, logger.With(slog.String("component", "httpapi"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Follow external edits of settings.json.
	g.Go(func() error {
		store := settings.NewStore(cfg.VaultDir)
		err := store.Watch(gCtx, logger, func(s settings.Settings) {
			if a.Session.Snapshot().AutoLockMinutes != s.AutoLockMinutes {
				logger.Info("Auto-lock delay changed", slog.Int("minutes", s.AutoLockMinutes))
				a.Session.ApplyAutoLockMinutes(s.AutoLockMinutes)
			}
		})
		if err != nil {
			logger.Warn("Settings watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Pending edits are written before the vault closes.
		if a.Session.Snapshot().Screen == session.ScreenUnlocked {
			if err := a.Session.Lock(shutdownCtx); err != nil {
				logger.Error("Failed to lock vault", slog.String("error", err.Error()))
			}
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// errShutdown cancels the errgroup once the server has been asked to stop,
// which also ends the settings watcher.
var errShutdown = errors.New("shutdown")
