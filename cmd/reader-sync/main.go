package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reader-sync/internal/config"
	apperrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/logging"
	"github.com/alexjbarnes/reader-sync/internal/progress"
	"github.com/alexjbarnes/reader-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("reader-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	deviceID, err := appState.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	logger.Info("device identity", slog.String("device_id", deviceID))

	client := progress.NewClient(cfg.ServerURL, nil)

	if err := authenticate(ctx, client, cfg, appState, logger); err != nil {
		return err
	}

	coordinator := progress.NewCoordinator(progress.CoordinatorConfig{
		State:    appState,
		Pusher:   client,
		DeviceID: deviceID,
		Logger:   logger,
	})

	reconciler := progress.NewReconciler(progress.ReconcilerConfig{
		State:     appState,
		Puller:    client,
		Logger:    logger,
		OnApplied: coordinator.NoteReconciled,
	})

	api := &http.Server{
		Addr:         cfg.LocalAPIAddr,
		Handler:      newLocalMux(coordinator, appState, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("local API listening", slog.String("addr", cfg.LocalAPIAddr))

		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return api.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// One last push so a save made moments before shutdown is not stuck
	// waiting out the debounce delay.
	logger.Info("flushing pending progress")
	coordinator.Flush()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// authenticate tries the cached token first, falling back to a fresh
// sign-in when it is missing or no longer accepted.
func authenticate(ctx context.Context, client *progress.Client, cfg *config.ClientConfig, appState *state.State, logger *slog.Logger) error {
	if token := appState.Token(); token != "" {
		logger.Debug("trying cached token")
		client.SetToken(token)

		_, err := client.Pull(ctx, 1)
		if err == nil {
			logger.Info("authenticated with cached token")
			return nil
		}

		if !errors.Is(err, apperrors.ErrInvalidToken) {
			return fmt.Errorf("verifying cached token: %w", err)
		}

		logger.Debug("cached token expired, signing in fresh")
	}

	logger.Info("signing in", slog.String("username", cfg.Username))

	token, err := client.SignIn(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	client.SetToken(token)

	if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	logger.Info("signed in")

	return nil
}
