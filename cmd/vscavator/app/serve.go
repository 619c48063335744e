package app

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

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vscavator/vscavator/internal/api"
	"github.com/vscavator/vscavator/internal/telemetry"
	"github.com/vscavator/vscavator/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion scheduler and the operator API",
	Long: `Run the ingestion pipeline on its configured schedule and serve the
operator API: health and readiness probes, the latest run status, and
Prometheus metrics.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	defer flushLogs()
	ctx := context.Background()

	tel, err := telemetry.New("vscavator", versions.GetVersionInfo().Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	p, err := buildPipeline(ctx, viper.GetString("config"), pipelineOptions{telemetry: tel})
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start run scheduler: %w", err)
	}

	router := api.NewServer(p.store, p.conn,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
		api.WithMetricsHandler(tel.Handler()),
	)

	address := p.cfg.Server.GetAddress()
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Operator API listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	if err := p.coordinator.Stop(); err != nil {
		slog.Error("Failed to stop run scheduler", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Shutdown complete")
	return nil
}
