package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rasterstream/internal/metrics"
	"github.com/kiesman99/rasterstream/internal/server"
)

// version is reported by the health endpoint.
const version = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for split planning and streamed renders",
	Long: `Start an HTTP server that plans splits and renders small images through the
streaming executor.

Endpoints:
  GET  /api/v1/health   health check
  GET  /api/v1/plan     split sequence for width, height, mode, value, bpp
  POST /api/v1/render   streamed render of a gradient or tile mosaic as PNG or JPEG
  GET  /metrics         Prometheus metrics

Examples:
  # Start server on default port 8080
  rasterstream serve

  # Start server with custom bind address
  rasterstream serve --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	serveCmd.Flags().Int64("max-pixels", server.DefaultMaxPixels, "largest render in pixels")
	serveCmd.Flags().Int64("max-plan-pixels", server.DefaultMaxPlanPixels, "largest image a plan may describe")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.max-pixels", serveCmd.Flags().Lookup("max-pixels"))
	viper.BindPFlag("server.max-plan-pixels", serveCmd.Flags().Lookup("max-plan-pixels"))
}

// newMetrics creates a registry with the runtime collectors and the
// streaming metrics.
func newMetrics() (*prometheus.Registry, *metrics.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.NewRegistry(reg)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", viper.GetString("server.bind"), viper.GetInt("server.port"))
	timeout := viper.GetDuration("server.timeout")

	reg, m := newMetrics()
	apiServer := server.NewServer(server.Options{
		Version:       version,
		Timeout:       timeout,
		DefaultBudget: viper.GetUint64("default-budget"),
		MaxPixels:     viper.GetInt64("server.max-pixels"),
		MaxPlanPixels: viper.GetInt64("server.max-plan-pixels"),
		Logger:        logger,
		Metrics:       m,
		Gatherer:      reg,
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting rasterstream server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Metrics: http://%s/metrics\n", addr)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
