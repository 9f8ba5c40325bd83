package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Re-run the configured write job on a cron schedule",
	Long: `Run the write job described by the config file and RASTERSTREAM_* environment
variables whenever the cron expression fires. A run that is still streaming when
the next one is due is skipped.

Expressions take an optional seconds field and the usual descriptors.

Examples:
  # Refresh a tile mosaic in Redis every 10 minutes, exposing metrics
  rasterstream schedule --config mosaic.yaml --cron "0 */10 * * * *" --metrics-addr :9090

  # Hourly
  rasterstream schedule --cron "@hourly"`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().String("cron", "", "cron expression (required)")
	scheduleCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	viper.BindPFlag("schedule.cron", scheduleCmd.Flags().Lookup("cron"))
	viper.BindPFlag("schedule.metrics-addr", scheduleCmd.Flags().Lookup("metrics-addr"))
}

// cronParser accepts an optional leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	expr := viper.GetString("schedule.cron")
	if expr == "" {
		return errors.New("cron expression is required (use --cron)")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression '%s': %w", expr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, m := newMetrics()
	if addr := viper.GetString("schedule.metrics-addr"); addr != "" {
		metricsServer := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer metricsServer.Close()
	}

	cl := cronLogger{logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		start := time.Now()
		if err := writeJob(ctx, logger, m, nil); err != nil {
			logger.Error("scheduled write failed", "err", err)
			return
		}
		logger.Info("scheduled write done", "duration", time.Since(start))
	}))

	c.Start()
	logger.Info("scheduler started", "cron", expr, "next", schedule.Next(time.Now()))
	<-ctx.Done()

	logger.Info("stopping scheduler")
	<-c.Stop().Done()
	return nil
}
