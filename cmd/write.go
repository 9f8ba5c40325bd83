package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rasterstream/internal/metrics"
	"github.com/kiesman99/rasterstream/internal/source"
	"github.com/kiesman99/rasterstream/internal/storage"
	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/tile"
)

// Sink names.
const (
	sinkRaw   = "raw"
	sinkImage = "image"
	sinkRedis = "redis"
)

func runWrite(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress func(float64)
	if viper.GetBool("progress") {
		progress = func(f float64) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\rProgress: %5.1f%%", f*100)
			if f >= 1 {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
		}
	}
	return writeJob(ctx, logger, nil, progress)
}

// writeJob runs one write job as configured in viper.
func writeJob(ctx context.Context, logger *slog.Logger, reg *metrics.Registry, progress func(float64)) error {
	s, err := strategy()
	if err != nil {
		return err
	}
	built, err := source.Build(source.Options{
		Kind:      viper.GetString("source"),
		Width:     viper.GetInt("width"),
		Height:    viper.GetInt("height"),
		From:      viper.GetString("from"),
		To:        viper.GetString("to"),
		Image:     viper.GetString("image"),
		Blur:      viper.GetFloat64("blur"),
		BBox:      viper.GetString("bbox"),
		Lat:       viper.GetFloat64("lat"),
		Lon:       viper.GetFloat64("lon"),
		Zoom:      viper.GetInt("zoom"),
		TileSize:  viper.GetInt("tilesize"),
		URLs:      viper.GetStringSlice("url"),
		UserAgent: viper.GetString("user-agent"),
		Timeout:   viper.GetDuration("timeout"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	output := viper.GetString("output")
	sink, err := openSink(viper.GetString("sink"), output)
	if err != nil {
		return err
	}
	defer sink.close()

	exec := streaming.NewWithConfig(streaming.Config{
		Strategy:      s,
		DefaultBudget: viper.GetUint64("default-budget"),
		Name:          sink.name,
		Logger:        logger,
		Metrics:       reg,
	})
	res, err := exec.Run(ctx, streaming.Job{
		Full:      built.Full,
		Producer:  built.Producer,
		Committer: sink.committer,
		Progress:  progress,
	})
	if err != nil {
		return err
	}
	if err := sink.finish(); err != nil {
		return err
	}

	if viper.GetBool("worldfile") {
		if built.Grid == nil {
			logger.Warn("world file needs a tile source, skipping")
		} else if output != "" {
			name := tile.WorldFileName(output)
			if err := os.WriteFile(name, built.Grid.WorldFile(), 0o644); err != nil {
				return fmt.Errorf("failed to write world file: %w", err)
			}
			logger.Info("world file written", "path", name)
		}
	}

	logger.Info("raster written",
		"output", sink.target, "full", built.Full.String(), "strategy", s.String(),
		"splits", res.Splits, "bytes", res.Bytes, "duration", res.Duration)
	return nil
}

// sink is an opened output with its cleanup.
type sink struct {
	name      string
	target    string
	committer streaming.Committer
	finish    func() error
	close     func()
}

func openSink(kind, output string) (*sink, error) {
	if kind == "" {
		kind = sinkRaw
		if _, err := storage.FormatFromFilename(output); err == nil {
			kind = sinkImage
		}
	}

	switch kind {
	case sinkRaw:
		if output == "" {
			return nil, errors.New("raw output needs a file (use --output)")
		}
		f, err := storage.CreateFile(output, raster.RGBA)
		if err != nil {
			return nil, err
		}
		return &sink{
			name: sinkRaw, target: output, committer: f,
			finish: func() error { return nil },
			close:  func() { f.Close() },
		}, nil

	case sinkImage:
		format, err := storage.FormatFromFilename(output)
		if err != nil {
			return nil, err
		}
		tmp, err := os.CreateTemp(filepath.Dir(output), ".rasterstream-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create output: %w", err)
		}
		done := false
		return &sink{
			name: sinkImage, target: output,
			committer: storage.NewImage(tmp, format, raster.RGBA),
			finish: func() error {
				if err := tmp.Close(); err != nil {
					return err
				}
				if err := os.Rename(tmp.Name(), output); err != nil {
					return err
				}
				done = true
				return nil
			},
			close: func() {
				if !done {
					tmp.Close()
					os.Remove(tmp.Name())
				}
			},
		}, nil

	case sinkRedis:
		key := viper.GetString("redis.key")
		rdb := redis.NewClient(&redis.Options{Addr: viper.GetString("redis.addr")})
		committer, err := storage.NewRedis(storage.RedisConfig{
			Redis:     rdb,
			Key:       key,
			TTL:       viper.GetDuration("redis.ttl"),
			PixelSize: raster.RGBA,
		})
		if err != nil {
			rdb.Close()
			return nil, err
		}
		return &sink{
			name: sinkRedis, target: "redis://" + viper.GetString("redis.addr") + "/" + key,
			committer: committer,
			finish:    func() error { return nil },
			close:     func() { rdb.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
}
