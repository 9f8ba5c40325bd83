package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/tile"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rasterstream",
	Short: "Stream rasters too large for memory region by region",
	Long: `rasterstream writes a raster region by region: the image is split into strips
or tiles under a count, size or RAM budget, and every region is produced and
committed before the next one is touched.

Sources are a colour gradient, an image file or a slippy-map tile mosaic, each
optionally blurred. Sinks are a raw interleaved RGBA file, an encoded PNG or JPEG
image, or a Redis string filled with SETRANGE.

Examples:
  # 20000x20000 gradient as raw RGBA in strips of at most 64 MiB
  rasterstream --width 20000 --height 20000 -o big.rgba

  # Same image in 512x512 tiles
  rasterstream --width 20000 --height 20000 --mode tiled-by-dimension --value 512 -o big.rgba

  # OpenStreetMap tiles for a bounding box, blurred, with a world file
  rasterstream --source tiles --bbox 37.37,-122.92,38.23,-121.56 --zoom 10 \
    --url https://tile.openstreetmap.org/{z}/{x}/{y}.png --blur 2 -w -o bay.png

  # Stream into Redis
  rasterstream --width 4000 --height 4000 --sink redis --redis.key raster:demo

  # Print the split plan, serve the HTTP API, or run on a schedule
  rasterstream plan --size 1000,1000 --mode stripped-by-count --value 4
  rasterstream serve --port 8080
  rasterstream schedule --cron "@every 1h"`,
	RunE: runWrite,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rasterstream.yaml)")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("mode", streaming.StrippedAuto.String(), "splitting mode ("+strings.Join(modeList(), "|")+")")
	pf.Uint64("value", 0, "split count, line count, tile edge or RAM budget in bytes, depending on the mode")
	pf.Uint64("default-budget", streaming.DefaultBudget, "RAM budget of the automatic modes when --value is 0")

	// Output options
	f := rootCmd.Flags()
	f.StringP("output", "o", "", "output file")
	f.String("sink", "", "output sink (raw|image|redis, default: image for .png/.jpg/.gif/.bmp/.tif, raw otherwise)")
	f.BoolP("worldfile", "w", false, "write world file (tile source only)")
	f.Bool("progress", false, "print progress to stderr")

	// Source options
	f.String("source", "gradient", "pixel source (gradient|image|tiles)")
	f.Int("width", 0, "image width in pixels (gradient, resized image or centered tiles)")
	f.Int("height", 0, "image height in pixels (gradient, resized image or centered tiles)")
	f.String("from", "#1e3a8a", "gradient start colour")
	f.String("to", "#fde047", "gradient end colour")
	f.String("image", "", "input image file")
	f.Float64("blur", 0, "Gaussian blur radius (0 disables)")

	// Tile options
	f.String("bbox", "", "bounding box as 'min-lat,min-lon,max-lat,max-lon'")
	f.Float64("lat", 0, "center latitude")
	f.Float64("lon", 0, "center longitude")
	f.Int("zoom", 0, "zoom level")
	f.StringSliceP("url", "u", []string{}, "tile URL template(s) with {z}, {x}, {y} placeholders")
	f.IntP("tilesize", "t", 256, "tile size in pixels")
	f.String("user-agent", tile.DefaultUserAgent, "HTTP User-Agent header")
	f.Duration("timeout", 30*time.Second, "tile download timeout")

	// Redis options
	f.String("redis.addr", "localhost:6379", "Redis address")
	f.String("redis.key", "", "Redis key receiving the raw pixels")
	f.Duration("redis.ttl", 0, "expire the Redis key after this long (0 keeps it)")

	// Bind flags to viper
	pf.VisitAll(func(fl *pflag.Flag) {
		if fl.Name != "config" {
			viper.BindPFlag(fl.Name, fl)
		}
	})
	f.VisitAll(func(fl *pflag.Flag) {
		viper.BindPFlag(fl.Name, fl)
	})
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".rasterstream" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rasterstream")
	}

	viper.SetEnvPrefix("RASTERSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func modeList() []string {
	var names []string
	for m := streaming.StrippedByCount; m <= streaming.TiledAuto; m++ {
		names = append(names, m.String())
	}
	return names
}

// newLogger writes text records to the command's stderr.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

// strategy reads the splitting strategy from the configuration.
func strategy() (streaming.Strategy, error) {
	mode, err := streaming.ParseMode(viper.GetString("mode"))
	if err != nil {
		return streaming.Strategy{}, err
	}
	return streaming.Strategy{Mode: mode, Value: viper.GetUint64("value")}, nil
}
