package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/region"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the regions a splitting strategy produces",
	Long: `Print the ordered split sequence for an image of the given size without
producing any pixels. The size may have any number of axes, fastest first.

Examples:
  # Four bands of 250 rows
  rasterstream plan --size 1000,1000 --mode stripped-by-count --value 4

  # Strips under a 400000 byte budget at 4 bytes per pixel
  rasterstream plan --size 1000,1000 --mode stripped-automatic --value 400000 --bpp 4

  # Tiles of a 3-D volume
  rasterstream plan --size 64,64,16 --mode tiled-by-count --value 8`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().Int64Slice("size", nil, "image size per axis, fastest first (required)")
	planCmd.Flags().Uint64("bpp", 4, "bytes per pixel across the producer graph")
	planCmd.MarkFlagRequired("size")

	viper.BindPFlag("plan.bpp", planCmd.Flags().Lookup("bpp"))
}

func runPlan(cmd *cobra.Command, args []string) error {
	size, err := cmd.Flags().GetInt64Slice("size")
	if err != nil {
		return err
	}
	s, err := strategy()
	if err != nil {
		return err
	}
	splitter, err := streaming.NewManager(s, viper.GetUint64("default-budget"))
	if err != nil {
		return err
	}
	full := region.New(make([]int64, len(size)), size)
	splits, err := streaming.Plan(splitter, full, viper.GetUint64("plan.bpp"))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s over %v: %d regions", s, full, len(splits))
	if s.Mode.Auto() {
		fmt.Fprintf(out, " (budget %d bytes)", splitter.Budget())
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tregion\tpixels\t")
	for i, r := range splits {
		fmt.Fprintf(tw, "%d\t%v\t%d\t\n", i, r, r.NumberOfPixels())
	}
	return tw.Flush()
}
