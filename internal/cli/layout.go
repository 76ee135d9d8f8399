// layout.go implements "otdrive layout", a dry run of topology placement.
package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/topology"
)

var layoutCmd = &cobra.Command{
	Use:   "layout <row|grid|line> <count>",
	Short: "Print placement commands without starting the simulator",
	Long: `Compute a topology and print the simulator commands that would
create it. row and grid surround each router with end devices chosen
by --first, --intermediate and --last (indices into an angular
partition of topology.fed_total slots). line prints the rungs of the
incremental ping scenario.`,
	Args: cobra.ExactArgs(2),
	RunE: runLayout,
}

type patternFlags struct {
	first, intermediate, last []int
}

var layoutPatterns patternFlags

func (p *patternFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&p.first, "first", nil, "FED slots around the first router of each row")
	cmd.Flags().IntSliceVar(&p.intermediate, "intermediate", nil, "FED slots around intermediate routers")
	cmd.Flags().IntSliceVar(&p.last, "last", nil, "FED slots around the last router of each row")
}

func init() {
	layoutPatterns.register(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(".")
	if err != nil {
		return err
	}
	placements, err := placementsFor(cfg, args[0], args[1], layoutPatterns)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range placements {
		fmt.Fprintln(out, p.Command())
	}
	fmt.Fprintf(out, "# %d routers, %d nodes\n", len(topology.Routers(placements)), len(placements))
	return nil
}

// placementsFor computes the placements for a layout kind and count argument.
func placementsFor(cfg *config.Config, kind, countArg string, pf patternFlags) ([]topology.Placement, error) {
	count, err := strconv.Atoi(countArg)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("count must be a non-negative integer, got %q", countArg)
	}

	switch kind {
	case "row":
		row := topology.RowFromConfig(cfg.Topology, count)
		row.First, row.Intermediate, row.Last = pf.first, pf.intermediate, pf.last
		if err := row.Validate(); err != nil {
			return nil, err
		}
		return row.Placements(), nil
	case "grid":
		grid := topology.GridFromConfig(cfg.Topology, count)
		grid.First, grid.Intermediate, grid.Last = pf.first, pf.intermediate, pf.last
		if err := grid.Validate(); err != nil {
			return nil, err
		}
		return grid.Placements(), nil
	case "line":
		var out []topology.Placement
		for i := 1; i <= count; i++ {
			out = append(out, topology.Rung(i, cfg.Topology.Spacing, cfg.Scenario.BaseY)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown layout %q (want row, grid or line)", kind)
	}
}
