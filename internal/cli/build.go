// build.go implements "otdrive build": place a topology in a live simulator.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/stability"
	"github.com/otdrive/otdrive/internal/store"
	"github.com/otdrive/otdrive/internal/topology"
)

var buildCmd = &cobra.Command{
	Use:   "build <row|grid|line> <count>",
	Short: "Start the simulator and create a topology",
	Long: `Start the simulator, replay the placement commands of a layout
(see "otdrive layout"), then let the network converge at the configured
speed-up. Nodes whose creation reply carries no id are reported as
unplaced; the build continues without them.`,
	Args: cobra.ExactArgs(2),
	RunE: runBuild,
}

var (
	buildPatterns patternFlags
	buildSettle   bool
	buildShell    bool
)

func init() {
	buildPatterns.register(buildCmd)
	buildCmd.Flags().BoolVar(&buildSettle, "settle", true, "Wait stability.duration_s of simulated time after placement")
	buildCmd.Flags().BoolVar(&buildShell, "shell", false, "Open an interactive prompt on the simulator when done")
}

func runBuild(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	placements, err := placementsFor(a.cfg, args[0], args[1], buildPatterns)
	if err != nil {
		return err
	}

	sim, err := a.dialSimulator()
	if err != nil {
		return err
	}
	defer sim.Close()

	rec := a.startRun(store.KindBuild, map[string]any{
		"layout": args[0],
		"count":  args[1],
		"nodes":  len(placements),
	})
	defer func() { rec.finish(err, cmd.OutOrStdout()) }()

	b := &topology.Builder{
		Session: sim,
		Marker:  a.cfg.Session.NodeIDMarker,
		Events:  a.events,
		Log:     a.log,
	}
	res, err := b.Place(placements)
	rec.nodes(placementRows(res))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Placed %d of %d nodes\n", len(res.Placed), len(placements))

	if buildSettle {
		orch := &stability.Orchestrator{Session: sim, Sink: a.sink, Log: a.log}
		rep, werr := orch.Wait(a.cfg.Stability.Duration(), a.cfg.Stability.Speedup)
		if werr != nil {
			return werr
		}
		if rep.Degraded {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: simulator left at speed %g: %v\n", rep.Factor, rep.RestoreErr)
		}
	}

	if buildShell {
		return interact(sim, cmd.OutOrStdout())
	}
	return nil
}
