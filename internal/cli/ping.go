// ping.go implements "otdrive ping-scenario".
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/scenario"
	"github.com/otdrive/otdrive/internal/stability"
	"github.com/otdrive/otdrive/internal/store"
	"github.com/otdrive/otdrive/internal/topology"
)

var pingCmd = &cobra.Command{
	Use:   "ping-scenario",
	Short: "Measure ping delay as a line of routers grows",
	Long: `Grow a line of routers one rung at a time (router plus one end
device above and one below), let it converge, and ping from the first
bottom device to the newest top device. The delay per router count is
averaged over --repetitions runs.`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

var (
	pingRouters     int
	pingRepetitions int
	pingCount       int
	pingShell       bool
)

func init() {
	pingCmd.Flags().IntVar(&pingRouters, "routers", 0, "Override scenario.routers")
	pingCmd.Flags().IntVar(&pingRepetitions, "repetitions", 0, "Override scenario.repetitions")
	pingCmd.Flags().IntVar(&pingCount, "count", 0, "Override scenario.ping_count")
	pingCmd.Flags().BoolVar(&pingShell, "shell", false, "Open an interactive prompt on the simulator when done")
}

func runPing(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg.Scenario
	if pingRouters > 0 {
		cfg.Routers = pingRouters
	}
	if pingRepetitions > 0 {
		cfg.Repetitions = pingRepetitions
	}
	if pingCount > 0 {
		cfg.PingCount = pingCount
	}

	sim, err := a.dialSimulator()
	if err != nil {
		return err
	}
	defer sim.Close()

	rec := a.startRun(store.KindPing, cfg)
	defer func() { rec.finish(err, cmd.OutOrStdout()) }()

	sc := &scenario.Scenario{
		Session:     sim,
		Builder:     &topology.Builder{Session: sim, Marker: a.cfg.Session.NodeIDMarker, Events: a.events, Log: a.log},
		Stability:   &stability.Orchestrator{Session: sim, Sink: a.sink, Log: a.log},
		Cfg:         cfg,
		Spacing:     a.cfg.Topology.Spacing,
		NodeCommand: a.cfg.Simulator.NodeCommand,
		Events:      a.events,
		Log:         a.log,
	}
	res, err := sc.Run()
	rec.delays(delayRows(res))
	if err != nil {
		return err
	}
	if errors.Is(res.Measured(), scenario.ErrNoDelays) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: no ping replies were received")
	}

	if pingShell {
		return interact(sim, cmd.OutOrStdout())
	}
	return nil
}
