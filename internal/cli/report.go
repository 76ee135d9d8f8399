// report.go implements "otdrive report": print the summary of a stored run.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/report"
	"github.com/otdrive/otdrive/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show the results of a run",
	Long: `Display the per-node outcomes and ping delay averages of a stored
run. Without an id the most recent run is shown. The same report is
written to .otdrive/runs/<id>/report.md.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

var reportSave bool

func init() {
	reportCmd.Flags().BoolVar(&reportSave, "save", false, "Rewrite report.md for the run")
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	rep, err := report.Load(st, runID)
	if errors.Is(err, store.ErrNotFound) {
		if runID == "" {
			return fmt.Errorf("no runs found; start one with: otdrive build, query, commission or ping-scenario")
		}
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}

	if reportSave {
		if err := report.WriteFile(a.runDir(rep.Run.ID), rep); err != nil {
			return err
		}
	}
	return report.Write(cmd.OutOrStdout(), rep)
}
