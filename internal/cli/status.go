// status.go implements "otdrive status": list recent runs.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recent runs",
	Long: `Display the most recent otdrive runs with their kind, status and
how many nodes failed. Use "otdrive report <id>" for details.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusLimit int

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	runs, err := st.ListRuns(statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("no runs found; start one with: otdrive build, query, commission or ping-scenario")
	}

	out := cmd.OutOrStdout()
	for _, r := range runs {
		fmt.Fprintf(out, "  %-8s  %-13s  %-8s  %s  %s\n",
			shortID(r.ID), r.Kind, normalizeStatus(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04"), runCounts(r))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// normalizeStatus maps stored run statuses to display labels.
func normalizeStatus(status string) string {
	switch status {
	case store.StatusRunning:
		return "running"
	case store.StatusComplete:
		return "done"
	case store.StatusFailed:
		return "failed"
	default:
		return status
	}
}

func runCounts(r store.Summary) string {
	if r.Delays > 0 {
		return fmt.Sprintf("%d delay samples", r.Delays)
	}
	if r.Failed > 0 {
		return fmt.Sprintf("%d nodes, %d failed", r.Nodes, r.Failed)
	}
	return fmt.Sprintf("%d nodes", r.Nodes)
}
