// clean.go implements the "otdrive clean" command for pruning old runs.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/cleanup"
	"github.com/otdrive/otdrive/internal/config"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old runs",
	Long: `Remove old runs from the run store and .otdrive/runs/.

By default, removes runs older than store.max_age_days (default 30).
Use --keep to keep only the N most recent runs instead.
Use --dry-run to preview what would be removed.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	keepFlag   int
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N runs (0 = use age-based cleanup)")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
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

	policy := cleanup.Policy{Keep: keepFlag, MaxAgeDays: a.cfg.Store.MaxAgeDays}
	if policy.Keep == 0 && policy.MaxAgeDays <= 0 {
		policy.MaxAgeDays = 30
	}

	pruned, err := cleanup.Prune(st, filepath.Join(config.Dir(a.root), "runs"), policy, dryRunFlag)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(pruned) == 0 {
		fmt.Fprintln(out, "No runs to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}
	for _, r := range pruned {
		fmt.Fprintf(out, "  %s %s (%s, %s)\n", verb, shortID(r.ID), r.Kind, r.StartedAt.Local().Format("2006-01-02"))
	}
	fmt.Fprintf(out, "%s %d run(s).\n", verb, len(pruned))
	return nil
}
