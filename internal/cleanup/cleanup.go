// Package cleanup prunes old otdrive runs from the store and the runs
// directory.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/otdrive/otdrive/internal/store"
)

// Runs is the part of the store pruning needs.
type Runs interface {
	ListRuns(limit int) ([]store.Summary, error)
	DeleteRun(id string) error
}

// Policy selects runs to remove. Keep wins over MaxAgeDays when set.
type Policy struct {
	Keep       int
	MaxAgeDays int
}

// Select returns the runs the policy removes. runs must be newest first,
// as ListRuns returns them. Running runs are never selected.
func Select(runs []store.Summary, p Policy, now time.Time) []store.Summary {
	var out []store.Summary
	if p.Keep > 0 {
		kept := 0
		for _, r := range runs {
			if r.Status == store.StatusRunning {
				continue
			}
			if kept < p.Keep {
				kept++
				continue
			}
			out = append(out, r)
		}
		return out
	}

	if p.MaxAgeDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -p.MaxAgeDays)
	for _, r := range runs {
		if r.Status != store.StatusRunning && r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// Prune deletes the selected runs and their directories under runsDir.
// With dryRun nothing is deleted. It returns the runs removed (or that would
// be) before the first failure.
func Prune(st Runs, runsDir string, p Policy, dryRun bool) ([]store.Summary, error) {
	runs, err := st.ListRuns(-1)
	if err != nil {
		return nil, err
	}

	var pruned []store.Summary
	for _, r := range Select(runs, p, time.Now()) {
		if !dryRun {
			if err := st.DeleteRun(r.ID); err != nil {
				return pruned, fmt.Errorf("removing run %s: %w", r.ID, err)
			}
			if err := os.RemoveAll(filepath.Join(runsDir, r.ID)); err != nil {
				return pruned, fmt.Errorf("removing %s: %w", r.ID, err)
			}
		}
		pruned = append(pruned, r)
	}
	return pruned, nil
}
