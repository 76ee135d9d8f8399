// Package report renders stored runs: per-node results, an error-kind
// summary, and ping delay statistics per router count.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/scenario"
	"github.com/otdrive/otdrive/internal/store"
)

// Report holds everything printed for one run.
type Report struct {
	Run      store.Run
	Nodes    []store.NodeResult // natural node order
	Kinds    map[string]int     // error kind -> count
	Averages []scenario.Average
	Duration time.Duration
}

// Build assembles a Report from stored rows.
func Build(run store.Run, results []store.NodeResult, delays []store.PingDelay) *Report {
	r := &Report{
		Run:      run,
		Nodes:    sortNodes(results),
		Kinds:    map[string]int{},
		Averages: averages(delays),
	}
	for _, n := range results {
		if n.ErrorKind != "" {
			r.Kinds[n.ErrorKind]++
		}
	}
	if !run.FinishedAt.IsZero() && run.FinishedAt.After(run.StartedAt) {
		r.Duration = run.FinishedAt.Sub(run.StartedAt)
	}
	return r
}

// Load reads a run from st. An empty runID selects the latest run.
func Load(st *store.Store, runID string) (*Report, error) {
	var (
		run *store.Run
		err error
	)
	if runID == "" {
		run, err = st.LatestRun("")
	} else {
		run, err = st.GetRun(runID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && runID == "" {
			return nil, fmt.Errorf("no runs recorded yet: %w", err)
		}
		return nil, err
	}

	results, err := st.GetNodeResults(run.ID)
	if err != nil {
		return nil, err
	}
	delays, err := st.GetPingDelays(run.ID)
	if err != nil {
		return nil, err
	}
	return Build(*run, results, delays), nil
}

func sortNodes(results []store.NodeResult) []store.NodeResult {
	refs := make([]fanout.NodeRef, 0, len(results))
	byRef := make(map[fanout.NodeRef]store.NodeResult, len(results))
	for _, n := range results {
		ref := fanout.NodeRef(n.NodeRef)
		refs = append(refs, ref)
		byRef[ref] = n
	}
	fanout.SortRefs(refs)

	out := make([]store.NodeResult, 0, len(refs))
	for _, ref := range refs {
		out = append(out, byRef[ref])
	}
	return out
}

// averages regroups stored steps into sequences so they aggregate the same
// way a live scenario does.
func averages(delays []store.PingDelay) []scenario.Average {
	if len(delays) == 0 {
		return nil
	}
	byRep := map[int]scenario.Sequence{}
	for _, d := range delays {
		step := scenario.Step{Routers: d.Routers}
		if d.Measured {
			step.Delay = parse.Value{Kind: parse.KindNumeric, Numeric: d.DelayMs}
		}
		byRep[d.Repetition] = append(byRep[d.Repetition], step)
	}
	reps := make([]int, 0, len(byRep))
	for rep := range byRep {
		reps = append(reps, rep)
	}
	sort.Ints(reps)

	seqs := make([]scenario.Sequence, 0, len(reps))
	for _, rep := range reps {
		seqs = append(seqs, byRep[rep])
	}
	return scenario.Summarize(seqs)
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
)

// Format renders r. styled adds colour and table borders for terminals.
func Format(r *Report, styled bool) string {
	var b strings.Builder

	header := fmt.Sprintf("otdrive %s run %s", r.Run.Kind, r.Run.ID)
	if styled {
		header = titleStyle.Render(header)
	}
	b.WriteString(header + "\n")
	fmt.Fprintf(&b, "Status:      %s\n", r.Run.Status)
	fmt.Fprintf(&b, "Started:     %s\n", r.Run.StartedAt.Local().Format(time.DateTime))
	if r.Duration > 0 {
		fmt.Fprintf(&b, "Duration:    %s\n", formatDuration(r.Duration))
	}
	b.WriteString("\n")

	if len(r.Nodes) > 0 {
		b.WriteString(nodeTable(r.Nodes, styled))
		b.WriteString("\n")

		failed := 0
		for _, n := range r.Kinds {
			failed += n
		}
		fmt.Fprintf(&b, "Nodes:       %d total, %d failed\n", len(r.Nodes), failed)
		kinds := make([]string, 0, len(r.Kinds))
		for k := range r.Kinds {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			line := fmt.Sprintf("  %-20s %d", k+":", r.Kinds[k])
			if styled {
				line = errStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(r.Averages) > 0 {
		b.WriteString(delayTable(r.Averages, styled))
		b.WriteString("\n")
	}

	return b.String()
}

func nodeTable(nodes []store.NodeResult, styled bool) string {
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		value, status := n.Value, "ok"
		if n.ErrorKind != "" {
			value, status = "<absent>", n.ErrorKind
		} else if value == "" {
			value = "<absent>"
		}
		rows = append(rows, []string{n.NodeRef, value, status})
	}
	return render([]string{"NODE", "VALUE", "STATUS"}, rows, styled, func(row []string, col int) lipgloss.Style {
		if col != 2 {
			return lipgloss.NewStyle()
		}
		if row[2] == "ok" {
			return okStyle
		}
		return errStyle
	})
}

func delayTable(avgs []scenario.Average, styled bool) string {
	rows := make([][]string, 0, len(avgs))
	for _, a := range avgs {
		rows = append(rows, []string{
			strconv.Itoa(a.Routers),
			strconv.Itoa(a.N),
			formatMs(a.Mean),
			formatMs(a.StdDev),
		})
	}
	return render([]string{"ROUTERS", "SAMPLES", "MEAN", "STDDEV"}, rows, styled, func(row []string, col int) lipgloss.Style {
		if row[1] == "0" {
			return dimStyle
		}
		return lipgloss.NewStyle()
	})
}

// render draws a bordered lipgloss table when styled, else aligned columns.
func render(headers []string, rows [][]string, styled bool, cell func(row []string, col int) lipgloss.Style) string {
	if styled {
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(dimStyle).
			Headers(headers...).
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				base := lipgloss.NewStyle().Padding(0, 1)
				if row == table.HeaderRow {
					return base.Bold(true)
				}
				if row < 0 || row >= len(rows) {
					return base
				}
				return cell(rows[row], col).Padding(0, 1)
			})
		return t.Render() + "\n"
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string) {
		for i, c := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(cells)-1 {
				b.WriteString(c)
			} else {
				fmt.Fprintf(&b, "%-*s", widths[i], c)
			}
		}
		b.WriteString("\n")
	}
	line(headers)
	for _, r := range rows {
		line(r)
	}
	return b.String()
}

func formatMs(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + "ms"
}

// Write prints r to w, styled when w is a terminal.
func Write(w io.Writer, r *Report) error {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	_, err := io.WriteString(w, Format(r, styled))
	return err
}

// WriteFile writes the plain report to {runDir}/report.md.
// Creates the run directory if it does not exist.
func WriteFile(runDir string, r *Report) error {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	path := filepath.Join(runDir, "report.md")
	if err := os.WriteFile(path, []byte(Format(r, false)), 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}

	return nil
}

// formatDuration produces a human-readable duration string such as "5m 32s"
// or "1h 12m 5s". Sub-second durations are shown as "< 1s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
