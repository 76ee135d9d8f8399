// query.go implements "otdrive query": read one value from every node.
package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/query"
	"github.com/otdrive/otdrive/internal/store"
	"github.com/otdrive/otdrive/internal/ui"
)

var queryCmd = &cobra.Command{
	Use:   "query <state|ipaddr|eui64|speed>",
	Short: "Query every node in parallel",
	Long: `Attach to every node container (fanout.node_prefix 1..N through
fanout.endpoint_template) and read one value from each, at most
fanout.workers at a time. With --sim the nodes are instead addressed by
id inside one simulator session. Every node gets a row in the result,
failed ones with the reason.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: query.Names(),
	RunE:      runQuery,
}

var (
	querySim      []int
	queryProgress bool
)

func init() {
	queryCmd.Flags().IntSliceVar(&querySim, "sim", nil, "Query these simulator node ids through one OTNS session")
	queryCmd.Flags().BoolVar(&queryProgress, "progress", true, "Show live per-node progress")
}

func runQuery(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	prefer := parse.All(addressPrefs(a.cfg.FanOut.AddressPrefix, a.cfg.FanOut.AddressExclude)...)
	q, err := query.ByName(args[0], prefer)
	if err != nil {
		return err
	}

	var (
		tasks []fanout.Task
		open  fanout.Opener
	)
	if len(querySim) > 0 {
		ids := append([]int(nil), querySim...)
		sort.Ints(ids)
		sim, err := a.dialSimulator()
		if err != nil {
			return err
		}
		defer sim.Close()
		tasks = q.NodeTasks(a.cfg.Simulator.NodeCommand, ids)
		open = fanout.Shared(sim)
	} else {
		names := a.cfg.FanOut.NodeNames()
		if len(names) == 0 {
			return fmt.Errorf("no nodes configured (fanout.nodes or NB_NODES)")
		}
		tasks = fanout.Tasks(fanout.Refs(names), q.Op())
		open = a.containerOpener()
	}

	rec := a.startRun(store.KindQuery, map[string]any{"query": q.Name, "nodes": len(tasks), "sim": querySim})
	defer func() { rec.finish(err, cmd.OutOrStdout()) }()

	orch := &fanout.Orchestrator{
		Open:    open,
		Workers: a.cfg.FanOut.Workers,
		Retry:   a.cfg.Commission.NoBufsPolicy(),
		Events:  a.events,
		Log:     a.log,
	}
	var progress *ui.ProgressDisplay
	if queryProgress {
		keys := make([]fanout.NodeRef, 0, len(tasks))
		for _, t := range tasks {
			keys = append(keys, t.Key)
		}
		progress = ui.NewProgressDisplay(cmd.ErrOrStderr(), "otdrive query "+q.Name, keys)
		orch.Observer = progress
	}

	res, err := orch.Run(tasks)
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return err
	}
	rec.nodes(fanOutRows(res))
	if rec.st == nil {
		printResult(cmd, res)
	}
	return nil
}

func addressPrefs(prefix, exclude string) []parse.Predicate {
	var preds []parse.Predicate
	if prefix != "" {
		preds = append(preds, parse.HasPrefix(prefix))
	}
	if exclude != "" {
		preds = append(preds, parse.NotContains(exclude))
	}
	return preds
}

// printResult is the fallback when no run store is available.
func printResult(cmd *cobra.Command, res fanout.Result) {
	out := cmd.OutOrStdout()
	for _, k := range res.Keys() {
		o := res[k]
		if o.OK() {
			fmt.Fprintf(out, "%-12s %s\n", k, parse.Display(o.Value))
			continue
		}
		fmt.Fprintf(out, "%-12s <%s> %v\n", k, o.Kind, o.Err)
	}
	fmt.Fprintf(out, "%d nodes, %d failed\n", len(res), res.Failed())
}
