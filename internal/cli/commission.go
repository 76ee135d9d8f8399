// commission.go implements "otdrive commission": form a network over the
// node containers with one leader and the rest as joiners.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/commission"
	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/store"
)

var commissionCmd = &cobra.Command{
	Use:   "commission",
	Short: "Commission every node container onto one Thread network",
	Long: `Configure commission.leader as a new network with an active
commissioner, read every other container's EUI-64 in parallel, then
add and join each one in turn until it reports the child role.
Persistent NoBufs replies from the leader abort the run, as do
commission.breaker_threshold consecutive joiner failures.`,
	Args: cobra.NoArgs,
	RunE: runCommission,
}

func runCommission(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var joiners []string
	for _, n := range a.cfg.FanOut.NodeNames() {
		if n != a.cfg.Commission.Leader {
			joiners = append(joiners, n)
		}
	}
	if len(joiners) == 0 {
		return fmt.Errorf("no joiners: fanout.nodes covers only the leader %s", a.cfg.Commission.Leader)
	}

	rec := a.startRun(store.KindCommission, map[string]any{
		"leader":  a.cfg.Commission.Leader,
		"joiners": len(joiners),
	})
	defer func() { rec.finish(err, cmd.OutOrStdout()) }()

	c := &commission.Commissioner{
		Cfg:     a.cfg.Commission,
		Open:    a.containerOpener(),
		Workers: a.cfg.FanOut.Workers,
		Events:  a.events,
		Log:     a.log,
	}
	rep, err := c.Run(joiners)
	rec.nodes(commissionRows(rep))

	fmt.Fprintf(cmd.OutOrStdout(), "Leader %s is %s; %d of %d joiners attached\n",
		rep.Leader, rep.LeaderRole, rep.Joined(), len(joiners))
	return err
}

func commissionRows(rep commission.Report) []store.NodeResult {
	rows := make([]store.NodeResult, 0, len(rep.Joiners)+1)
	if rep.LeaderRole != "" {
		rows = append(rows, store.NodeResult{NodeRef: rep.Leader, Value: string(rep.LeaderRole)})
	}
	for _, j := range rep.Joiners {
		row := store.NodeResult{NodeRef: j.Node, Value: string(j.Role)}
		if j.Role == "" {
			row.Value = string(parse.RoleUnknown)
		}
		if j.Err != nil {
			row.ErrorKind = string(j.Kind)
			if j.Kind == fanout.KindNone {
				row.ErrorKind = string(fanout.KindInternal)
			}
			row.Error = j.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}
