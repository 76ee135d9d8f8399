// record.go converts run results into store rows and finishes runs.
package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/report"
	"github.com/otdrive/otdrive/internal/scenario"
	"github.com/otdrive/otdrive/internal/store"
	"github.com/otdrive/otdrive/internal/topology"
)

func fanOutRows(res fanout.Result) []store.NodeResult {
	rows := make([]store.NodeResult, 0, len(res))
	for _, k := range res.Keys() {
		out := res[k]
		row := store.NodeResult{
			NodeRef:   string(k),
			Value:     out.Value.String(),
			ErrorKind: string(out.Kind),
		}
		if out.Err != nil {
			row.Error = out.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func placementRows(res topology.Result) []store.NodeResult {
	rows := make([]store.NodeResult, 0, len(res.Placed)+len(res.Unplaced))
	for _, n := range res.Placed {
		rows = append(rows, store.NodeResult{
			NodeRef: placementRef(n.Placement),
			Value:   strconv.Itoa(n.ID),
		})
	}
	for _, u := range res.Unplaced {
		rows = append(rows, store.NodeResult{
			NodeRef:   placementRef(u.Placement),
			ErrorKind: string(fanout.KindParseAbsent),
			Error:     "no node id in reply",
		})
	}
	return rows
}

func placementRef(p topology.Placement) string {
	return fmt.Sprintf("%s@%d,%d", p.Kind, p.X, p.Y)
}

func delayRows(res scenario.Result) []store.PingDelay {
	var rows []store.PingDelay
	for rep, seq := range res.Sequences {
		for _, st := range seq {
			rows = append(rows, store.PingDelay{
				Repetition: rep + 1,
				Routers:    st.Routers,
				DelayMs:    st.Delay.Numeric,
				Measured:   st.Delay.Present(),
			})
		}
	}
	return rows
}

// recorder wraps one stored run. A nil store records nothing, so commands
// keep working when the database cannot be opened.
type recorder struct {
	a   *app
	st  *store.Store
	run *store.Run
}

func (a *app) startRun(kind string, params any) *recorder {
	r := &recorder{a: a}
	st, err := a.openStore()
	if err != nil {
		a.log.Warn().Err(err).Msg("run store unavailable, results will not be saved")
		return r
	}
	run, err := st.CreateRun(kind, params)
	if err != nil {
		_ = st.Close()
		a.log.Warn().Err(err).Msg("could not record run")
		return r
	}
	r.st, r.run = st, run
	a.event(log.LogEvent{Event: log.EventRunStarted, RunID: run.ID, Value: kind})
	return r
}

func (r *recorder) nodes(rows []store.NodeResult) {
	if r.st == nil {
		return
	}
	if err := r.st.SaveNodeResults(r.run.ID, rows); err != nil {
		r.a.log.Warn().Err(err).Msg("could not save node results")
	}
}

func (r *recorder) delays(rows []store.PingDelay) {
	if r.st == nil {
		return
	}
	if err := r.st.SavePingDelays(r.run.ID, rows); err != nil {
		r.a.log.Warn().Err(err).Msg("could not save ping delays")
	}
}

// finish closes the run, writes its report file and prints the report to w.
func (r *recorder) finish(runErr error, w io.Writer) {
	if r.st == nil {
		return
	}
	defer r.st.Close()

	status := store.StatusComplete
	if runErr != nil {
		status = store.StatusFailed
	}
	if err := r.st.FinishRun(r.run.ID, status); err != nil {
		r.a.log.Warn().Err(err).Msg("could not finish run")
	}
	le := log.LogEvent{Event: log.EventRunComplete, RunID: r.run.ID, Value: status}
	if runErr != nil {
		le.Error = runErr.Error()
	}
	r.a.event(le)

	rep, err := report.Load(r.st, r.run.ID)
	if err != nil {
		r.a.log.Warn().Err(err).Msg("could not build report")
		return
	}
	if err := report.WriteFile(r.a.runDir(r.run.ID), rep); err != nil {
		r.a.log.Warn().Err(err).Msg("could not write report")
	}
	if w != nil {
		_ = report.Write(w, rep)
	}
}
