// Package scenario runs the incremental ping experiment: a line of routers
// grows one rung at a time and the end-to-end delay is measured after each.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/stability"
	"github.com/otdrive/otdrive/internal/topology"
)

// Step is the measurement taken with Routers routers in the line.
type Step struct {
	Routers int
	Src     int
	Dst     int
	Samples []float64   // every delay pings reported for this step
	Delay   parse.Value // Absent when no ping came back
}

// Sequence is one repetition of the scenario.
type Sequence []Step

// Average aggregates one router count across repetitions. Only repetitions
// that produced a delay count towards N.
type Average struct {
	Routers int
	N       int
	Mean    float64
	StdDev  float64
}

// Result holds every repetition plus the per-router-count averages.
type Result struct {
	Sequences []Sequence
	Averages  []Average
}

// Scenario drives one simulator session.
type Scenario struct {
	Session     session.Session
	Builder     *topology.Builder
	Stability   *stability.Orchestrator
	Cfg         config.ScenarioConfig
	Spacing     int
	NodeCommand string // e.g. `node %d "%s"`
	Events      *log.Logger
	Log         zerolog.Logger
}

// Run executes Cfg.Repetitions repetitions. Nodes from a finished
// repetition are deleted before the next one starts; the last repetition's
// network is left in place. A session failure stops the run and the
// sequences measured so far are returned with the error.
func (s *Scenario) Run() (Result, error) {
	if s.Cfg.Routers <= 0 {
		return Result{}, fmt.Errorf("routers must be positive, got %d", s.Cfg.Routers)
	}
	if s.Spacing <= 0 {
		return Result{}, fmt.Errorf("spacing must be positive, got %d", s.Spacing)
	}
	reps := s.Cfg.Repetitions
	if reps <= 0 {
		reps = 1
	}

	var res Result
	for r := 0; r < reps; r++ {
		seq, ids, err := s.repetition(r)
		res.Sequences = append(res.Sequences, seq)
		if err != nil {
			res.Averages = Summarize(res.Sequences)
			return res, fmt.Errorf("repetition %d: %w", r+1, err)
		}
		if r < reps-1 {
			if err := s.clear(ids); err != nil {
				res.Averages = Summarize(res.Sequences)
				return res, err
			}
		}
	}
	res.Averages = Summarize(res.Sequences)
	return res, nil
}

func (s *Scenario) repetition(rep int) (Sequence, []int, error) {
	var (
		seq Sequence
		ids []int
		src = -1
	)
	for i := 1; i <= s.Cfg.Routers; i++ {
		step := Step{Routers: i, Src: -1, Dst: -1}

		placed, err := s.Builder.Place(topology.Rung(i, s.Spacing, s.Cfg.BaseY))
		ids = append(ids, placed.IDs()...)
		if err != nil {
			return seq, ids, err
		}
		top, bottom := s.feds(placed)
		if i == 1 {
			src = bottom
		}
		step.Src, step.Dst = src, top

		for _, id := range placed.IDs() {
			if err := s.nodeCmd(id, "thread start"); err != nil {
				return seq, ids, err
			}
		}

		if _, err := s.Stability.Wait(s.Cfg.Settle(), s.Cfg.SettleSpeed); err != nil {
			return seq, ids, err
		}

		if src < 0 || top < 0 {
			s.Log.Warn().Int("routers", i).Msg("ping endpoints missing, step skipped")
			seq = append(seq, step)
			continue
		}

		step.Samples, err = s.ping(src, top)
		if err != nil {
			return seq, ids, err
		}
		step.Delay = StepDelay(step.Samples)
		seq = append(seq, step)

		s.Log.Info().Int("rep", rep+1).Int("routers", i).Str("delay_ms", parse.Display(step.Delay)).Msg("step measured")
		s.event(step)
	}
	return seq, ids, nil
}

// feds picks the end devices above and below the new router.
func (s *Scenario) feds(r topology.Result) (top, bottom int) {
	top, bottom = -1, -1
	for _, n := range r.Placed {
		if n.Kind != topology.FED {
			continue
		}
		switch n.Y {
		case s.Cfg.BaseY - s.Spacing:
			top = n.ID
		case s.Cfg.BaseY + s.Spacing:
			bottom = n.ID
		}
	}
	return top, bottom
}

// ping sends PingCount echo requests, advancing simulated time after each,
// then drains the simulator's ping results.
func (s *Scenario) ping(src, dst int) ([]float64, error) {
	count := s.Cfg.PingCount
	if count <= 0 {
		count = 1
	}
	advance := "go " + strconv.FormatFloat(s.Cfg.PingIntervalS, 'f', -1, 64)
	for n := 0; n < count; n++ {
		if _, err := s.Session.Execute(fmt.Sprintf("ping %d %d", src, dst)); err != nil {
			return nil, err
		}
		if s.Cfg.PingIntervalS > 0 {
			if _, err := s.Session.Execute(advance); err != nil {
				return nil, err
			}
		}
	}
	res, err := s.Session.Execute("pings")
	if err != nil {
		return nil, err
	}
	return parse.Delays(res.Text), nil
}

func (s *Scenario) nodeCmd(id int, cmd string) error {
	line := fmt.Sprintf("node %d %q", id, cmd)
	if s.NodeCommand != "" {
		line = fmt.Sprintf(s.NodeCommand, id, cmd)
	}
	_, err := s.Session.Execute(line)
	return err
}

func (s *Scenario) clear(ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	if _, err := s.Session.Execute("del " + strings.Join(parts, " ")); err != nil {
		return fmt.Errorf("deleting nodes: %w", err)
	}
	return nil
}

func (s *Scenario) event(step Step) {
	if s.Events == nil {
		return
	}
	_ = s.Events.Append(log.LogEvent{
		Event: log.EventPingDelay,
		Value: step.Delay.String(),
		Total: step.Routers,
		Data: map[string]interface{}{
			"src":     step.Src,
			"dst":     step.Dst,
			"samples": len(step.Samples),
		},
	})
}

// StepDelay reduces one batch of ping delays. The first reply pays for
// route discovery, so it is dropped when later replies exist.
func StepDelay(samples []float64) parse.Value {
	switch len(samples) {
	case 0:
		return parse.Absent()
	case 1:
		return parse.Value{Kind: parse.KindNumeric, Numeric: samples[0]}
	default:
		return parse.Value{Kind: parse.KindNumeric, Numeric: stat.Mean(samples[1:], nil)}
	}
}

// Summarize averages each router count over the repetitions that measured it.
func Summarize(seqs []Sequence) []Average {
	byCount := map[int][]float64{}
	maxRouters := 0
	for _, seq := range seqs {
		for _, st := range seq {
			if st.Routers > maxRouters {
				maxRouters = st.Routers
			}
			if st.Delay.Present() {
				byCount[st.Routers] = append(byCount[st.Routers], st.Delay.Numeric)
			}
		}
	}

	out := make([]Average, 0, maxRouters)
	for n := 1; n <= maxRouters; n++ {
		out = append(out, Aggregate(n, byCount[n]))
	}
	return out
}

// Aggregate computes mean and sample standard deviation of delays.
// A single value has zero deviation; no values give NaN.
func Aggregate(routers int, delays []float64) Average {
	a := Average{Routers: routers, N: len(delays)}
	switch len(delays) {
	case 0:
		a.Mean, a.StdDev = math.NaN(), math.NaN()
	case 1:
		a.Mean = delays[0]
	default:
		a.Mean, a.StdDev = stat.MeanStdDev(delays, nil)
	}
	return a
}

// ErrNoDelays is returned by callers that need at least one measurement.
var ErrNoDelays = errors.New("no ping delays measured")

// Measured reports whether any average carries data.
func (r Result) Measured() error {
	for _, a := range r.Averages {
		if a.N > 0 {
			return nil
		}
	}
	return ErrNoDelays
}
