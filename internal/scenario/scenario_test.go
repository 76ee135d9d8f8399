package scenario

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/stability"
	"github.com/otdrive/otdrive/internal/testutil"
	"github.com/otdrive/otdrive/internal/topology"
)

// simulator allocates sequential node ids for every add command.
func simulator() *testutil.ScriptedStream {
	stream := testutil.NewScriptedStream(">")
	next := 0
	stream.Fallback = func(line string) testutil.Reply {
		if strings.HasPrefix(line, "add ") {
			next++
			return testutil.Reply{Out: fmt.Sprintf("%d\nDone\n>", next)}
		}
		return testutil.Reply{Out: ">"}
	}
	return stream
}

func newScenario(stream *testutil.ScriptedStream, cfg config.ScenarioConfig) *Scenario {
	s := session.New(stream, session.Options{
		Prompt:           ">",
		CreationPrefixes: []string{"add "},
	})
	return &Scenario{
		Session:     s,
		Builder:     &topology.Builder{Session: s, Marker: "nodeid=", Log: zerolog.Nop()},
		Stability:   &stability.Orchestrator{Session: s, Log: zerolog.Nop(), Sleep: func(time.Duration) {}},
		Cfg:         cfg,
		Spacing:     150,
		NodeCommand: `node %d "%s"`,
		Log:         zerolog.Nop(),
	}
}

func smallConfig() config.ScenarioConfig {
	return config.ScenarioConfig{
		Routers:       2,
		BaseY:         400,
		PingCount:     3,
		PingIntervalS: 1,
		SettleS:       40,
		SettleSpeed:   1000,
		Repetitions:   1,
	}
}

func TestRunMeasuresEachRung(t *testing.T) {
	stream := simulator().On("pings",
		"ping 3 fdde::2 4 delay=20ms\nping 3 fdde::2 4 delay=10ms\nping 3 fdde::2 4 delay=12ms\nDone\n>",
		"ping 3 fdde::5 4 delay=30ms\nDone\n>",
	)
	sc := newScenario(stream, smallConfig())

	res, err := sc.Run()
	require.NoError(t, err)
	require.Len(t, res.Sequences, 1)

	seq := res.Sequences[0]
	require.Len(t, seq, 2)
	assert.Equal(t, 3, seq[0].Src)
	assert.Equal(t, 2, seq[0].Dst, "newest top device")
	assert.Equal(t, 5, seq[1].Dst)
	assert.InDelta(t, 11.0, seq[0].Delay.Numeric, 1e-9, "first reply dropped")
	assert.InDelta(t, 30.0, seq[1].Delay.Numeric, 1e-9)

	assert.Equal(t, 3, stream.Count("ping 3 2"))
	assert.Equal(t, 3, stream.Count("ping 3 5"))
	assert.Equal(t, 6, stream.Count("go 1"))
	assert.Equal(t, 1, stream.Count(`node 1 "thread start"`))
	assert.Equal(t, 1, stream.Count(`node 6 "thread start"`))
	assert.Equal(t, 2, stream.Count("speed 1000"))
	assert.Equal(t, 1, stream.Count("add router x 150 y 400"))
	assert.Equal(t, 1, stream.Count("add fed x 300 y 250"))
	assert.Zero(t, stream.Count("del 1 2 3 4 5 6"), "last network is kept")

	require.Len(t, res.Averages, 2)
	assert.Equal(t, 1, res.Averages[0].N)
	assert.InDelta(t, 11.0, res.Averages[0].Mean, 1e-9)
	assert.Zero(t, res.Averages[0].StdDev)
	assert.NoError(t, res.Measured())
}

func TestRepetitionsAverageOnlyMeasuredSteps(t *testing.T) {
	stream := simulator().On("pings",
		"delay=10ms\nDone\n>",
		"Done\n>",
		"delay=20ms\nDone\n>",
		"delay=40ms\nDone\n>",
	)
	cfg := smallConfig()
	cfg.Repetitions = 2
	sc := newScenario(stream, cfg)

	res, err := sc.Run()
	require.NoError(t, err)
	require.Len(t, res.Sequences, 2)
	assert.Equal(t, 1, stream.Count("del 1 2 3 4 5 6"))

	assert.False(t, res.Sequences[0][1].Delay.Present())

	one, two := res.Averages[0], res.Averages[1]
	assert.Equal(t, 2, one.N)
	assert.InDelta(t, 15.0, one.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(50), one.StdDev, 1e-9)
	assert.Equal(t, 1, two.N)
	assert.InDelta(t, 40.0, two.Mean, 1e-9)
}

func TestEndOfStreamStopsRun(t *testing.T) {
	stream := simulator().
		On("pings", "delay=10ms\nDone\n>").
		OnReply("ping 3 5", testutil.Reply{EOF: true})
	sc := newScenario(stream, smallConfig())

	res, err := sc.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrEndOfStream)
	require.Len(t, res.Sequences, 1)
	require.Len(t, res.Sequences[0], 1, "first step survives")
	assert.InDelta(t, 10.0, res.Sequences[0][0].Delay.Numeric, 1e-9)
}

func TestRunRejectsEmptyLine(t *testing.T) {
	cfg := smallConfig()
	cfg.Routers = 0
	_, err := newScenario(simulator(), cfg).Run()
	assert.Error(t, err)
}

func TestStepDelay(t *testing.T) {
	assert.False(t, StepDelay(nil).Present())
	assert.Equal(t, 7.0, StepDelay([]float64{7}).Numeric)
	assert.InDelta(t, 3.0, StepDelay([]float64{100, 2, 4}).Numeric, 1e-9)
}

func TestAggregateEmpty(t *testing.T) {
	a := Aggregate(3, nil)
	assert.Equal(t, 0, a.N)
	assert.True(t, math.IsNaN(a.Mean))
	assert.ErrorIs(t, Result{Averages: []Average{a}}.Measured(), ErrNoDelays)
}

func TestSummarizeKeepsEveryRouterCount(t *testing.T) {
	seqs := []Sequence{{
		{Routers: 1, Delay: parse.Value{Kind: parse.KindNumeric, Numeric: 5}},
		{Routers: 2},
		{Routers: 3, Delay: parse.Value{Kind: parse.KindNumeric, Numeric: 9}},
	}}
	avgs := Summarize(seqs)
	require.Len(t, avgs, 3)
	assert.Equal(t, 0, avgs[1].N)
	assert.Equal(t, 3, avgs[2].Routers)
}
