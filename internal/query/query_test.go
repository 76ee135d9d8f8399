package query

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/testutil"
)

func TestQueriesOverOneContainer(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("state", "router\nDone\n>").
		On("eui64", "18b4300000000002\nDone\n>").
		On("ipaddr", "fdde:ad00:beef:0:0:ff:fe00:fc00\nfdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3\nDone\n>")
	s := session.New(stream, session.Options{Prompt: ">"})

	v, err := State.Run(s)
	require.NoError(t, err)
	assert.Equal(t, parse.RoleRouter, v.Role)

	v, err = EUI64.Run(s)
	require.NoError(t, err)
	assert.Equal(t, "18b4300000000002", v.EUI64)

	v, err = IPAddr(parse.NotContains("ff:fe00")).Run(s)
	require.NoError(t, err)
	assert.Equal(t, "fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3", v.Address)
}

func TestNoBufsIsResourceExhausted(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("ipaddr", "Error 3: NoBufs\n>")
	s := session.New(stream, session.Options{Prompt: ">"})

	_, err := IPAddr(nil).Run(s)
	assert.ErrorIs(t, err, session.ErrResourceExhausted)
	assert.Equal(t, fanout.KindResourceExhausted, fanout.KindOf(err))
}

func TestRequiredTurnsAbsentIntoError(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("eui64", "Done\n>")
	s := session.New(stream, session.Options{Prompt: ">"})

	_, err := Required(EUI64.Op())(s)
	assert.ErrorIs(t, err, session.ErrParseAbsent)
}

func TestNodeTasksShareOneSimulator(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On(`node 1 "state"`, "leader\nDone\n>").
		On(`node 2 "state"`, "child\nDone\n>")
	sim := session.New(stream, session.Options{Prompt: ">"})

	o := &fanout.Orchestrator{Open: fanout.Shared(sim), Workers: 2, Log: zerolog.Nop()}
	res, err := o.Run(State.NodeTasks(`node %d "%s"`, []int{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, parse.RoleLeader, res["1"].Value.Role)
	assert.Equal(t, parse.RoleChild, res["2"].Value.Role)
}

func TestByName(t *testing.T) {
	q, err := ByName("ipaddr", nil)
	require.NoError(t, err)
	assert.Equal(t, "ipaddr", q.Command)

	_, err = ByName("rloc", nil)
	assert.Error(t, err)
}
