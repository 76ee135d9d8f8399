package fanout

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/retry"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/testutil"
)

func scriptedOpener(build func(key NodeRef) *testutil.ScriptedStream) Opener {
	return func(key NodeRef) (session.Session, error) {
		return session.New(build(key), session.Options{Node: string(key), Prompt: ">"}), nil
	}
}

func stateOp(s session.Session) (parse.Value, error) {
	res, err := s.Execute("state", session.WithRetries(0))
	if err != nil {
		return parse.Absent(), err
	}
	return parse.RoleOf(res.Text), nil
}

func TestRunIsTotal(t *testing.T) {
	keys := Refs([]string{"ot-node1", "ot-node2", "ot-node3", "ot-node4", "ot-node5", "ot-node6"})
	open := func(key NodeRef) (session.Session, error) {
		switch key {
		case "ot-node2":
			return nil, fmt.Errorf("%w: no such container", session.ErrSpawn)
		case "ot-node3":
			stream := testutil.NewScriptedStream(">")
			stream.Fallback = func(string) testutil.Reply { return testutil.Reply{} }
			return session.New(stream, session.Options{Prompt: ">"}), nil
		case "ot-node4":
			stream := testutil.NewScriptedStream(">").
				OnReply("state", testutil.Reply{EOF: true})
			return session.New(stream, session.Options{Prompt: ">"}), nil
		case "ot-node5":
			stream := testutil.NewScriptedStream(">").On("state", "disabled\nDone\n>")
			return session.New(stream, session.Options{Prompt: ">"}), nil
		default:
			stream := testutil.NewScriptedStream(">").On("state", "router\nDone\n>")
			return session.New(stream, session.Options{Prompt: ">"}), nil
		}
	}

	o := &Orchestrator{Open: open, Workers: 3, Log: zerolog.Nop()}
	res, err := o.Run(Tasks(keys, stateOp))
	require.NoError(t, err)
	require.Len(t, res, len(keys))

	assert.Equal(t, parse.RoleRouter, res["ot-node1"].Value.Role)
	assert.Equal(t, KindSpawn, res["ot-node2"].Kind)
	assert.Equal(t, KindRetryExhausted, res["ot-node3"].Kind)
	assert.Equal(t, KindEndOfStream, res["ot-node4"].Kind)
	assert.True(t, res["ot-node5"].OK(), "unknown role is a value")
	assert.Equal(t, parse.RoleUnknown, res["ot-node5"].Value.Role)
	assert.Equal(t, 3, res.Failed())
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	const workers = 3
	var live, peak int32

	op := func(session.Session) (parse.Value, error) {
		n := atomic.AddInt32(&live, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&live, -1)
		return parse.Value{Kind: parse.KindNumeric, Numeric: 1}, nil
	}

	var keys []NodeRef
	for i := 1; i <= 20; i++ {
		keys = append(keys, NodeRef(fmt.Sprintf("n%d", i)))
	}
	o := &Orchestrator{
		Open:    scriptedOpener(func(NodeRef) *testutil.ScriptedStream { return testutil.NewScriptedStream(">") }),
		Workers: workers,
		Log:     zerolog.Nop(),
	}
	res, err := o.Run(Tasks(keys, op))
	require.NoError(t, err)
	assert.Len(t, res, 20)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

func TestRunRejectsDuplicateKeys(t *testing.T) {
	o := &Orchestrator{Open: scriptedOpener(nil), Log: zerolog.Nop()}
	_, err := o.Run(Tasks([]NodeRef{"a", "b", "a"}, stateOp))
	assert.Error(t, err)
}

func TestRunIsolatesPanics(t *testing.T) {
	op := func(s session.Session) (parse.Value, error) {
		if s.(*session.CommandSession).Node() == "bad" {
			panic("boom")
		}
		return parse.Value{Kind: parse.KindNodeID, NodeID: 1}, nil
	}
	o := &Orchestrator{
		Open: scriptedOpener(func(NodeRef) *testutil.ScriptedStream { return testutil.NewScriptedStream(">") }),
		Log:  zerolog.Nop(),
	}
	res, err := o.Run(Tasks([]NodeRef{"good", "bad"}, op))
	require.NoError(t, err)
	assert.True(t, res["good"].OK())
	assert.Equal(t, KindInternal, res["bad"].Kind)
	assert.Contains(t, res["bad"].Err.Error(), "boom")
}

func TestRunClosesSessions(t *testing.T) {
	var mu sync.Mutex
	var streams []*testutil.ScriptedStream
	open := scriptedOpener(func(NodeRef) *testutil.ScriptedStream {
		s := testutil.NewScriptedStream(">").On("state", "child\n>")
		mu.Lock()
		streams = append(streams, s)
		mu.Unlock()
		return s
	})
	o := &Orchestrator{Open: open, Workers: 2, Log: zerolog.Nop()}
	_, err := o.Run(Tasks(Refs([]string{"a", "b", "c"}), stateOp))
	require.NoError(t, err)
	require.Len(t, streams, 3)
	for _, s := range streams {
		assert.True(t, s.Closed())
	}
}

type countingObserver struct {
	started, finished int32
}

func (c *countingObserver) Started(NodeRef)           { atomic.AddInt32(&c.started, 1) }
func (c *countingObserver) Finished(NodeRef, Outcome) { atomic.AddInt32(&c.finished, 1) }

func TestObserverSeesEveryTask(t *testing.T) {
	obs := &countingObserver{}
	o := &Orchestrator{
		Open:     scriptedOpener(func(NodeRef) *testutil.ScriptedStream { return testutil.NewScriptedStream(">") }),
		Observer: obs,
		Log:      zerolog.Nop(),
	}
	_, err := o.Run(Tasks(Refs([]string{"a", "b", "c", "d"}), stateOp))
	require.NoError(t, err)
	assert.EqualValues(t, 4, obs.started)
	assert.EqualValues(t, 4, obs.finished)
}

func TestSharedSessionSerializes(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("state", "leader\n>")
	shared := session.New(stream, session.Options{Prompt: ">"})
	o := &Orchestrator{Open: Shared(shared), Workers: 4, Log: zerolog.Nop()}

	res, err := o.Run(Tasks(Refs([]string{"1", "2", "3"}), stateOp))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
	assert.Equal(t, 3, stream.Count("state"))
	assert.False(t, stream.Closed(), "shared session stays open")
}

func TestNoBufsIsRetriedThenSucceeds(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("eui64", "Error 3: NoBufs\n>", "18b4300000000002\nDone\n>")
	open := func(key NodeRef) (session.Session, error) {
		return session.New(stream, session.Options{Node: string(key), Prompt: ">"}), nil
	}
	op := func(s session.Session) (parse.Value, error) {
		res, err := s.Execute("eui64")
		if err != nil {
			return parse.Absent(), err
		}
		if parse.ResourceExhausted(res.Text) {
			return parse.Absent(), session.ErrResourceExhausted
		}
		return parse.EUI64(res.Text), nil
	}

	o := &Orchestrator{Open: open, Retry: retry.Policy{MaxRetries: 2}, Log: zerolog.Nop()}
	res, err := o.Run(Tasks(Refs([]string{"ot-node2"}), op))
	require.NoError(t, err)

	out := res["ot-node2"]
	require.True(t, out.OK(), "outcome: %v", out.Err)
	assert.Equal(t, "18b4300000000002", out.Value.EUI64)
	assert.Equal(t, 2, stream.Count("eui64"))
}

func TestPersistentNoBufsIsResourceExhausted(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("speed", "Error 3: NoBufs\n>")
	calls := 0
	op := func(s session.Session) (parse.Value, error) {
		calls++
		if _, err := s.Execute("speed"); err != nil {
			return parse.Absent(), err
		}
		return parse.Absent(), session.ErrResourceExhausted
	}
	open := func(NodeRef) (session.Session, error) {
		return session.New(stream, session.Options{Prompt: ">"}), nil
	}

	o := &Orchestrator{Open: open, Retry: retry.Policy{MaxRetries: 2}, Log: zerolog.Nop()}
	res, err := o.Run(Tasks(Refs([]string{"ot-node1"}), op))
	require.NoError(t, err)

	assert.Equal(t, KindResourceExhausted, res["ot-node1"].Kind)
	assert.Equal(t, 3, calls)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	calls := 0
	op := func(session.Session) (parse.Value, error) {
		calls++
		return parse.Absent(), session.ErrParseAbsent
	}
	o := &Orchestrator{Open: scriptedOpener(func(NodeRef) *testutil.ScriptedStream {
		return testutil.NewScriptedStream(">")
	}), Retry: retry.Policy{MaxRetries: 3}, Log: zerolog.Nop()}

	res, err := o.Run(Tasks(Refs([]string{"ot-node1"}), op))
	require.NoError(t, err)
	assert.Equal(t, KindParseAbsent, res["ot-node1"].Kind)
	assert.Equal(t, 1, calls)
}

func TestKindOf(t *testing.T) {
	wrap := func(err error) error { return &session.CommandError{Command: "x", Err: err} }
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindRetryExhausted, KindOf(wrap(session.ErrRetryExhausted)))
	assert.Equal(t, KindTimeout, KindOf(wrap(session.ErrTimeout)))
	assert.Equal(t, KindEndOfStream, KindOf(wrap(session.ErrClosed)))
	assert.Equal(t, KindResourceExhausted, KindOf(session.ErrResourceExhausted))
	assert.Equal(t, KindParseAbsent, KindOf(session.ErrParseAbsent))
	assert.Equal(t, KindInternal, KindOf(errors.New("other")))
}

func TestSortRefsIsNumericAware(t *testing.T) {
	refs := Refs([]string{"ot-node10", "ot-node2", "ot-node1", "leader"})
	SortRefs(refs)
	assert.Equal(t, Refs([]string{"leader", "ot-node1", "ot-node2", "ot-node10"}), refs)
}

func TestTally(t *testing.T) {
	tally := NewTally(3)
	tally.RecordStart()
	tally.RecordSuccess()
	tally.RecordStart()
	tally.RecordFailure()
	assert.Equal(t, "[2/3]", tally.Progress())
	assert.False(t, tally.IsComplete())
	tally.RecordStart()
	assert.Equal(t, 1, tally.InFlight())
	tally.RecordSuccess()
	assert.True(t, tally.IsComplete())
}
