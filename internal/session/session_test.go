package session_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/retry"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/testutil"
)

func newSession(stream session.Stream, retries int) *session.CommandSession {
	return session.New(stream, session.Options{
		Node:             "sim",
		Prompt:           ">",
		Policy:           retry.Policy{Timeout: time.Second, MaxRetries: retries},
		CreationPrefixes: []string{"add "},
	})
}

func hangEverything(s *testutil.ScriptedStream) {
	s.Fallback = func(string) testutil.Reply { return testutil.Reply{} }
}

func TestCreationReplyYieldsNodeID(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("add router x 500 y 300", "Added router with nodeid=7\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("add router x 500 y 300")
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, res.Attempts)

	v := parse.NodeID(res.Text, "nodeid=")
	assert.Equal(t, parse.KindNodeID, v.Kind)
	assert.Equal(t, 7, v.NodeID)

	// The creation probe is one extra empty line.
	assert.Equal(t, []string{"add router x 500 y 300", ""}, stream.Writes())
	assert.Equal(t, session.StateReady, sess.State())
}

func TestCreationSecondFlushIsAppended(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("add router x 100 y 100", "\r\n>").
		On("", "\r\n12\r\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("add router x 100 y 100")
	require.NoError(t, err)

	v := parse.NodeID(res.Text, "nodeid=")
	require.Equal(t, parse.KindNodeID, v.Kind)
	assert.Equal(t, 12, v.NodeID)
}

func TestCreationWithoutIdentifierIsAbsent(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("add fed x 1 y 1", "Error: InvalidState\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("add fed x 1 y 1")
	require.NoError(t, err)
	assert.Equal(t, parse.KindAbsent, parse.NodeID(res.Text, "nodeid=").Kind)
}

func TestNonCreationCommandSkipsProbe(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("state", "router\nDone\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("state")
	require.NoError(t, err)
	assert.Equal(t, "router\nDone\n", res.Text)
	assert.Equal(t, []string{"state"}, stream.Writes())
}

func TestRetryBound(t *testing.T) {
	for _, k := range []int{0, 1, 2, 4} {
		stream := testutil.NewScriptedStream(">")
		hangEverything(stream)
		sess := newSession(stream, k)

		res, err := sess.Execute("state")
		require.Error(t, err)
		assert.ErrorIs(t, err, session.ErrRetryExhausted)
		assert.True(t, res.TimedOut)
		assert.Equal(t, k+1, res.Attempts)
		assert.Equal(t, k+1, stream.Count("state"), "k=%d", k)
		// Each attempt is followed by exactly one recovery probe.
		assert.Equal(t, k+1, stream.Count(""), "k=%d", k)
	}
}

func TestWithRetriesOverridesDefault(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	hangEverything(stream)
	sess := newSession(stream, 5)

	_, err := sess.Execute("speed", session.WithRetries(0), session.WithTimeout(time.Millisecond))
	assert.ErrorIs(t, err, session.ErrRetryExhausted)
	assert.Equal(t, 1, stream.Count("speed"))
}

func TestRecoveryProbeCompletesReply(t *testing.T) {
	// The reply arrives without a prompt; the empty line flushes it.
	stream := testutil.NewScriptedStream(">").On("state", "leader\n")
	sess := newSession(stream, 2)

	res, err := sess.Execute("state")
	require.NoError(t, err)
	assert.Equal(t, "leader\n", res.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, stream.Count("state"))
}

func TestLatePromptDoesNotShiftLaterReplies(t *testing.T) {
	// The reply and its prompt show up only after the first wait expired,
	// so the recovery line's own prompt is still pending afterwards.
	stream := testutil.NewScriptedStream(">").
		OnReply("slow", testutil.Reply{Late: "slow-result\n>"}).
		On("state", "leader\nDone\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("slow")
	require.NoError(t, err)
	assert.Equal(t, "slow-result\n", res.Text)

	res, err = sess.Execute("state")
	require.NoError(t, err)
	assert.Equal(t, "leader\nDone\n", res.Text)
	assert.Equal(t, parse.RoleLeader, parse.RoleOf(res.Text).Role)
	assert.Equal(t, []string{"slow", "", "state"}, stream.Writes())
}

func TestLateCreationProbePromptIsConsumed(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("add router x 1 y 1", "Added nodeid=3\n>").
		OnReply("", testutil.Reply{Late: ">"}).
		On("state", "router\nDone\n>")
	sess := newSession(stream, 2)

	res, err := sess.Execute("add router x 1 y 1")
	require.NoError(t, err)
	assert.Equal(t, 3, parse.NodeID(res.Text, "nodeid=").NodeID)

	res, err = sess.Execute("state")
	require.NoError(t, err)
	assert.Equal(t, "router\nDone\n", res.Text)
}

func TestLostPromptIsForgottenBeforeNextCommand(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		On("state", "leader\n").
		On("ipaddr", "fd00::1\nDone\n>")
	sess := newSession(stream, 2)

	_, err := sess.Execute("state")
	require.NoError(t, err)

	res, err := sess.Execute("ipaddr")
	require.NoError(t, err)
	assert.Equal(t, "fd00::1\nDone\n", res.Text)
	assert.Equal(t, 1, stream.Count("ipaddr"))
}

func TestEndOfStreamIsNotRetried(t *testing.T) {
	stream := testutil.NewScriptedStream(">").
		OnReply("state", testutil.Reply{Out: "partial", EOF: true})
	sess := newSession(stream, 3)

	res, err := sess.Execute("state")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrEndOfStream)
	assert.True(t, res.EOF)
	assert.Equal(t, "partial", res.Text)
	assert.Equal(t, 1, stream.Count("state"))
	assert.True(t, stream.Closed())
	assert.Equal(t, session.StateClosed, sess.State())

	_, err = sess.Execute("state")
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestInvalidBytesAreReplaced(t *testing.T) {
	stream := testutil.NewScriptedStream(">").On("state", "rou\xffter\n>")
	sess := newSession(stream, 0)

	res, err := sess.Execute("state")
	require.NoError(t, err)
	assert.Equal(t, "rou\uFFFDter\n", res.Text)
}

func TestRepeatedExhaustionClosesSession(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	hangEverything(stream)
	sess := session.New(stream, session.Options{
		Prompt:       ">",
		Policy:       retry.Policy{Timeout: time.Millisecond},
		MaxExhausted: 2,
	})

	_, err := sess.Execute("state")
	assert.ErrorIs(t, err, session.ErrRetryExhausted)
	assert.Equal(t, session.StateTimedOut, sess.State())

	_, err = sess.Execute("state")
	assert.ErrorIs(t, err, session.ErrRetryExhausted)
	assert.Equal(t, session.StateClosed, sess.State())

	_, err = sess.Execute("state")
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestCommandErrorNamesNodeAndCommand(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	hangEverything(stream)
	sess := session.New(stream, session.Options{Node: "ot-node3", Prompt: ">"})

	_, err := sess.Execute("ipaddr", session.WithRetries(0))
	var cmdErr *session.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "ot-node3", cmdErr.Node)
	assert.Equal(t, "ipaddr", cmdErr.Command)
	assert.Contains(t, err.Error(), "ot-node3")
}

type recordingSink struct {
	mu      sync.Mutex
	entries []log.Entry
}

func (r *recordingSink) Write(e log.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func TestTranscriptRecordsSendAndReceive(t *testing.T) {
	sink := &recordingSink{}
	stream := testutil.NewScriptedStream(">").On("speed", "speed=1\nDone\n>")
	sess := session.New(stream, session.Options{Node: "sim", Prompt: ">", Sink: sink})

	_, err := sess.Execute("speed")
	require.NoError(t, err)

	require.Len(t, sink.entries, 2)
	assert.Equal(t, log.DirSend, sink.entries[0].Direction)
	assert.Equal(t, "speed", sink.entries[0].Text)
	assert.Equal(t, log.DirRecv, sink.entries[1].Direction)
	assert.True(t, strings.HasPrefix(sink.entries[1].Text, "speed=1"))
	assert.Equal(t, "sim", sink.entries[1].Node)
	assert.False(t, sink.entries[0].Time.IsZero())
}

func TestDialWaitsForBanner(t *testing.T) {
	stream := testutil.NewScriptedStream(">").Preload("OTNS ready\n>")
	sess, err := session.Dial(spawnerFor(stream), "otns", session.Options{Prompt: ">"})
	require.NoError(t, err)
	assert.Empty(t, stream.Writes())
	assert.Equal(t, session.StateReady, sess.State())
}

func TestDialNudgesSilentEndpoint(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	sess, err := session.Dial(spawnerFor(stream), "docker attach ot-node1", session.Options{Prompt: ">"})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, stream.Writes())
	require.NoError(t, sess.Close())
	assert.True(t, stream.Closed())
}

func TestDialGivesUpWithoutPrompt(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	hangEverything(stream)
	_, err := session.Dial(spawnerFor(stream), "docker attach ot-node1", session.Options{Prompt: ">"})
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.True(t, stream.Closed())
}

func TestDialWrapsSpawnFailure(t *testing.T) {
	sp := session.SpawnerFunc(func(string) (session.Stream, error) {
		return nil, errors.New("no such container")
	})
	_, err := session.Dial(sp, "docker attach ot-node9", session.Options{})
	assert.ErrorIs(t, err, session.ErrSpawn)
}

func spawnerFor(stream *testutil.ScriptedStream) session.Spawner {
	return session.SpawnerFunc(func(string) (session.Stream, error) { return stream, nil })
}

func TestCloseIsIdempotent(t *testing.T) {
	stream := testutil.NewScriptedStream(">")
	sess := newSession(stream, 0)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}
