// Package fanout runs one query across many independent sessions with
// bounded parallelism and returns a result for every key.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/retry"
	"github.com/otdrive/otdrive/internal/session"
)

// DefaultWorkers is the pool width used when none is configured.
const DefaultWorkers = 10

// NodeRef names a node: a container name or a numeric id. It is a lookup
// key, not a handle.
type NodeRef string

// Op reads one value from a session.
type Op func(s session.Session) (parse.Value, error)

// Task pairs a key with the operation to run against its session.
type Task struct {
	Key NodeRef
	Op  Op
}

// Outcome is either a Value (Kind == KindNone) or an error kind.
type Outcome struct {
	Value parse.Value
	Kind  ErrorKind
	Err   error
}

// OK reports whether the task produced a value.
func (o Outcome) OK() bool { return o.Kind == KindNone }

// Result maps every input key to its outcome.
type Result map[NodeRef]Outcome

// Keys returns the keys in natural order (ot-node2 before ot-node10).
func (r Result) Keys() []NodeRef {
	keys := make([]NodeRef, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	SortRefs(keys)
	return keys
}

// Failed counts outcomes that carry an error kind.
func (r Result) Failed() int {
	n := 0
	for _, o := range r {
		if !o.OK() {
			n++
		}
	}
	return n
}

// Opener produces the session a task runs against. The orchestrator closes it.
type Opener func(key NodeRef) (session.Session, error)

// Observer is notified as tasks start and finish. Calls may be concurrent.
type Observer interface {
	Started(key NodeRef)
	Finished(key NodeRef, o Outcome)
}

// Orchestrator runs Tasks with at most Workers sessions live at once.
type Orchestrator struct {
	Open     Opener
	Workers  int
	Retry    retry.Policy // re-runs an op that hit NoBufs; zero runs it once
	Observer Observer     // may be nil
	Events   *log.Logger  // may be nil
	Log      zerolog.Logger
}

// Run executes every task and waits for all of them. One task's failure
// never cancels or blocks another. The only error is a malformed task set.
func (o *Orchestrator) Run(tasks []Task) (Result, error) {
	seen := make(map[NodeRef]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.Key]; dup {
			return nil, fmt.Errorf("duplicate fan-out key %q", t.Key)
		}
		if t.Op == nil {
			return nil, fmt.Errorf("fan-out key %q has no operation", t.Key)
		}
		seen[t.Key] = struct{}{}
	}

	workers := o.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	tally := NewTally(len(tasks))
	outcomes := make([]Outcome, len(tasks))
	for i := range outcomes {
		outcomes[i] = Outcome{Kind: KindInternal, Err: fmt.Errorf("task did not complete")}
	}

	o.Log.Info().Int("tasks", len(tasks)).Int("workers", workers).Msg("fan-out started")
	o.event(log.LogEvent{Event: log.EventFanOutStarted, Total: len(tasks)})
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			tally.RecordStart()
			if o.Observer != nil {
				o.Observer.Started(t.Key)
			}

			out := o.runOne(t)
			outcomes[i] = out

			if out.OK() {
				tally.RecordSuccess()
			} else {
				tally.RecordFailure()
			}
			if o.Observer != nil {
				o.Observer.Finished(t.Key, out)
			}
			o.report(t.Key, out, tally)
			return nil
		})
	}
	_ = g.Wait()

	res := make(Result, len(tasks))
	for i, t := range tasks {
		res[t.Key] = outcomes[i]
	}

	o.Log.Info().
		Int("tasks", len(tasks)).
		Int("failed", res.Failed()).
		Dur("elapsed", time.Since(start)).
		Msg("fan-out complete")
	return res, nil
}

// runOne opens, runs and closes one task's session. Panics inside the
// operation become KindInternal for that key only.
func (o *Orchestrator) runOne(t Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: KindInternal, Err: fmt.Errorf("panic in task %s: %v", t.Key, r)}
		}
	}()

	sess, err := o.Open(t.Key)
	if err != nil {
		kind := KindOf(err)
		if kind == KindInternal {
			kind = KindSpawn
		}
		return Outcome{Kind: kind, Err: err}
	}
	defer sess.Close()

	var v parse.Value
	err = retry.Do(context.Background(), o.Retry, isResourceExhausted, func(attempt int) error {
		var err error
		v, err = t.Op(sess)
		if err != nil && isResourceExhausted(err) && attempt < o.Retry.Attempts() {
			o.Log.Debug().Str("node", string(t.Key)).Int("attempt", attempt).Msg("node buffers full, backing off")
		}
		return err
	})
	if err != nil {
		return Outcome{Value: v, Kind: KindOf(err), Err: err}
	}
	return Outcome{Value: v}
}

func (o *Orchestrator) report(key NodeRef, out Outcome, tally *Tally) {
	ev := o.Log.Debug()
	if !out.OK() {
		ev = o.Log.Warn().Err(out.Err).Str("kind", string(out.Kind))
	}
	ev.Str("node", string(key)).Str("value", out.Value.String()).Msg(tally.Progress())

	le := log.LogEvent{
		Event: log.EventFanOutResult,
		Node:  string(key),
		Value: out.Value.String(),
	}
	if out.Err != nil {
		le.Error = out.Err.Error()
	}
	o.event(le)
}

func (o *Orchestrator) event(e log.LogEvent) {
	if o.Events == nil {
		return
	}
	_ = o.Events.Append(e)
}

// Tasks builds one task per key, all running op.
func Tasks(keys []NodeRef, op Op) []Task {
	tasks := make([]Task, 0, len(keys))
	for _, k := range keys {
		tasks = append(tasks, Task{Key: k, Op: op})
	}
	return tasks
}

// Refs converts names to NodeRefs.
func Refs(names []string) []NodeRef {
	out := make([]NodeRef, 0, len(names))
	for _, n := range names {
		out = append(out, NodeRef(n))
	}
	return out
}

// SortRefs orders refs so that trailing numbers compare numerically.
func SortRefs(refs []NodeRef) {
	sort.Slice(refs, func(i, j int) bool {
		pi, ni := splitNumeric(string(refs[i]))
		pj, nj := splitNumeric(string(refs[j]))
		if pi != pj {
			return pi < pj
		}
		if ni != nj {
			return ni < nj
		}
		return refs[i] < refs[j]
	})
}

func splitNumeric(s string) (string, int) {
	end := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) + 1
	if end == len(s) {
		return s, -1
	}
	n, err := strconv.Atoi(s[end:])
	if err != nil {
		return s, -1
	}
	return s[:end], n
}

func isResourceExhausted(err error) bool {
	return errors.Is(err, session.ErrResourceExhausted)
}
