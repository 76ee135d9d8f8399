// Package query defines the per-node reads that fan-out runs.
package query

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
)

// Query is one CLI command plus how to read its reply.
type Query struct {
	Name    string
	Command string
	Parse   func(text string) parse.Value
}

// Built-in queries.
var (
	State = Query{Name: "state", Command: "state", Parse: parse.RoleOf}
	EUI64 = Query{Name: "eui64", Command: "eui64", Parse: parse.EUI64}
	Speed = Query{Name: "speed", Command: "speed", Parse: parse.Speed.Parse}
)

// IPAddr reads the node's addresses and keeps the one prefer selects.
func IPAddr(prefer parse.Predicate) Query {
	return Query{
		Name:    "ipaddr",
		Command: "ipaddr",
		Parse:   func(text string) parse.Value { return parse.Address(text, prefer) },
	}
}

// Names lists the queries ByName understands.
func Names() []string {
	names := []string{State.Name, EUI64.Name, Speed.Name, "ipaddr"}
	sort.Strings(names)
	return names
}

// ByName resolves a query name from the command line.
func ByName(name string, prefer parse.Predicate) (Query, error) {
	switch name {
	case State.Name:
		return State, nil
	case EUI64.Name:
		return EUI64, nil
	case Speed.Name:
		return Speed, nil
	case "ipaddr":
		return IPAddr(prefer), nil
	default:
		return Query{}, fmt.Errorf("unknown query %q (want one of %v)", name, Names())
	}
}

// Run executes the query's command on s and parses the reply.
func (q Query) Run(s session.Session) (parse.Value, error) {
	return q.run(s, q.Command)
}

func (q Query) run(s session.Session, command string) (parse.Value, error) {
	res, err := s.Execute(command)
	if err != nil {
		return parse.Absent(), err
	}
	if parse.ResourceExhausted(res.Text) {
		return parse.Absent(), fmt.Errorf("%s: %w", command, session.ErrResourceExhausted)
	}
	return q.Parse(res.Text), nil
}

// Op adapts q for a session attached to a single node.
func (q Query) Op() fanout.Op {
	return q.Run
}

// Required wraps an op so an Absent value becomes ErrParseAbsent.
func Required(op fanout.Op) fanout.Op {
	return func(s session.Session) (parse.Value, error) {
		v, err := op(s)
		if err == nil && !v.Present() {
			return v, session.ErrParseAbsent
		}
		return v, err
	}
}

// NodeTasks builds one task per simulator node id. Each command is wrapped
// in template (e.g. `node %d "%s"`) so every node is reached through one
// shared simulator session.
func (q Query) NodeTasks(template string, ids []int) []fanout.Task {
	tasks := make([]fanout.Task, 0, len(ids))
	for _, id := range ids {
		command := fmt.Sprintf(template, id, q.Command)
		tasks = append(tasks, fanout.Task{
			Key: fanout.NodeRef(strconv.Itoa(id)),
			Op: func(s session.Session) (parse.Value, error) {
				return q.run(s, command)
			},
		})
	}
	return tasks
}
