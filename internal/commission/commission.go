// Package commission forms a Thread network over attached node containers:
// one leader runs the commissioner and every other node joins through it.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/query"
	"github.com/otdrive/otdrive/internal/retry"
	"github.com/otdrive/otdrive/internal/session"
)

// ErrAborted is returned when the circuit breaker stops the run.
var ErrAborted = errors.New("commissioning aborted")

var leaderSetup = []string{
	"factoryreset",
	"dataset init new",
	"dataset commit active",
	"ifconfig up",
	"thread start",
}

// JoinerResult is the outcome for one joiner.
type JoinerResult struct {
	Node   string
	EUI64  string
	Joined bool
	Role   parse.Role
	Kind   fanout.ErrorKind
	Err    error
}

// Report summarises a commissioning run.
type Report struct {
	Leader     string
	LeaderRole parse.Role
	Joiners    []JoinerResult
	Aborted    bool
}

// Joined counts joiners that reached the child role.
func (r Report) Joined() int {
	n := 0
	for _, j := range r.Joiners {
		if j.Joined {
			n++
		}
	}
	return n
}

// Commissioner drives the leader and joiners through Open.
type Commissioner struct {
	Cfg     config.CommissionConfig
	Open    fanout.Opener
	Workers int
	Events  *log.Logger // may be nil
	Log     zerolog.Logger
	// Sleep blocks between polls; nil means time.Sleep.
	Sleep func(time.Duration)
}

// Run configures the leader, collects joiner EUI-64s in parallel, then
// commissions each joiner in order.
func (c *Commissioner) Run(joiners []string) (Report, error) {
	rep := Report{Leader: c.Cfg.Leader}

	leader, err := c.Open(fanout.NodeRef(c.Cfg.Leader))
	if err != nil {
		return rep, fmt.Errorf("attaching leader %s: %w", c.Cfg.Leader, err)
	}
	defer leader.Close()

	role, err := c.setupLeader(leader)
	rep.LeaderRole = role
	if err != nil {
		return rep, fmt.Errorf("leader %s: %w", c.Cfg.Leader, err)
	}
	c.Log.Info().Str("leader", c.Cfg.Leader).Str("role", string(role)).Msg("commissioner started")

	euis, err := c.collectEUIs(joiners)
	if err != nil {
		return rep, err
	}

	breaker := newJoinBreaker(c.Cfg.BreakerThreshold)
	for _, node := range joiners {
		out := euis[fanout.NodeRef(node)]
		jr := JoinerResult{Node: node, EUI64: out.Value.EUI64}

		if !out.OK() {
			jr.Kind, jr.Err = out.Kind, out.Err
		} else {
			if err := c.addJoiner(leader, jr.EUI64); err != nil {
				rep.Joiners = append(rep.Joiners, JoinerResult{Node: node, EUI64: jr.EUI64, Kind: fanout.KindOf(err), Err: err})
				return rep, fmt.Errorf("adding joiner %s: %w", node, err)
			}
			jr.Role, jr.Err = c.join(node)
			if jr.Err == nil {
				jr.Joined = true
			} else {
				jr.Kind = fanout.KindOf(jr.Err)
				if err := c.recover(leader, jr.EUI64); err != nil {
					rep.Joiners = append(rep.Joiners, jr)
					return rep, fmt.Errorf("re-adding joiner %s: %w", node, err)
				}
			}
		}

		rep.Joiners = append(rep.Joiners, jr)
		trip := breaker.Record(jr)
		if jr.Joined {
			c.Log.Info().Str("node", node).Str("eui64", jr.EUI64).Msg("joiner attached as child")
			continue
		}

		c.Log.Warn().Err(jr.Err).Str("node", node).Msg("joiner failed")
		c.event(log.LogEvent{Event: log.EventJoinerFailed, Node: node, Value: jr.EUI64, Error: errString(jr.Err)})
		if trip {
			rep.Aborted = true
			return rep, breaker.Err()
		}
	}
	return rep, nil
}

func (c *Commissioner) setupLeader(leader session.Session) (parse.Role, error) {
	for _, cmd := range leaderSetup {
		if _, err := leader.Execute(cmd); err != nil {
			return parse.RoleUnknown, err
		}
	}
	c.sleep(time.Duration(c.Cfg.SettleMs) * time.Millisecond)

	v, err := query.State.Run(leader)
	if err != nil {
		return parse.RoleUnknown, err
	}
	if _, err := leader.Execute("commissioner start"); err != nil {
		return v.Role, err
	}
	return v.Role, nil
}

func (c *Commissioner) collectEUIs(joiners []string) (fanout.Result, error) {
	o := &fanout.Orchestrator{
		Open:    c.Open,
		Workers: c.Workers,
		Retry:   c.Cfg.NoBufsPolicy(),
		Events:  c.Events,
		Log:     c.Log,
	}
	res, err := o.Run(fanout.Tasks(fanout.Refs(joiners), query.Required(query.EUI64.Op())))
	if err != nil {
		return nil, fmt.Errorf("collecting EUI-64s: %w", err)
	}
	for _, k := range res.Keys() {
		c.Log.Info().Str("node", string(k)).Str("eui64", res[k].Value.EUI64).Str("kind", string(res[k].Kind)).Msg("eui64")
	}
	return res, nil
}

// addJoiner registers eui with the leader's commissioner, backing off while
// the leader reports NoBufs.
func (c *Commissioner) addJoiner(leader session.Session, eui string) error {
	cmd := fmt.Sprintf("commissioner joiner add %s THREAD %d", eui, c.Cfg.JoinerTimeoutS)
	err := retry.Do(context.Background(), c.Cfg.NoBufsPolicy(), isResourceExhausted, func(attempt int) error {
		res, err := leader.Execute(cmd)
		if err != nil {
			return err
		}
		if parse.ResourceExhausted(res.Text) {
			c.Log.Warn().Str("eui64", eui).Int("attempt", attempt).Msg("leader buffers full, backing off")
			return session.ErrResourceExhausted
		}
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%s: %w", cmd, session.ErrResourceExhausted)
	}
	return err
}

// join runs the joiner side and waits for the child role.
func (c *Commissioner) join(node string) (parse.Role, error) {
	joiner, err := c.Open(fanout.NodeRef(node))
	if err != nil {
		return parse.RoleUnknown, err
	}
	defer joiner.Close()

	for _, cmd := range []string{"factoryreset", "ifconfig up"} {
		if _, err := joiner.Execute(cmd); err != nil {
			return parse.RoleUnknown, err
		}
	}

	interval := time.Duration(c.Cfg.StateIntervalMs) * time.Millisecond
	attempts := max(c.Cfg.JoinAttempts, 1)
	joined := false
	for attempt := 1; !joined && attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.Log.Debug().Str("node", node).Int("attempt", attempt).Msg("no Join success, restarting joiner")
			c.sleep(time.Duration(c.Cfg.JoinRetryMs) * time.Millisecond)
		}
		joined, err = c.startJoiner(joiner, interval)
		if err != nil {
			return parse.RoleUnknown, err
		}
	}
	if !joined {
		return parse.RoleUnknown, fmt.Errorf("%s: no Join success after %d attempts: %w", node, attempts, session.ErrTimeout)
	}

	if _, err := joiner.Execute("thread start"); err != nil {
		return parse.RoleUnknown, err
	}

	role := parse.RoleUnknown
	for i := 0; i < c.Cfg.StateChecks; i++ {
		c.sleep(interval)
		v, err := query.State.Run(joiner)
		if err != nil {
			return parse.RoleUnknown, err
		}
		role = v.Role
		if role == parse.RoleChild {
			return role, nil
		}
	}
	return role, fmt.Errorf("%s: state %s after %d checks: %w", node, role, c.Cfg.StateChecks, session.ErrTimeout)
}

// startJoiner sends one "joiner start THREAD" and probes for Join success.
func (c *Commissioner) startJoiner(joiner session.Session, interval time.Duration) (bool, error) {
	res, err := joiner.Execute("joiner start THREAD")
	if err != nil {
		return false, err
	}
	if parse.JoinSucceeded(res.Text) {
		return true, nil
	}
	for i := 0; i < c.Cfg.JoinProbes; i++ {
		c.sleep(interval)
		res, err := joiner.Execute("")
		if err != nil {
			return false, err
		}
		if parse.JoinSucceeded(res.Text) {
			return true, nil
		}
	}
	return false, nil
}

// recover restarts the commissioner and registers eui again.
func (c *Commissioner) recover(leader session.Session, eui string) error {
	if _, err := leader.Execute("commissioner start"); err != nil {
		return err
	}
	return c.addJoiner(leader, eui)
}

func (c *Commissioner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (c *Commissioner) event(e log.LogEvent) {
	if c.Events == nil {
		return
	}
	_ = c.Events.Append(e)
}

func isResourceExhausted(err error) bool {
	return errors.Is(err, session.ErrResourceExhausted)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
