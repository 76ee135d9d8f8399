// Package stability lets a simulated network converge without waiting real
// time: it raises the simulator speed, sleeps, and restores the old speed.
package stability

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
)

// Report describes one stability wait.
type Report struct {
	Original   float64
	Factor     float64
	Slept      time.Duration
	Degraded   bool  // the original speed could not be restored
	RestoreErr error // set when Degraded
}

// Orchestrator owns the speed critical section for one simulator.
// Use one Orchestrator per simulator instance; Wait calls on it serialize.
type Orchestrator struct {
	Session session.Session
	Sink    log.Sink
	Log     zerolog.Logger
	// Sleep blocks the caller; nil means time.Sleep.
	Sleep func(time.Duration)

	mu sync.Mutex
}

// RealTime returns how long the caller must sleep so that duration of
// simulated time passes at factor times real speed.
func RealTime(duration time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return duration
	}
	return time.Duration(float64(duration) / factor)
}

// Wait runs simulated duration at factor. A failed restore is reported in
// the Report, not as an error: the simulator keeps running, only faster.
func (o *Orchestrator) Wait(duration time.Duration, factor float64) (Report, error) {
	if factor <= 0 {
		return Report{}, fmt.Errorf("speed factor must be positive, got %g", factor)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rep := Report{Original: parse.Speed.Default, Factor: factor}

	res, err := o.Session.Execute("speed")
	switch {
	case err == nil:
		rep.Original = parse.Speed.Parse(res.Text).Numeric
	case fatal(err):
		return rep, fmt.Errorf("reading speed: %w", err)
	default:
		o.Log.Warn().Err(err).Msg("speed unreadable, assuming 1")
	}

	if _, err := o.Session.Execute("speed " + formatSpeed(factor)); err != nil {
		return rep, fmt.Errorf("setting speed %s: %w", formatSpeed(factor), err)
	}

	rep.Slept = RealTime(duration, factor)
	o.record(log.EventSpeedSet, fmt.Sprintf("speed %s for %s simulated, sleeping %s",
		formatSpeed(factor), duration, rep.Slept))
	o.Log.Info().
		Float64("factor", factor).
		Dur("simulated", duration).
		Dur("sleep", rep.Slept).
		Msg("waiting for network to settle")

	o.sleep(rep.Slept)

	if _, err := o.Session.Execute("speed " + formatSpeed(rep.Original)); err != nil {
		rep.Degraded = true
		rep.RestoreErr = err
		o.record(log.EventSpeedRestoreFailed, err.Error())
		o.Log.Warn().Err(err).Float64("speed", rep.Original).Msg("could not restore simulation speed")
	}
	return rep, nil
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (o *Orchestrator) record(event, text string) {
	if o.Sink == nil {
		return
	}
	o.Sink.Write(log.Entry{Time: time.Now(), Direction: event, Text: text})
}

func fatal(err error) bool {
	return errors.Is(err, session.ErrEndOfStream) || errors.Is(err, session.ErrClosed)
}

func formatSpeed(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
