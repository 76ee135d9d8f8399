// sink.go defines the transcript sink that sessions and the stability
// orchestrator write to. Sinks are write-only.
package log

import (
	"time"

	"github.com/rs/zerolog"
)

// Transcript directions.
const (
	DirSend    = "send"
	DirRecv    = "recv"
	DirTimeout = "timeout"
	DirEOF     = "eof"
)

// Entry is one timestamped transcript record.
type Entry struct {
	Time      time.Time
	Direction string
	Node      string
	Text      string
	Attempt   int
}

// Sink accepts transcript entries.
type Sink interface {
	Write(e Entry)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(Entry) {}

// Tee returns a Sink that forwards every entry to each non-nil sink.
func Tee(sinks ...Sink) Sink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type tee []Sink

func (t tee) Write(e Entry) {
	for _, s := range t {
		s.Write(e)
	}
}

// ConsoleSink mirrors transcript entries into a zerolog logger at debug level.
type ConsoleSink struct {
	Logger zerolog.Logger
}

// Write implements Sink.
func (c ConsoleSink) Write(e Entry) {
	ev := c.Logger.Debug()
	if e.Direction == DirTimeout || e.Direction == DirEOF {
		ev = c.Logger.Warn()
	}
	ev.Time("at", e.Time).
		Str("dir", e.Direction).
		Str("node", e.Node).
		Int("attempt", e.Attempt).
		Msg(e.Text)
}
