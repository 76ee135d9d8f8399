// builder.go replays placements through a session, one prompt at a time.
package topology

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/parse"
	"github.com/otdrive/otdrive/internal/session"
)

// Node is a placement the simulator accepted, with the id it allocated.
type Node struct {
	Placement
	ID int
}

// Unplaced is a placement that produced no identifier.
type Unplaced struct {
	Placement
	Reply string
}

// Result collects what a Place call created.
type Result struct {
	Placed   []Node
	Unplaced []Unplaced
}

// IDs returns the allocated ids in placement order.
func (r Result) IDs() []int {
	ids := make([]int, 0, len(r.Placed))
	for _, n := range r.Placed {
		ids = append(ids, n.ID)
	}
	return ids
}

// Builder creates nodes through one session.
type Builder struct {
	Session session.Session
	Marker  string       // node id completion marker, e.g. "nodeid="
	Events  *log.Logger  // may be nil
	Log     zerolog.Logger
}

// Place sends each creation command in order. A reply without an id leaves
// that node unplaced and the build continues. Retry exhaustion and end of
// stream stop the build: the partial result is returned with the error.
func (b *Builder) Place(specs []Placement) (Result, error) {
	var res Result
	for _, p := range specs {
		cmd := p.Command()
		reply, err := b.Session.Execute(cmd)
		if err != nil {
			if errors.Is(err, session.ErrRetryExhausted) ||
				errors.Is(err, session.ErrEndOfStream) ||
				errors.Is(err, session.ErrClosed) {
				return res, fmt.Errorf("placing %s at (%d,%d): %w", p.Kind, p.X, p.Y, err)
			}
			return res, err
		}

		v := parse.NodeID(reply.Text, b.Marker)
		if !v.Present() {
			res.Unplaced = append(res.Unplaced, Unplaced{Placement: p, Reply: reply.Text})
			b.Log.Warn().Str("command", cmd).Msg("no node id in reply, node left unplaced")
			b.event(log.EventNodeUnplaced, cmd, "", reply.Text)
			continue
		}

		res.Placed = append(res.Placed, Node{Placement: p, ID: v.NodeID})
		b.Log.Debug().Str("command", cmd).Int("id", v.NodeID).Msg("node placed")
		b.event(log.EventNodePlaced, cmd, v.String(), "")
	}
	return res, nil
}

func (b *Builder) event(name, cmd, value, text string) {
	if b.Events == nil {
		return
	}
	_ = b.Events.Append(log.LogEvent{
		Event:   name,
		Command: cmd,
		Value:   value,
		Text:    text,
	})
}
