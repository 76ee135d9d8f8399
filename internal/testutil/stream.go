// stream.go provides an in-memory Stream that answers scripted commands.
package testutil

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// Reply is one scripted answer to a written line.
type Reply struct {
	Out  string // raw bytes emitted, including the prompt if one should appear
	Late string // emitted only once a read has timed out, like a slow prompt
	EOF  bool   // the stream ends after Out
}

// ScriptedStream answers each written line from a per-command queue.
// The last reply for a command repeats once the queue is drained. Lines with
// no script get Fallback, which defaults to a bare prompt.
//
// ReadUntil never sleeps: if the token is not buffered it reports a timeout
// at once, which keeps timeout tests instant and deterministic. Late output
// becomes readable after that timeout.
type ScriptedStream struct {
	mu       sync.Mutex
	prompt   string
	scripts  map[string][]Reply
	pending  []byte
	late     []byte
	eof      bool
	closed   bool
	writes   []string
	Fallback func(line string) Reply
}

// NewScriptedStream returns a stream whose unscripted lines answer with prompt.
func NewScriptedStream(prompt string) *ScriptedStream {
	s := &ScriptedStream{
		prompt:  prompt,
		scripts: make(map[string][]Reply),
	}
	s.Fallback = func(string) Reply { return Reply{Out: prompt} }
	return s
}

// On queues text replies for command.
func (s *ScriptedStream) On(command string, outs ...string) *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range outs {
		s.scripts[command] = append(s.scripts[command], Reply{Out: out})
	}
	return s
}

// OnReply queues full replies for command.
func (s *ScriptedStream) OnReply(command string, replies ...Reply) *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[command] = append(s.scripts[command], replies...)
	return s
}

// Hang makes command produce no output at all.
func (s *ScriptedStream) Hang(command string) *ScriptedStream {
	return s.OnReply(command, Reply{})
}

// Preload buffers output before any command is written, like a banner.
func (s *ScriptedStream) Preload(out string) *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, out...)
	return s
}

// Write records the line(s) in p and queues their replies.
func (s *ScriptedStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.eof {
		return io.ErrClosedPipe
	}

	text := strings.TrimSuffix(string(p), "\n")
	for _, line := range strings.Split(text, "\n") {
		s.writes = append(s.writes, line)
		reply := s.next(line)
		s.pending = append(s.pending, reply.Out...)
		s.late = append(s.late, reply.Late...)
		if reply.EOF {
			s.eof = true
			break
		}
	}
	return nil
}

func (s *ScriptedStream) next(line string) Reply {
	queue, ok := s.scripts[line]
	if !ok || len(queue) == 0 {
		return s.Fallback(line)
	}
	reply := queue[0]
	if len(queue) > 1 {
		s.scripts[line] = queue[1:]
	}
	return reply
}

// ReadUntil implements session.Stream.
func (s *ScriptedStream) ReadUntil(token string, _ time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := bytes.Index(s.pending, []byte(token)); i >= 0 {
		out := append([]byte(nil), s.pending[:i]...)
		s.pending = s.pending[i+len(token):]
		return out, false, nil
	}

	out := s.pending
	s.pending = nil
	if s.eof || s.closed {
		return out, false, io.EOF
	}
	s.pending, s.late = s.late, nil
	return out, true, nil
}

// Close marks the stream closed.
func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Writes returns every line written so far, in order.
func (s *ScriptedStream) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Count returns how many times line was written.
func (s *ScriptedStream) Count(line string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w == line {
			n++
		}
	}
	return n
}
