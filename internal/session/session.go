// Package session drives a prompt-delimited interactive process.
// One Session owns one stream; commands are strictly half-duplex.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/retry"
)

// Session is the only surface orchestrators see.
type Session interface {
	Execute(command string, opts ...CallOption) (Result, error)
	Close() error
}

// Stream is the byte pipe a spawner hands back.
//
// ReadUntil returns the bytes read before token and consumes the token.
// On timeout it returns whatever was buffered with timedOut set. When the
// process is gone it returns the buffered bytes and io.EOF.
type Stream interface {
	Write(p []byte) error
	ReadUntil(token string, timeout time.Duration) (body []byte, timedOut bool, err error)
	Close() error
}

// Result is the outcome of one Execute call. It is returned even when the
// call failed so callers can inspect what was buffered.
type Result struct {
	Text     string
	TimedOut bool
	EOF      bool
	Attempts int
}

// State tracks where a session is in the send/await cycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingPrompt
	StateReady
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingPrompt:
		return "awaiting_prompt"
	case StateReady:
		return "ready"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a CommandSession.
type Options struct {
	Node             string // label used in the transcript and in errors
	Prompt           string
	Policy           retry.Policy
	ProbeTimeout     time.Duration
	CreationPrefixes []string
	// MaxExhausted closes the session after this many consecutive
	// retry exhaustions. Zero never closes on exhaustion.
	MaxExhausted int
	Sink         log.Sink
}

// OptionsFromConfig builds Options for the given node label.
func OptionsFromConfig(cfg *config.Config, node string, sink log.Sink) Options {
	return Options{
		Node:   node,
		Prompt: cfg.Simulator.Prompt,
		Policy: retry.Policy{
			Timeout:    cfg.Session.Timeout(),
			MaxRetries: cfg.Session.MaxRetries,
			Backoff:    cfg.Session.Backoff(),
		},
		ProbeTimeout:     cfg.Session.ProbeTimeout(),
		CreationPrefixes: cfg.Session.CreationPrefixes,
		MaxExhausted:     cfg.Session.MaxExhausted,
		Sink:             sink,
	}
}

type callOptions struct {
	timeout time.Duration
	retries int
}

// CallOption overrides the session defaults for one Execute call.
type CallOption func(*callOptions)

// WithTimeout sets the prompt timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callOptions) { c.timeout = d }
}

// WithRetries sets how many times the original command is re-sent after
// a timed-out recovery.
func WithRetries(n int) CallOption {
	return func(c *callOptions) { c.retries = n }
}

var digitRun = regexp.MustCompile(`\d+`)

// CommandSession implements Session over a Stream.
type CommandSession struct {
	mu        sync.Mutex
	stream    Stream
	opts      Options
	state     State
	exhausted int
	owed      int // lines sent whose prompt has not been read yet
	now       func() time.Time
}

// New wraps an already-attached stream. The stream is owned by the session
// from here on.
func New(stream Stream, opts Options) *CommandSession {
	if opts.Prompt == "" {
		opts.Prompt = ">"
	}
	if opts.Policy.Timeout <= 0 {
		opts.Policy.Timeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Second
	}
	if opts.Sink == nil {
		opts.Sink = log.Discard
	}
	return &CommandSession{
		stream: stream,
		opts:   opts,
		state:  StateIdle,
		now:    time.Now,
	}
}

// Node returns the label this session was opened for.
func (s *CommandSession) Node() string { return s.opts.Node }

// State reports the current protocol state.
func (s *CommandSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute sends command and waits for the prompt.
//
// A timed-out wait is followed by one recovery probe (an empty line). If
// that also times out the original command is re-sent, up to the retry
// budget. End of stream is returned at once and closes the session.
func (s *CommandSession) Execute(command string, opts ...CallOption) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return Result{}, s.fail(command, 0, ErrClosed)
	}

	call := callOptions{timeout: s.opts.Policy.Timeout, retries: s.opts.Policy.MaxRetries}
	for _, o := range opts {
		o(&call)
	}
	policy := retry.Policy{Timeout: call.timeout, MaxRetries: call.retries, Backoff: s.opts.Policy.Backoff}

	var (
		res  Result
		body []byte
	)
	if err := s.resync(0, true); err != nil {
		s.shutdown()
		return Result{EOF: true}, s.fail(command, 0, ErrEndOfStream)
	}
	err := retry.Do(context.Background(), policy, isTimeout, func(attempt int) error {
		res.Attempts = attempt
		var err error
		body, err = s.roundTrip(command, call.timeout, attempt)
		return err
	})

	switch {
	case errors.Is(err, ErrEndOfStream):
		res.Text = decode(body)
		res.EOF = true
		s.shutdown()
		return res, s.fail(command, res.Attempts, ErrEndOfStream)
	case errors.Is(err, retry.ErrExhausted):
		res.Text = decode(body)
		res.TimedOut = true
		s.exhausted++
		if s.opts.MaxExhausted > 0 && s.exhausted >= s.opts.MaxExhausted {
			s.shutdown()
		} else {
			s.state = StateTimedOut
		}
		return res, s.fail(command, res.Attempts, ErrRetryExhausted)
	case err != nil:
		res.Text = decode(body)
		return res, s.fail(command, res.Attempts, err)
	}

	s.exhausted = 0
	if s.isCreation(command) {
		extra, err := s.probe(res.Attempts)
		if err != nil {
			res.Text = decode(body)
			res.EOF = true
			s.shutdown()
			return res, s.fail(command, res.Attempts, ErrEndOfStream)
		}
		if digitRun.Match(extra) {
			body = append(body, extra...)
		}
	}

	res.Text = decode(body)
	if err := s.resync(res.Attempts, false); err != nil {
		res.EOF = true
		s.shutdown()
		return res, s.fail(command, res.Attempts, ErrEndOfStream)
	}
	s.state = StateReady
	return res, nil
}

// resync reads the prompts still owed for lines whose wait timed out, so the
// next command's reply is not taken from an earlier prompt. A prompt that
// does not show up within the probe timeout stays owed unless giveUp is set.
func (s *CommandSession) resync(attempt int, giveUp bool) error {
	for s.owed > 0 {
		_, timedOut, err := s.await(s.opts.ProbeTimeout, attempt)
		if err != nil {
			return err
		}
		if timedOut {
			if giveUp {
				s.owed = 0
			}
			return nil
		}
	}
	return nil
}

// roundTrip performs one send of command plus the recovery probe.
func (s *CommandSession) roundTrip(command string, timeout time.Duration, attempt int) ([]byte, error) {
	if attempt > 1 {
		if err := s.resync(attempt, true); err != nil {
			return nil, err
		}
	}
	if err := s.send(command, attempt); err != nil {
		return nil, err
	}

	body, timedOut, err := s.await(timeout, attempt)
	if err != nil {
		return body, err
	}
	if !timedOut {
		return body, nil
	}

	s.record(log.DirTimeout, command, attempt)
	if err := s.send("", attempt); err != nil {
		return body, err
	}
	more, timedOut, err := s.await(timeout, attempt)
	body = append(body, more...)
	if err != nil {
		return body, err
	}
	if timedOut {
		s.state = StateTimedOut
		s.record(log.DirTimeout, "", attempt)
		return body, ErrTimeout
	}
	return body, nil
}

// probe sends an empty line and collects a possible second flush.
func (s *CommandSession) probe(attempt int) ([]byte, error) {
	if err := s.send("", attempt); err != nil {
		return nil, err
	}
	extra, _, err := s.await(s.opts.ProbeTimeout, attempt)
	return extra, err
}

func (s *CommandSession) send(line string, attempt int) error {
	s.state = StateSending
	s.record(log.DirSend, line, attempt)
	if err := s.stream.Write([]byte(line + "\n")); err != nil {
		s.record(log.DirEOF, err.Error(), attempt)
		return fmt.Errorf("%w: %v", ErrEndOfStream, err)
	}
	s.owed++
	s.state = StateAwaitingPrompt
	return nil
}

func (s *CommandSession) await(timeout time.Duration, attempt int) ([]byte, bool, error) {
	body, timedOut, err := s.stream.ReadUntil(s.opts.Prompt, timeout)
	if len(body) > 0 {
		s.record(log.DirRecv, decode(body), attempt)
	}
	if err != nil {
		s.record(log.DirEOF, err.Error(), attempt)
		return body, false, fmt.Errorf("%w: %v", ErrEndOfStream, err)
	}
	if !timedOut && s.owed > 0 {
		s.owed--
	}
	return body, timedOut, nil
}

func (s *CommandSession) record(dir, text string, attempt int) {
	s.opts.Sink.Write(log.Entry{
		Time:      s.now(),
		Direction: dir,
		Node:      s.opts.Node,
		Text:      text,
		Attempt:   attempt,
	})
}

func (s *CommandSession) isCreation(command string) bool {
	for _, p := range s.opts.CreationPrefixes {
		if p != "" && strings.HasPrefix(command, p) {
			return true
		}
	}
	return false
}

func (s *CommandSession) fail(command string, attempts int, err error) error {
	return &CommandError{Node: s.opts.Node, Command: command, Attempts: attempts, Err: err}
}

// shutdown must be called with s.mu held.
func (s *CommandSession) shutdown() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	_ = s.stream.Close()
}

// Close terminates the underlying process. Safe to call more than once.
func (s *CommandSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.stream.Close()
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// decode replaces invalid UTF-8 instead of rejecting the reply.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
