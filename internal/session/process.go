// process.go attaches to a spawned simulator or container over stdio.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stopTimeout bounds how long Close waits for the process after stdin closes.
const stopTimeout = 2 * time.Second

// ProcessStream is a Stream over a child process's stdin and stdout.
// A single reader goroutine feeds stdout chunks to ReadUntil.
type ProcessStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  io.Closer
	chunks  chan []byte
	done    chan struct{}
	drained chan struct{} // closed when readLoop returns
	buf     []byte
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches command (split on whitespace) and attaches to its
// stdio. When stderrPath is non-empty the child's stderr is appended there.
func StartProcess(command string, stderrPath string) (*ProcessStream, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cmd := exec.Command(parts[0], parts[1:]...)

	var stderrFile *os.File
	if stderrPath != "" {
		if err := os.MkdirAll(filepath.Dir(stderrPath), 0755); err != nil {
			return nil, fmt.Errorf("%w: creating log directory: %v", ErrSpawn, err)
		}
		f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening stderr file: %v", ErrSpawn, err)
		}
		cmd.Stderr = f
		stderrFile = f
	}

	stream, err := attach(cmd)
	if err != nil {
		if stderrFile != nil {
			_ = stderrFile.Close()
		}
		return nil, err
	}
	if stderrFile != nil {
		stream.stderr = stderrFile
	}
	return stream, nil
}

func attach(cmd *exec.Cmd) (*ProcessStream, error) {
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating stdin pipe: %v", ErrSpawn, err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdinPipe.Close()
		return nil, fmt.Errorf("%w: creating stdout pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdinPipe.Close()
		return nil, fmt.Errorf("%w: starting %s: %v", ErrSpawn, cmd.Path, err)
	}

	s := &ProcessStream{
		cmd:    cmd,
		stdin:  stdinPipe,
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.readLoop(stdoutPipe)
	return s, nil
}

// readLoop owns stdout. readErr is written before chunks is closed, so a
// receiver that observes the closed channel also observes the error.
func (s *ProcessStream) readLoop(r io.Reader) {
	defer close(s.drained)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// Buffer room wins over done so trailing output survives Close.
			select {
			case s.chunks <- chunk:
			default:
				select {
				case s.chunks <- chunk:
				case <-s.done:
					s.readErr = io.EOF
					close(s.chunks)
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				err = io.EOF
			}
			s.readErr = err
			close(s.chunks)
			return
		}
	}
}

// Write sends p to the child's stdin.
func (s *ProcessStream) Write(p []byte) error {
	_, err := s.stdin.Write(p)
	return err
}

// ReadUntil implements Stream.
func (s *ProcessStream) ReadUntil(token string, timeout time.Duration) ([]byte, bool, error) {
	tok := []byte(token)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if i := bytes.Index(s.buf, tok); i >= 0 {
			out := append([]byte(nil), s.buf[:i]...)
			s.buf = s.buf[i+len(tok):]
			return out, false, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				out := s.buf
				s.buf = nil
				if s.readErr == nil {
					return out, false, io.EOF
				}
				return out, false, s.readErr
			}
			s.buf = append(s.buf, chunk...)
		case <-timer.C:
			out := s.buf
			s.buf = nil
			return out, true, nil
		}
	}
}

// Close closes stdin, gives the process a moment to exit, then kills it.
// Wait is only called once stdout has been read to the end.
func (s *ProcessStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stdin.Close()

		if !s.awaitDrained(stopTimeout) {
			s.kill()
			s.awaitDrained(stopTimeout)
		}

		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case err := <-done:
			s.closeErr = err
		case <-time.After(stopTimeout):
			s.kill()
			<-done
		}

		if s.stderr != nil {
			_ = s.stderr.Close()
		}
	})
	return s.closeErr
}

func (s *ProcessStream) awaitDrained(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.drained:
		return true
	case <-timer.C:
		return false
	}
}

func (s *ProcessStream) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Spawner turns an endpoint descriptor into an attached Stream.
type Spawner interface {
	Spawn(endpoint string) (Stream, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(endpoint string) (Stream, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(endpoint string) (Stream, error) { return f(endpoint) }

// ProcessSpawner starts endpoints as local processes.
type ProcessSpawner struct {
	StderrPath string
}

// Spawn implements Spawner.
func (p ProcessSpawner) Spawn(endpoint string) (Stream, error) {
	return StartProcess(endpoint, p.StderrPath)
}

// Dial spawns endpoint and waits for the first prompt. Attached containers
// stay silent until they see input, so if nothing arrives within the probe
// timeout one empty line is sent and the full timeout applies.
func Dial(sp Spawner, endpoint string, opts Options) (*CommandSession, error) {
	stream, err := sp.Spawn(endpoint)
	if err != nil {
		if errors.Is(err, ErrSpawn) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, endpoint, err)
	}

	s := New(stream, opts)
	if err := s.handshake(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *CommandSession) handshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, timedOut, err := s.await(s.opts.ProbeTimeout, 0)
	if err != nil {
		return s.fail("", 0, ErrEndOfStream)
	}
	if !timedOut {
		s.state = StateReady
		return nil
	}

	if err := s.send("", 0); err != nil {
		return s.fail("", 0, ErrEndOfStream)
	}
	_, timedOut, err = s.await(s.opts.Policy.Timeout, 0)
	if err != nil {
		return s.fail("", 0, ErrEndOfStream)
	}
	if timedOut {
		return s.fail("", 0, ErrTimeout)
	}
	s.state = StateReady
	return nil
}
