package session

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by sessions and the layers above them.
var (
	// ErrTimeout means the prompt never arrived within the call's budget.
	ErrTimeout = errors.New("prompt timeout")
	// ErrEndOfStream means the underlying process terminated.
	ErrEndOfStream = errors.New("end of stream")
	// ErrRetryExhausted means every allowed attempt hit ErrTimeout.
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrResourceExhausted means the simulator reported buffer saturation.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrParseAbsent means text arrived but no value matched.
	ErrParseAbsent = errors.New("no value in reply")
	// ErrClosed means the session was closed and cannot be reused.
	ErrClosed = errors.New("session closed")
	// ErrSpawn means the endpoint could not be started or attached.
	ErrSpawn = errors.New("spawn failed")
)

// CommandError names the node and command a failure belongs to.
type CommandError struct {
	Node     string
	Command  string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	node := e.Node
	if node == "" {
		node = "session"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %q after %d attempts: %v", node, e.Command, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %q: %v", node, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
