package fanout

import (
	"errors"

	"github.com/otdrive/otdrive/internal/session"
)

// ErrorKind classifies why a task produced no value.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTimeout           ErrorKind = "timeout"
	KindEndOfStream       ErrorKind = "end_of_stream"
	KindParseAbsent       ErrorKind = "parse_absent"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindRetryExhausted    ErrorKind = "retry_exhausted"
	KindSpawn             ErrorKind = "spawn"
	KindInternal          ErrorKind = "internal"
)

// KindOf maps an error onto the taxonomy. RetryExhausted is checked before
// Timeout because an exhausted call is also, in effect, a timeout.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, session.ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, session.ErrTimeout):
		return KindTimeout
	case errors.Is(err, session.ErrEndOfStream), errors.Is(err, session.ErrClosed):
		return KindEndOfStream
	case errors.Is(err, session.ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, session.ErrParseAbsent):
		return KindParseAbsent
	case errors.Is(err, session.ErrSpawn):
		return KindSpawn
	default:
		return KindInternal
	}
}
