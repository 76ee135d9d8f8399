package commission

import (
	"fmt"
	"strings"

	"github.com/otdrive/otdrive/internal/fanout"
)

const defaultBreakerThreshold = 3

// joinBreaker stops a commissioning run once Threshold joiners in a row
// failed. It keeps the failing streak so the abort names each node and why.
type joinBreaker struct {
	Threshold int
	streak    []JoinerResult
}

func newJoinBreaker(threshold int) *joinBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	return &joinBreaker{Threshold: threshold}
}

// Record adds one joiner outcome and reports whether the run must stop.
// A joined node clears the streak.
func (b *joinBreaker) Record(jr JoinerResult) bool {
	if jr.Joined {
		b.streak = b.streak[:0]
		return false
	}
	b.streak = append(b.streak, jr)
	return len(b.streak) >= b.Threshold
}

// Streak returns the consecutive failures recorded since the last success.
func (b *joinBreaker) Streak() []JoinerResult {
	return append([]JoinerResult(nil), b.streak...)
}

// Cause is the error kind shared by the whole streak, or KindNone when the
// failures differ.
func (b *joinBreaker) Cause() fanout.ErrorKind {
	if len(b.streak) == 0 {
		return fanout.KindNone
	}
	kind := b.streak[0].Kind
	for _, jr := range b.streak[1:] {
		if jr.Kind != kind {
			return fanout.KindNone
		}
	}
	return kind
}

// Err describes the abort.
func (b *joinBreaker) Err() error {
	parts := make([]string, 0, len(b.streak))
	for _, jr := range b.streak {
		kind := jr.Kind
		if kind == fanout.KindNone {
			kind = fanout.KindInternal
		}
		parts = append(parts, fmt.Sprintf("%s: %s", jr.Node, kind))
	}
	msg := fmt.Sprintf("after %d consecutive joiner failures (%s)", len(b.streak), strings.Join(parts, ", "))
	if cause := b.Cause(); cause != fanout.KindNone {
		msg += ", all " + string(cause)
	}
	return fmt.Errorf("%w %s", ErrAborted, msg)
}
