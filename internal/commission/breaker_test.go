package commission

import (
	"errors"
	"strings"
	"testing"

	"github.com/otdrive/otdrive/internal/fanout"
)

func failed(node string, kind fanout.ErrorKind) JoinerResult {
	return JoinerResult{Node: node, Kind: kind, Err: errors.New("join failed")}
}

func TestJoinBreakerTrips(t *testing.T) {
	b := newJoinBreaker(3)
	if b.Record(failed("ot-node2", fanout.KindTimeout)) || b.Record(failed("ot-node3", fanout.KindTimeout)) {
		t.Fatal("tripped before threshold (3)")
	}
	if !b.Record(failed("ot-node4", fanout.KindTimeout)) {
		t.Fatal("should trip after 3 failures")
	}

	if got := b.Cause(); got != fanout.KindTimeout {
		t.Errorf("Cause = %q, want timeout", got)
	}
	err := b.Err()
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Err = %v, want ErrAborted", err)
	}
	for _, want := range []string{"ot-node2: timeout", "ot-node4: timeout", "all timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Err %q missing %q", err, want)
		}
	}
}

func TestJoinBreakerSuccessClearsStreak(t *testing.T) {
	b := newJoinBreaker(2)
	b.Record(failed("ot-node2", fanout.KindParseAbsent))
	if b.Record(JoinerResult{Node: "ot-node3", Joined: true}) {
		t.Error("a joined node must not trip")
	}
	if n := len(b.Streak()); n != 0 {
		t.Errorf("Streak len = %d, want 0 after success", n)
	}
	if b.Record(failed("ot-node4", fanout.KindParseAbsent)) {
		t.Error("tripped on first failure after success")
	}
}

func TestJoinBreakerMixedCauses(t *testing.T) {
	b := newJoinBreaker(2)
	b.Record(failed("ot-node2", fanout.KindTimeout))
	b.Record(JoinerResult{Node: "ot-node3", Err: errors.New("boom")})

	if got := b.Cause(); got != fanout.KindNone {
		t.Errorf("Cause = %q, want none for mixed kinds", got)
	}
	msg := b.Err().Error()
	if !strings.Contains(msg, "ot-node3: internal") {
		t.Errorf("unclassified failure not reported as internal: %q", msg)
	}
	if strings.Contains(msg, "all ") {
		t.Errorf("mixed streak reported a shared cause: %q", msg)
	}
}

func TestJoinBreakerDefaultThreshold(t *testing.T) {
	for _, in := range []int{0, -1} {
		if b := newJoinBreaker(in); b.Threshold != defaultBreakerThreshold {
			t.Errorf("Threshold = %d, want %d for input %d", b.Threshold, defaultBreakerThreshold, in)
		}
	}
}
