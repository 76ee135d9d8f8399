package fanout

import (
	"fmt"
	"strings"

	"github.com/otdrive/otdrive/internal/session"
)

// Dialer opens one process per key by filling endpointTemplate with the
// key, e.g. "docker attach %s".
func Dialer(sp session.Spawner, endpointTemplate string, options func(NodeRef) session.Options) Opener {
	return func(key NodeRef) (session.Session, error) {
		endpoint := endpointTemplate
		if strings.Contains(endpointTemplate, "%") {
			endpoint = fmt.Sprintf(endpointTemplate, key)
		}
		return session.Dial(sp, endpoint, options(key))
	}
}

// Shared hands every task the same session. Tasks then serialize on the
// session's own lock, and Close is left to the owner.
func Shared(s session.Session) Opener {
	return func(NodeRef) (session.Session, error) {
		return borrowed{s}, nil
	}
}

type borrowed struct {
	session.Session
}

func (borrowed) Close() error { return nil }
