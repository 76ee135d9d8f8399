// Package store keeps a SQLite history of otdrive runs.
package store

import "time"

// Run kinds.
const (
	KindBuild      = "build"
	KindQuery      = "query"
	KindCommission = "commission"
	KindPing       = "ping-scenario"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one invocation of a driving command.
type Run struct {
	ID         string
	Kind       string
	Status     string
	Params     string // JSON
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// NodeResult is one fan-out outcome. ErrorKind is empty on success.
type NodeResult struct {
	RunID     string
	NodeRef   string
	Value     string
	ErrorKind string
	Error     string
}

// PingDelay is one scenario step. Measured is false when no reply came back.
type PingDelay struct {
	RunID      string
	Repetition int
	Routers    int
	DelayMs    float64
	Measured   bool
}

// Summary is a run plus counts, for listing.
type Summary struct {
	ID        string
	Kind      string
	Status    string
	StartedAt time.Time
	Nodes     int
	Failed    int
	Delays    int
}
