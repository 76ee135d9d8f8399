// tally.go tracks progress across all tasks in a fan-out run.
package fanout

import (
	"fmt"
	"sync"
)

// Tally counts finished tasks. All methods are thread-safe via mu.
type Tally struct {
	mu        sync.Mutex
	Total     int
	Succeeded int
	Failed    int
	Running   int
}

// NewTally creates a Tally with the given total task count.
func NewTally(total int) *Tally {
	return &Tally{
		Total: total,
	}
}

// RecordStart increments the running count.
func (t *Tally) RecordStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Running++
}

// RecordSuccess moves one task from running to succeeded.
func (t *Tally) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Running--
	t.Succeeded++
}

// RecordFailure moves one task from running to failed.
func (t *Tally) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Running--
	t.Failed++
}

// InFlight returns how many tasks are running right now.
func (t *Tally) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Running
}

// Progress returns a formatted progress string like "[2/5]".
func (t *Tally) Progress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("[%d/%d]", t.Succeeded+t.Failed, t.Total)
}

// IsComplete returns true if every task has finished, successfully or not.
func (t *Tally) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Succeeded+t.Failed >= t.Total
}
