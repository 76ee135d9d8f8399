// Package ui provides terminal UI components for otdrive.
// This file implements the live display shown while a fan-out runs.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"golang.org/x/term"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/parse"
)

// NodeStatus is the display status of one node.
type NodeStatus int

const (
	StatusPending NodeStatus = iota
	StatusQuerying
	StatusDone
	StatusFailed
)

// NodeState holds the display state of a single node.
type NodeState struct {
	Ref     fanout.NodeRef
	Status  NodeStatus
	Value   string
	Kind    fanout.ErrorKind
	Elapsed time.Duration
}

// ProgressDisplay redraws one line per node. It implements fanout.Observer.
type ProgressDisplay struct {
	mu          sync.Mutex
	out         io.Writer
	title       string
	nodes       []*NodeState
	index       map[fanout.NodeRef]int
	isTTY       bool
	bar         progress.Model
	linesDrawn  int
	startTimes  map[fanout.NodeRef]time.Time
	lastPrinted map[fanout.NodeRef]NodeStatus // non-TTY
}

var _ fanout.Observer = (*ProgressDisplay)(nil)

// NewProgressDisplay creates a display for keys, writing to out.
// In-place redraws are used only when out is a terminal.
func NewProgressDisplay(out io.Writer, title string, keys []fanout.NodeRef) *ProgressDisplay {
	p := &ProgressDisplay{
		out:         out,
		title:       title,
		index:       make(map[fanout.NodeRef]int, len(keys)),
		startTimes:  make(map[fanout.NodeRef]time.Time),
		lastPrinted: make(map[fanout.NodeRef]NodeStatus),
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	if f, ok := out.(*os.File); ok {
		p.isTTY = term.IsTerminal(int(f.Fd()))
	}

	sorted := append([]fanout.NodeRef(nil), keys...)
	fanout.SortRefs(sorted)
	for _, k := range sorted {
		p.index[k] = len(p.nodes)
		p.nodes = append(p.nodes, &NodeState{Ref: k})
	}
	if p.isTTY {
		p.render()
	}
	return p
}

// Started implements fanout.Observer.
func (p *ProgressDisplay) Started(key fanout.NodeRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.node(key)
	if !ok {
		return
	}
	n.Status = StatusQuerying
	p.startTimes[key] = time.Now()
	p.render()
}

// Finished implements fanout.Observer.
func (p *ProgressDisplay) Finished(key fanout.NodeRef, o fanout.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.node(key)
	if !ok {
		return
	}
	if o.OK() {
		n.Status = StatusDone
		n.Value = parse.Display(o.Value)
	} else {
		n.Status = StatusFailed
		n.Kind = o.Kind
	}
	if start, ok := p.startTimes[key]; ok {
		n.Elapsed = time.Since(start)
	}
	p.render()
}

// fraction is the share of nodes that have finished either way.
func (p *ProgressDisplay) fraction() float64 {
	if len(p.nodes) == 0 {
		return 1
	}
	finished := 0
	for _, n := range p.nodes {
		if n.Status == StatusDone || n.Status == StatusFailed {
			finished++
		}
	}
	return float64(finished) / float64(len(p.nodes))
}

func (p *ProgressDisplay) node(key fanout.NodeRef) (*NodeState, bool) {
	i, ok := p.index[key]
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// Finish prints a summary line below the display.
func (p *ProgressDisplay) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	done, failed := 0, 0
	for _, n := range p.nodes {
		switch n.Status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		}
	}

	fmt.Fprintf(p.out, "\nDone: %d/%d answered", done, len(p.nodes))
	if failed > 0 {
		fmt.Fprintf(p.out, ", %d failed", failed)
	}
	fmt.Fprintln(p.out)
}

func (p *ProgressDisplay) render() {
	if !p.isTTY {
		p.renderPlain()
		return
	}
	p.renderTTY()
}

// renderTTY redraws in place using ANSI cursor movement.
func (p *ProgressDisplay) renderTTY() {
	if p.linesDrawn > 0 {
		fmt.Fprintf(p.out, "\033[%dA", p.linesDrawn)
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("\033[2K\033[1m%s\033[0m\n", p.title))
	buf.WriteString(fmt.Sprintf("\033[2K  %s\n", p.bar.ViewAs(p.fraction())))
	for _, n := range p.nodes {
		buf.WriteString("\033[2K")
		buf.WriteString(formatNodeLine(n, p.startTimes))
		buf.WriteString("\n")
	}

	fmt.Fprint(p.out, buf.String())
	p.linesDrawn = len(p.nodes) + 2
}

// renderPlain prints only status transitions, for CI and pipes.
func (p *ProgressDisplay) renderPlain() {
	for _, n := range p.nodes {
		if n.Status == StatusPending {
			continue
		}
		if prev, seen := p.lastPrinted[n.Ref]; seen && prev == n.Status {
			continue
		}
		fmt.Fprintln(p.out, formatNodeLinePlain(n))
		p.lastPrinted[n.Ref] = n.Status
	}
}

func formatNodeLine(n *NodeState, startTimes map[fanout.NodeRef]time.Time) string {
	return fmt.Sprintf("  %s %-12s %s", statusIcon(n.Status), n.Ref, statusDetail(n, startTimes))
}

func formatNodeLinePlain(n *NodeState) string {
	var status string
	switch n.Status {
	case StatusQuerying:
		status = "QUERYING"
	case StatusDone:
		status = fmt.Sprintf("DONE %s [%s]", n.Value, formatDuration(n.Elapsed))
	case StatusFailed:
		status = fmt.Sprintf("FAILED %s", n.Kind)
	default:
		status = "PENDING"
	}
	return fmt.Sprintf("[%s] %s", status, n.Ref)
}

func statusIcon(status NodeStatus) string {
	switch status {
	case StatusDone:
		return "\033[32m✅\033[0m"
	case StatusQuerying:
		return "\033[33m⏳\033[0m"
	case StatusFailed:
		return "\033[31m❌\033[0m"
	default:
		return "\033[90m○\033[0m"
	}
}

func statusDetail(n *NodeState, startTimes map[fanout.NodeRef]time.Time) string {
	switch n.Status {
	case StatusDone:
		return fmt.Sprintf("%s \033[90m[%s]\033[0m", n.Value, formatDuration(n.Elapsed))
	case StatusQuerying:
		return fmt.Sprintf("\033[33m[%s]\033[0m", formatDuration(time.Since(startTimes[n.Ref])))
	case StatusFailed:
		return fmt.Sprintf("\033[31m[%s]\033[0m", n.Kind)
	default:
		return "\033[90m[pending]\033[0m"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
