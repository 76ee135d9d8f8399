// Package topology computes node placements and replays them through a session.
// layout.go is pure: no I/O, no clock, identical inputs give identical output.
package topology

import (
	"fmt"
	"math"

	"github.com/otdrive/otdrive/internal/config"
)

// NodeKind is what a placement creates.
type NodeKind string

const (
	Router NodeKind = "router"
	FED    NodeKind = "fed"
)

// Placement is one node to create at integer coordinates.
type Placement struct {
	Kind NodeKind
	X    int
	Y    int
}

// Command renders the simulator creation command for p.
func (p Placement) Command() string {
	return fmt.Sprintf("add %s x %d y %d", p.Kind, p.X, p.Y)
}

// Row places Count routers left to right with end devices around each.
// Pattern entries index an angular partition of size FEDTotal; an empty
// pattern places no end devices for that router.
type Row struct {
	Y            int
	Count        int
	Spacing      int
	StartX       int
	First        []int
	Intermediate []int
	Last         []int
	FEDTotal     int
	Radius       float64
}

// RowFromConfig fills the geometry of a row from cfg.
func RowFromConfig(cfg config.TopologyConfig, count int) Row {
	return Row{
		Y:        cfg.RowY,
		Count:    count,
		Spacing:  cfg.Spacing,
		StartX:   cfg.StartX,
		FEDTotal: cfg.FEDTotal,
		Radius:   cfg.Radius,
	}
}

// Validate rejects patterns that cannot be placed.
func (r Row) Validate() error {
	if r.Count < 0 {
		return fmt.Errorf("row count must be non-negative, got %d", r.Count)
	}
	for _, pattern := range [][]int{r.First, r.Intermediate, r.Last} {
		for _, p := range pattern {
			if r.FEDTotal <= 0 {
				return fmt.Errorf("fed pattern given but fed total is %d", r.FEDTotal)
			}
			if p < 0 || p >= r.FEDTotal {
				return fmt.Errorf("fed index %d outside [0, %d)", p, r.FEDTotal)
			}
		}
	}
	return nil
}

func (r Row) pattern(i int) []int {
	switch {
	case i == 0:
		return r.First
	case i == r.Count-1:
		return r.Last
	default:
		return r.Intermediate
	}
}

// Placements returns routers in order, each followed by its end devices.
func (r Row) Placements() []Placement {
	var out []Placement
	for i := 0; i < r.Count; i++ {
		cx := r.StartX + i*r.Spacing
		out = append(out, Placement{Kind: Router, X: cx, Y: r.Y})
		if r.FEDTotal <= 0 {
			continue
		}
		for _, p := range r.pattern(i) {
			x, y := Orbit(cx, r.Y, r.Radius, p, r.FEDTotal)
			out = append(out, Placement{Kind: FED, X: x, Y: y})
		}
	}
	return out
}

// Orbit returns the position of partition index p around (cx, cy),
// rounded to the nearest integer.
func Orbit(cx, cy int, radius float64, p, total int) (int, int) {
	theta := 2 * math.Pi * float64(p) / float64(total)
	x := float64(cx) + radius*math.Cos(theta)
	y := float64(cy) + radius*math.Sin(theta)
	return int(math.Round(x)), int(math.Round(y))
}

// Grid lays Count routers out in floor(sqrt(Count)) columns, shifted by
// Margin on both axes so every coordinate stays non-negative.
type Grid struct {
	Count        int
	Spacing      int
	Margin       int
	First        []int
	Intermediate []int
	Last         []int
	FEDTotal     int
	Radius       float64
}

// GridFromConfig fills the geometry of a grid from cfg.
func GridFromConfig(cfg config.TopologyConfig, count int) Grid {
	return Grid{
		Count:    count,
		Spacing:  cfg.Spacing,
		Margin:   cfg.Margin,
		FEDTotal: cfg.FEDTotal,
		Radius:   cfg.Radius,
	}
}

// Dims returns the column and row counts.
func (g Grid) Dims() (cols, rows int) {
	if g.Count <= 0 {
		return 0, 0
	}
	cols = int(math.Floor(math.Sqrt(float64(g.Count))))
	rows = (g.Count + cols - 1) / cols
	return cols, rows
}

// Rows splits the grid into the rows it is built from. The final row may be short.
func (g Grid) Rows() []Row {
	cols, rows := g.Dims()
	out := make([]Row, 0, rows)
	for r := 0; r < rows; r++ {
		n := cols
		if remaining := g.Count - r*cols; remaining < cols {
			n = remaining
		}
		out = append(out, Row{
			Y:            g.Margin + r*g.Spacing,
			Count:        n,
			Spacing:      g.Spacing,
			StartX:       g.Margin,
			First:        g.First,
			Intermediate: g.Intermediate,
			Last:         g.Last,
			FEDTotal:     g.FEDTotal,
			Radius:       g.Radius,
		})
	}
	return out
}

// Placements concatenates the placements of every row, top row first.
func (g Grid) Placements() []Placement {
	var out []Placement
	for _, row := range g.Rows() {
		out = append(out, row.Placements()...)
	}
	return out
}

// Validate rejects grids whose patterns cannot be placed.
func (g Grid) Validate() error {
	if g.Count < 0 {
		return fmt.Errorf("grid count must be non-negative, got %d", g.Count)
	}
	return Row{Count: 1, First: g.First, Intermediate: g.Intermediate, Last: g.Last, FEDTotal: g.FEDTotal}.Validate()
}

// Routers filters placements down to routers, keeping order.
func Routers(ps []Placement) []Placement {
	var out []Placement
	for _, p := range ps {
		if p.Kind == Router {
			out = append(out, p)
		}
	}
	return out
}

// Rung is step i of the incremental line: a router at (i*spacing, baseY)
// with one end device above it and one below.
func Rung(i, spacing, baseY int) []Placement {
	x := i * spacing
	return []Placement{
		{Kind: Router, X: x, Y: baseY},
		{Kind: FED, X: x, Y: baseY - spacing},
		{Kind: FED, X: x, Y: baseY + spacing},
	}
}
