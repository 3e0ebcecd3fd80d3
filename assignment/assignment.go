// Package assignment solves the rectangular linear sum assignment problem.
//
// The solver is the shortest augmenting path method of Jonker and Volgenant as
// described by Crouse ("On implementing 2D rectangular assignment algorithms",
// IEEE TAES 2016). It runs in O(n^2 m) for an n x m cost matrix with n <= m and
// always returns a globally optimal one-to-one assignment.
package assignment

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidCost is returned when the cost matrix contains NaN or -Inf.
	ErrInvalidCost = errors.New("assignment: cost matrix contains NaN or -Inf")
	// ErrInfeasible is returned when no assignment with finite total cost exists.
	ErrInfeasible = errors.New("assignment: cost matrix is infeasible")
)

// Solve computes a minimum cost assignment between the rows and columns of cost.
//
// Arguments:
//   - cost: An r x c cost matrix. Entries may be +Inf to forbid a pairing.
//
// Returns:
//   - rows: The assigned row indices in ascending order, length min(r, c).
//   - cols: The column assigned to each entry of rows.
//   - error: ErrInvalidCost or ErrInfeasible.
//
// Example:
//
// ```go
//
//	cost := mat.NewDense(3, 2, []float64{4, 1, 2, 0, 9, 9})
//	rows, cols, err := assignment.Solve(cost)
//	// rows = [0 1], cols = [1 0]
//
// ```
func Solve(cost mat.Matrix) (rows, cols []int, err error) {
	r, c := cost.Dims()
	if r == 0 || c == 0 {
		return []int{}, []int{}, nil
	}

	transposed := r > c
	nr, nc := r, c
	at := cost.At
	if transposed {
		nr, nc = c, r
		at = func(i, j int) float64 { return cost.At(j, i) }
	}

	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			v := at(i, j)
			if math.IsNaN(v) || math.IsInf(v, -1) {
				return nil, nil, ErrInvalidCost
			}
		}
	}

	s := newSolver(nr, nc, at)
	if err := s.run(); err != nil {
		return nil, nil, err
	}

	rows = make([]int, nr)
	cols = make([]int, nr)
	if !transposed {
		for i := 0; i < nr; i++ {
			rows[i] = i
			cols[i] = s.col4row[i]
		}
		return rows, cols, nil
	}

	// Undo the transpose and report the original rows in ascending order.
	order := make([]int, nr)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return s.col4row[order[a]] < s.col4row[order[b]]
	})
	for k, i := range order {
		rows[k] = s.col4row[i]
		cols[k] = i
	}
	return rows, cols, nil
}

// Cost sums the entries of cost selected by the (rows[k], cols[k]) pairs.
func Cost(cost mat.Matrix, rows, cols []int) float64 {
	total := 0.0
	for k := range rows {
		total += cost.At(rows[k], cols[k])
	}
	return total
}

// solver holds the dual variables and bookkeeping for an nr x nc problem, nr <= nc.
type solver struct {
	nr, nc int
	at     func(i, j int) float64

	u, v              []float64
	shortestPathCosts []float64
	path              []int
	col4row           []int
	row4col           []int
	sr                []bool
	sc                []bool
	remaining         []int
}

func newSolver(nr, nc int, at func(i, j int) float64) *solver {
	s := &solver{
		nr:                nr,
		nc:                nc,
		at:                at,
		u:                 make([]float64, nr),
		v:                 make([]float64, nc),
		shortestPathCosts: make([]float64, nc),
		path:              make([]int, nc),
		col4row:           make([]int, nr),
		row4col:           make([]int, nc),
		sr:                make([]bool, nr),
		sc:                make([]bool, nc),
		remaining:         make([]int, nc),
	}
	for i := range s.col4row {
		s.col4row[i] = -1
	}
	for j := range s.row4col {
		s.row4col[j] = -1
		s.path[j] = -1
	}
	return s
}

func (s *solver) run() error {
	for curRow := 0; curRow < s.nr; curRow++ {
		minVal, sink := s.augmentingPath(curRow)
		if sink < 0 {
			return ErrInfeasible
		}

		// Update the dual variables.
		s.u[curRow] += minVal
		for i := 0; i < s.nr; i++ {
			if s.sr[i] && i != curRow {
				s.u[i] += minVal - s.shortestPathCosts[s.col4row[i]]
			}
		}
		for j := 0; j < s.nc; j++ {
			if s.sc[j] {
				s.v[j] -= minVal - s.shortestPathCosts[j]
			}
		}

		// Augment the previous solution along the path ending in sink.
		j := sink
		for {
			i := s.path[j]
			s.row4col[j] = i
			s.col4row[i], j = j, s.col4row[i]
			if i == curRow {
				break
			}
		}
	}
	return nil
}

// augmentingPath finds the shortest augmenting path from row i to an unassigned
// column. It returns the path length and the sink column, or -1 if none exists.
func (s *solver) augmentingPath(i int) (float64, int) {
	minVal := 0.0

	// Columns are scanned in reverse order so that ties resolve to unassigned
	// columns with the lowest index.
	numRemaining := s.nc
	for it := 0; it < s.nc; it++ {
		s.remaining[it] = s.nc - it - 1
	}
	for k := range s.sr {
		s.sr[k] = false
	}
	for k := range s.sc {
		s.sc[k] = false
		s.shortestPathCosts[k] = math.Inf(1)
	}

	sink := -1
	for sink == -1 {
		index := -1
		lowest := math.Inf(1)
		s.sr[i] = true

		for it := 0; it < numRemaining; it++ {
			j := s.remaining[it]
			r := minVal + s.at(i, j) - s.u[i] - s.v[j]
			if r < s.shortestPathCosts[j] {
				s.path[j] = i
				s.shortestPathCosts[j] = r
			}
			if s.shortestPathCosts[j] < lowest || (s.shortestPathCosts[j] == lowest && s.row4col[j] == -1) {
				lowest = s.shortestPathCosts[j]
				index = it
			}
		}

		minVal = lowest
		if math.IsInf(minVal, 1) {
			return minVal, -1
		}

		j := s.remaining[index]
		if s.row4col[j] == -1 {
			sink = j
		} else {
			i = s.row4col[j]
		}

		s.sc[j] = true
		numRemaining--
		s.remaining[index] = s.remaining[numRemaining]
	}
	return minVal, sink
}
