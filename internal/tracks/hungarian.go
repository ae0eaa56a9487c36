package tracks

import "math"

// forbidden marks a cost matrix entry the solver must never select.
const forbidden = 1e18

// hungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix with the Kuhn–Munkres algorithm (Jonker-Volgenant potentials). It
// returns assign[i] = column for row i, or -1 when row i is unassigned. Costs
// at or above forbidden are never selected.
//
// Forbidden and padding cells are replaced by one finite sentinel larger than
// any sum of real costs, so the solver maximises the number of real pairs
// first and minimises their cost second without losing precision.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	dim := n
	if m > dim {
		dim = m
	}
	maxReal := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if allowed(cost[i][j]) {
				maxReal = math.Max(maxReal, math.Abs(cost[i][j]))
			}
		}
	}
	sentinel := 1 + float64(dim)*2*maxReal

	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			if i < n && j < m && allowed(cost[i][j]) {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = sentinel
			}
		}
	}

	// 1-indexed internally; column 0 is the virtual start column.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	for j := 1; j <= dim; j++ {
		row := p[j] - 1
		col := j - 1
		if row < 0 || row >= n || col >= m {
			continue
		}
		if allowed(cost[row][col]) {
			result[row] = col
		}
	}
	return result
}

func allowed(c float64) bool {
	return c < forbidden && !math.IsNaN(c)
}
