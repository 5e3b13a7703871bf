package chessboard

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/camcal/rimage/transform"
)

// GridConfiguration stores the tolerances used when snapping saddle points onto the ideal grid,
// expressed in grid units (one square).
type GridConfiguration struct {
	SnapTolerance   float64 `json:"snap-tol"`   // tolerance when growing the grid from its first square
	RefineTolerance float64 `json:"refine-tol"` // tolerance after refitting the homography on all points
	RefitIterations int     `json:"refit-iter"` // number of refit and re-snap passes
}

// DefaultGridConf stores the default grid assembly parameters.
var DefaultGridConf = GridConfiguration{
	SnapTolerance:   0.35,
	RefineTolerance: 0.2,
	RefitIterations: 3,
}

// CheckValid checks the grid parameters.
func (cfg *GridConfiguration) CheckValid() error {
	if cfg.SnapTolerance <= 0 || cfg.SnapTolerance >= 0.5 {
		return errors.Errorf("snap-tol must be in (0, 0.5), got %v", cfg.SnapTolerance)
	}
	if cfg.RefineTolerance <= 0 || cfg.RefineTolerance >= 0.5 {
		return errors.Errorf("refine-tol must be in (0, 0.5), got %v", cfg.RefineTolerance)
	}
	if cfg.RefitIterations < 1 {
		return errors.Errorf("refit-iter must be at least 1, got %d", cfg.RefitIterations)
	}
	return nil
}

// MeshGrid is a slice of r2.Point that contains grid organized points.
type MeshGrid []r2.Point

// ChessGrid stores the data necessary to get the chess grid points in an image.
type ChessGrid struct {
	Cols, Rows   int
	M            *transform.Homography // homography from ideal Grid to estimated Grid
	IdealGrid    MeshGrid              // ideal Grid, in row-major order
	Grid         MeshGrid              // detected corners, in the same order as IdealGrid
	SaddlePoints []r2.Point            // saddle points detected in the first step of the chessboard detection
}

// getIdentityGrid returns the cols x rows grid of integer nodes in row-major order.
func getIdentityGrid(cols, rows int) MeshGrid {
	xs := make([]float64, cols)
	floats.Span(xs, 0, float64(cols-1))
	outPoints := make(MeshGrid, 0, cols*rows)
	for r := 0; r < rows; r++ {
		for _, x := range xs {
			outPoints = append(outPoints, r2.Point{X: x, Y: float64(r)})
		}
	}
	return outPoints
}

// getMinSaddleDistance returns the index of the saddle point closest to pt, ignoring the indices in
// skip, as well as this minimum distance. The index is -1 when no point is left.
func getMinSaddleDistance(saddlePoints []r2.Point, pt r2.Point, skip ...int) (int, float64) {
	bestDist := math.Inf(1)
	best := -1
	for i, saddlePt := range saddlePoints {
		if containsIndex(skip, i) {
			continue
		}
		if dist := pt.Sub(saddlePt).Norm(); dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best, bestDist
}

func containsIndex(indices []int, i int) bool {
	for _, j := range indices {
		if j == i {
			return true
		}
	}
	return false
}

// gridNode is an integer position on the ideal grid.
type gridNode struct{ c, r int }

func sortNodes(nodes []gridNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].r != nodes[j].r {
			return nodes[i].r < nodes[j].r
		}
		return nodes[i].c < nodes[j].c
	})
}

// maxSeeds bounds the number of saddle points tried as the corner of the first square.
const maxSeeds = 24

// seedOrder returns up to limit saddle point indices, closest to the median point first.
func seedOrder(saddlePoints []r2.Point, limit int) []int {
	xs := make([]float64, len(saddlePoints))
	ys := make([]float64, len(saddlePoints))
	for i, p := range saddlePoints {
		xs[i], ys[i] = p.X, p.Y
	}
	mx, errX := stats.Median(xs)
	my, errY := stats.Median(ys)
	if errX != nil || errY != nil {
		return nil
	}
	center := r2.Point{X: mx, Y: my}
	order := make([]int, len(saddlePoints))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return saddlePoints[order[i]].Sub(center).Norm() < saddlePoints[order[j]].Sub(center).Norm()
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

// seedSquare looks for one board square with saddle point s as a corner: the closest pair of
// roughly orthogonal neighbors of s whose fourth corner is also a saddle point. The square is
// returned in the order (0,0), (1,0), (1,1), (0,1).
func seedSquare(saddlePoints []r2.Point, s int) ([4]int, bool) {
	const numNeighbors = 6
	origin := saddlePoints[s]
	neighbors := make([]int, 0, len(saddlePoints)-1)
	for i := range saddlePoints {
		if i != s {
			neighbors = append(neighbors, i)
		}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return saddlePoints[neighbors[i]].Sub(origin).Norm() < saddlePoints[neighbors[j]].Sub(origin).Norm()
	})
	if len(neighbors) > numNeighbors {
		neighbors = neighbors[:numNeighbors]
	}

	var best [4]int
	bestScore := math.Inf(1)
	for i, a := range neighbors {
		for _, b := range neighbors[i+1:] {
			da, db := saddlePoints[a].Sub(origin), saddlePoints[b].Sub(origin)
			la, lb := da.Norm(), db.Norm()
			if la == 0 || lb == 0 || la > 2*lb || lb > 2*la {
				continue
			}
			// the sides of a square meet at 90 degrees, up to perspective
			if math.Abs(da.Dot(db))/(la*lb) > 0.7 {
				continue
			}
			c, d := getMinSaddleDistance(saddlePoints, saddlePoints[a].Add(db), s, a, b)
			if c < 0 || d > 0.25*math.Min(la, lb) {
				continue
			}
			if score := la + lb; score < bestScore {
				best, bestScore = [4]int{s, a, c, b}, score
			}
		}
	}
	return best, !math.IsInf(bestScore, 1)
}

// fitNodes fits the homography from ideal grid coordinates to the image on every assigned node.
func fitNodes(nodes map[gridNode]int, saddlePoints []r2.Point) (*transform.Homography, error) {
	keys := make([]gridNode, 0, len(nodes))
	for node := range nodes {
		keys = append(keys, node)
	}
	sortNodes(keys)
	ideal := make([]r2.Point, len(keys))
	image := make([]r2.Point, len(keys))
	for i, node := range keys {
		ideal[i] = r2.Point{X: float64(node.c), Y: float64(node.r)}
		image[i] = saddlePoints[nodes[node]]
	}
	return transform.EstimateHomography(ideal, image)
}

// growGrid starts from one square and adds, ring by ring, the saddle points that the homography
// fitted on the current nodes maps within tol of an empty node next to the grid. The grid never
// spans more than the longer side of the pattern.
func growGrid(saddlePoints []r2.Point, square [4]int, cols, rows int, tol float64) (map[gridNode]int, error) {
	maxSpan := cols
	if rows > maxSpan {
		maxSpan = rows
	}
	nodes := map[gridNode]int{{0, 0}: square[0], {1, 0}: square[1], {1, 1}: square[2], {0, 1}: square[3]}
	used := map[int]bool{square[0]: true, square[1]: true, square[2]: true, square[3]: true}
	minC, maxC, minR, maxR := 0, 1, 0, 1

	for {
		h, err := fitNodes(nodes, saddlePoints)
		if err != nil {
			return nil, err
		}
		inv, err := h.Inverse()
		if err != nil {
			return nil, err
		}
		candidates := map[gridNode]int{}
		dists := map[gridNode]float64{}
		for i, pt := range saddlePoints {
			if used[i] {
				continue
			}
			g := inv.Apply(pt)
			c, r := math.Round(g.X), math.Round(g.Y)
			if !(c >= float64(minC-1) && c <= float64(maxC+1) && r >= float64(minR-1) && r <= float64(maxR+1)) {
				continue
			}
			dx, dy := math.Abs(g.X-c), math.Abs(g.Y-r)
			if dx > tol || dy > tol {
				continue
			}
			node := gridNode{int(c), int(r)}
			if _, ok := nodes[node]; ok {
				continue
			}
			if d, ok := dists[node]; !ok || math.Hypot(dx, dy) < d {
				candidates[node] = i
				dists[node] = math.Hypot(dx, dy)
			}
		}

		keys := make([]gridNode, 0, len(candidates))
		for node := range candidates {
			keys = append(keys, node)
		}
		sortNodes(keys)
		added := 0
		for _, node := range keys {
			c0, c1 := minInt(minC, node.c), maxInt(maxC, node.c)
			r0, r1 := minInt(minR, node.r), maxInt(maxR, node.r)
			if c1-c0+1 > maxSpan || r1-r0+1 > maxSpan {
				continue
			}
			minC, maxC, minR, maxR = c0, c1, r0, r1
			nodes[node] = candidates[node]
			used[candidates[node]] = true
			added++
		}
		if added == 0 {
			return nodes, nil
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// extractBoard finds the only cols x rows window of the grown grid, in either orientation, whose
// nodes are all assigned, and returns its saddle point indices in row-major order.
func extractBoard(nodes map[gridNode]int, cols, rows int) ([]int, error) {
	minC, maxC, minR, maxR := math.MaxInt, math.MinInt, math.MaxInt, math.MinInt
	for node := range nodes {
		minC, maxC = minInt(minC, node.c), maxInt(maxC, node.c)
		minR, maxR = minInt(minR, node.r), maxInt(maxR, node.r)
	}
	type window struct {
		c0, r0     int
		transposed bool
	}
	orientations := []bool{false}
	if cols != rows {
		orientations = append(orientations, true)
	}
	var found []window
	bestCount := 0
	for _, transposed := range orientations {
		w, h := cols, rows
		if transposed {
			w, h = rows, cols
		}
		for r0 := minR; r0+h-1 <= maxR; r0++ {
			for c0 := minC; c0+w-1 <= maxC; c0++ {
				count := 0
				for r := r0; r < r0+h; r++ {
					for c := c0; c < c0+w; c++ {
						if _, ok := nodes[gridNode{c, r}]; ok {
							count++
						}
					}
				}
				bestCount = maxInt(bestCount, count)
				if count == cols*rows {
					found = append(found, window{c0, r0, transposed})
				}
			}
		}
	}
	switch {
	case len(found) == 0:
		return nil, errors.Errorf("grid covers %d of %d corners", bestCount, cols*rows)
	case len(found) > 1:
		return nil, errors.Errorf("grid of %d corners holds the pattern %d times", len(nodes), len(found))
	}

	win := found[0]
	assigned := make([]int, cols*rows)
	for br := 0; br < rows; br++ {
		for bc := 0; bc < cols; bc++ {
			node := gridNode{win.c0 + bc, win.r0 + br}
			if win.transposed {
				node = gridNode{win.c0 + br, win.r0 + bc}
			}
			assigned[br*cols+bc] = nodes[node]
		}
	}
	return assigned, nil
}

// snapToGrid maps every saddle point into ideal grid coordinates through the inverse of h and
// assigns it to the nearest integer node when within tol on both axes. A node claimed by several
// points keeps the closest one. It returns, per node, the index of the saddle point or -1.
func snapToGrid(h *transform.Homography, saddlePoints []r2.Point, cols, rows int, tol float64) ([]int, int, error) {
	inv, err := h.Inverse()
	if err != nil {
		return nil, 0, err
	}
	assigned := make([]int, cols*rows)
	dists := make([]float64, cols*rows)
	for i := range assigned {
		assigned[i] = -1
		dists[i] = math.Inf(1)
	}
	for i, pt := range saddlePoints {
		g := inv.Apply(pt)
		c, r := math.Round(g.X), math.Round(g.Y)
		if math.IsNaN(c) || math.IsNaN(r) || c < 0 || r < 0 || c > float64(cols-1) || r > float64(rows-1) {
			continue
		}
		dx, dy := math.Abs(g.X-c), math.Abs(g.Y-r)
		if dx > tol || dy > tol {
			continue
		}
		node := int(r)*cols + int(c)
		if d := math.Hypot(dx, dy); d < dists[node] {
			assigned[node] = i
			dists[node] = d
		}
	}
	count := 0
	for _, a := range assigned {
		if a >= 0 {
			count++
		}
	}
	return assigned, count, nil
}

// GenerateNewBestFit refits the ideal-to-image homography on every snapped node.
func GenerateNewBestFit(gridIdeal MeshGrid, saddlePoints []r2.Point, assigned []int) (*transform.Homography, error) {
	ptsA := make([]r2.Point, 0, len(assigned))
	ptsB := make([]r2.Point, 0, len(assigned))
	for node, idx := range assigned {
		if idx < 0 {
			continue
		}
		ptsA = append(ptsA, gridIdeal[node])
		ptsB = append(ptsB, saddlePoints[idx])
	}
	return transform.EstimateHomography(ptsA, ptsB)
}

// fitGrid grows a grid from a square of neighboring saddle points, trying the points closest to
// the middle of the image first, so that saddle points off the board do not take part. The grown
// grid must hold the pattern exactly once; it is then refit on the whole pattern.
func fitGrid(saddlePoints []r2.Point, cols, rows int, cfg *GridConfiguration) (*ChessGrid, error) {
	n := cols * rows
	if len(saddlePoints) < n {
		return nil, errors.Errorf("found %d saddle points, need %d", len(saddlePoints), n)
	}
	err := errors.New("no square of saddle points found")
	for _, s := range seedOrder(saddlePoints, maxSeeds) {
		square, ok := seedSquare(saddlePoints, s)
		if !ok {
			continue
		}
		var grid *ChessGrid
		if grid, err = assembleGrid(saddlePoints, square, cols, rows, cfg); err == nil {
			return grid, nil
		}
	}
	return nil, err
}

func assembleGrid(saddlePoints []r2.Point, square [4]int, cols, rows int, cfg *GridConfiguration) (*ChessGrid, error) {
	n := cols * rows
	nodes, err := growGrid(saddlePoints, square, cols, rows, cfg.SnapTolerance)
	if err != nil {
		return nil, err
	}
	if len(nodes) < n {
		return nil, errors.Errorf("grid covers %d of %d corners", len(nodes), n)
	}
	assigned, err := extractBoard(nodes, cols, rows)
	if err != nil {
		return nil, err
	}

	ideal := getIdentityGrid(cols, rows)
	var h *transform.Homography
	count := n
	for i := 0; i < cfg.RefitIterations; i++ {
		tol := cfg.SnapTolerance
		if i == cfg.RefitIterations-1 {
			tol = cfg.RefineTolerance
		}
		if h, err = GenerateNewBestFit(ideal, saddlePoints, assigned); err != nil {
			return nil, err
		}
		if assigned, count, err = snapToGrid(h, saddlePoints, cols, rows, tol); err != nil {
			return nil, err
		}
		if count < 4 {
			break
		}
	}
	if count != n {
		return nil, errors.Errorf("grid covers %d of %d corners", count, n)
	}

	grid := make(MeshGrid, n)
	used := make(map[int]bool, n)
	for node, idx := range assigned {
		if used[idx] {
			return nil, errors.New("saddle point assigned to two grid nodes")
		}
		used[idx] = true
		grid[node] = saddlePoints[idx]
	}
	if err := checkMonotonic(grid, cols, rows); err != nil {
		return nil, err
	}
	return &ChessGrid{Cols: cols, Rows: rows, M: h, IdealGrid: ideal, Grid: grid, SaddlePoints: saddlePoints}, nil
}

// checkMonotonic verifies that consecutive corners advance along their row and column.
func checkMonotonic(grid MeshGrid, cols, rows int) error {
	at := func(r, c int) r2.Point { return grid[r*cols+c] }
	for r := 0; r < rows; r++ {
		dir := at(r, cols-1).Sub(at(r, 0))
		for c := 0; c+1 < cols; c++ {
			if at(r, c+1).Sub(at(r, c)).Dot(dir) <= 0 {
				return errors.Errorf("row %d is not monotonic", r)
			}
		}
	}
	for c := 0; c < cols; c++ {
		dir := at(rows-1, c).Sub(at(0, c))
		for r := 0; r+1 < rows; r++ {
			if at(r+1, c).Sub(at(r, c)).Dot(dir) <= 0 {
				return errors.Errorf("column %d is not monotonic", c)
			}
		}
	}
	return nil
}

// canonicalOrder relabels the grid so that its x axis runs along the columns, it is right-handed
// in image coordinates, and the first corner is the candidate origin with the smallest x+y.
func canonicalOrder(grid MeshGrid, cols, rows int) MeshGrid {
	type relabel func(r, c int) (int, int)
	relabels := []relabel{
		func(r, c int) (int, int) { return r, c },
		func(r, c int) (int, int) { return rows - 1 - r, cols - 1 - c },
		func(r, c int) (int, int) { return r, cols - 1 - c },
		func(r, c int) (int, int) { return rows - 1 - r, c },
	}
	if cols == rows {
		for _, f := range relabels[:4] {
			f := f
			relabels = append(relabels, func(r, c int) (int, int) {
				rr, cc := f(r, c)
				return cc, rr
			})
		}
	}
	var best MeshGrid
	bestScore := math.Inf(1)
	for _, f := range relabels {
		candidate := make(MeshGrid, len(grid))
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				rr, cc := f(r, c)
				candidate[r*cols+c] = grid[rr*cols+cc]
			}
		}
		xAxis := candidate[cols-1].Sub(candidate[0])
		yAxis := candidate[(rows-1)*cols].Sub(candidate[0])
		if xAxis.Cross(yAxis) <= 0 {
			continue
		}
		if score := candidate[0].X + candidate[0].Y; score < bestScore {
			best, bestScore = candidate, score
		}
	}
	if best == nil {
		return grid
	}
	return best
}
