package pointcloud

import (
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultNeighbors = 8
	maxRing          = 3
	normalChunk      = 4096
	// maxCandidates bounds the distance checks per point when a region of
	// the grid is much denser than average.
	maxCandidates = 512
	// boundsSample is how many points per axis feed the percentile box.
	boundsSample = 100_000
)

type cellKey struct {
	x, y, z int32
}

type grid struct {
	origin Vec3
	inv    float64
	dims   [3]int32
	cells  map[cellKey][]int32
}

// newGrid buckets points into cubic cells sized so a cell holds about k
// points on average. Cells cover the 1st to 99th percentile box; points
// outside it are clamped into the edge cells.
func newGrid(pts []Vec3, k int) *grid {
	b := robustBounds(pts)
	size := b.Size()
	extent := math.Max(float64(size.X), math.Max(float64(size.Y), float64(size.Z)))

	// spread k points per cell over the axes the cloud actually spans, so
	// flat and linear clouds still get sensibly sized cells
	cell := 1.0
	prod, dims := 1.0, 0
	for _, d := range [3]float32{size.X, size.Y, size.Z} {
		if float64(d) > extent*1e-6 {
			prod *= float64(d)
			dims++
		}
	}
	if dims > 0 {
		cell = math.Pow(prod*float64(k)/float64(len(pts)), 1/float64(dims))
	}
	if cell <= 0 || math.IsNaN(cell) || math.IsInf(cell, 0) {
		cell = 1
	}
	if extent > 0 {
		cell = math.Max(cell, extent/1024)
	}

	g := &grid{origin: b.Min, inv: 1 / cell, cells: make(map[cellKey][]int32)}
	for a, d := range [3]float32{size.X, size.Y, size.Z} {
		g.dims[a] = int32(math.Floor(float64(d)*g.inv)) + 1
	}
	for i, p := range pts {
		key := g.key(p)
		g.cells[key] = append(g.cells[key], int32(i))
	}
	return g
}

// robustBounds returns the per-axis 1st to 99th percentile box, so a few
// far floaters do not stretch the grid over empty space.
func robustBounds(pts []Vec3) Bounds {
	if len(pts) < 100 {
		return boundsOf(pts)
	}
	stride := max(1, len(pts)/boundsSample)
	values := make([]float32, 0, len(pts)/stride+1)
	var lo, hi [3]float32
	for a := 0; a < 3; a++ {
		values = values[:0]
		for i := 0; i < len(pts); i += stride {
			values = append(values, component(pts[i], a))
		}
		slices.Sort(values)
		trim := len(values) / 100
		lo[a], hi[a] = values[trim], values[len(values)-1-trim]
	}
	return Bounds{
		Min: Vec3{X: lo[0], Y: lo[1], Z: lo[2]},
		Max: Vec3{X: hi[0], Y: hi[1], Z: hi[2]},
	}
}

func component(p Vec3, axis int) float32 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	}
	return p.Z
}

func (g *grid) key(p Vec3) cellKey {
	return cellKey{
		x: g.clamp(float64(p.X-g.origin.X)*g.inv, 0),
		y: g.clamp(float64(p.Y-g.origin.Y)*g.inv, 1),
		z: g.clamp(float64(p.Z-g.origin.Z)*g.inv, 2),
	}
}

func (g *grid) clamp(v float64, axis int) int32 {
	c := math.Floor(v)
	switch {
	case c >= float64(g.dims[axis]-1):
		return g.dims[axis] - 1
	case c > 0:
		return int32(c)
	}
	return 0
}

type neighbor struct {
	idx  int32
	dist float32
}

// nearest fills buf with up to k nearest neighbours of point i, widening
// the search ring until enough candidates are found. The point's own cell
// is scanned first; at most maxCandidates distances are computed.
func (g *grid) nearest(pts []Vec3, i, k int, buf []neighbor) []neighbor {
	p := pts[i]
	c := g.key(p)
	limit := max(maxCandidates, 4*k)

	scan := func(key cellKey) bool {
		for _, j := range g.cells[key] {
			if int(j) == i {
				continue
			}
			q := pts[j]
			ddx, ddy, ddz := q.X-p.X, q.Y-p.Y, q.Z-p.Z
			buf = append(buf, neighbor{idx: j, dist: ddx*ddx + ddy*ddy + ddz*ddz})
			if len(buf) >= limit {
				return false
			}
		}
		return true
	}

search:
	for ring := int32(1); ring <= maxRing; ring++ {
		buf = buf[:0]
		if !scan(c) {
			break
		}
		for dx := -ring; dx <= ring; dx++ {
			for dy := -ring; dy <= ring; dy++ {
				for dz := -ring; dz <= ring; dz++ {
					if dx == 0 && dy == 0 && dz == 0 {
						continue
					}
					if !scan(cellKey{c.x + dx, c.y + dy, c.z + dz}) {
						break search
					}
				}
			}
		}
		if len(buf) >= k {
			break
		}
	}
	slices.SortFunc(buf, func(a, b neighbor) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		}
		return 0
	})
	if len(buf) > k {
		buf = buf[:k]
	}
	return buf
}

// EstimateNormals computes a unit normal per point as the least-variance
// direction of its k nearest neighbours, oriented away from the origin.
// Points without enough neighbours get the direction from the origin.
func EstimateNormals(pts []Vec3, k int) []Vec3 {
	normals := make([]Vec3, len(pts))
	if len(pts) == 0 {
		return normals
	}
	if k < 3 {
		k = 3
	}
	g := newGrid(pts, k)

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(pts); start += normalChunk {
		end := min(start+normalChunk, len(pts))
		eg.Go(func() error {
			buf := make([]neighbor, 0, 64)
			for i := start; i < end; i++ {
				buf = g.nearest(pts, i, k, buf)
				normals[i] = normalAt(pts, i, buf)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return normals
}

func normalAt(pts []Vec3, i int, nbrs []neighbor) Vec3 {
	p := pts[i]
	fallback := radial(p)
	if len(nbrs) < 2 {
		return fallback
	}

	var cx, cy, cz float64
	cx, cy, cz = float64(p.X), float64(p.Y), float64(p.Z)
	for _, nb := range nbrs {
		q := pts[nb.idx]
		cx += float64(q.X)
		cy += float64(q.Y)
		cz += float64(q.Z)
	}
	n := float64(len(nbrs) + 1)
	cx, cy, cz = cx/n, cy/n, cz/n

	var cov [3][3]float64
	add := func(q Vec3) {
		d := [3]float64{float64(q.X) - cx, float64(q.Y) - cy, float64(q.Z) - cz}
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				cov[r][c] += d[r] * d[c]
			}
		}
	}
	add(p)
	for _, nb := range nbrs {
		add(pts[nb.idx])
	}
	cov[1][0], cov[2][0], cov[2][1] = cov[0][1], cov[0][2], cov[1][2]

	v, ok := smallestEigenvector(cov)
	if !ok {
		return fallback
	}
	out := Vec3{X: float32(v[0]), Y: float32(v[1]), Z: float32(v[2])}
	if out.X*p.X+out.Y*p.Y+out.Z*p.Z < 0 {
		out = Vec3{X: -out.X, Y: -out.Y, Z: -out.Z}
	}
	return out
}

func radial(p Vec3) Vec3 {
	l := float32(math.Sqrt(float64(p.X*p.X + p.Y*p.Y + p.Z*p.Z)))
	if l == 0 {
		return Vec3{Z: 1}
	}
	return Vec3{X: p.X / l, Y: p.Y / l, Z: p.Z / l}
}

// smallestEigenvector diagonalises a symmetric 3x3 matrix with cyclic Jacobi
// rotations and returns the unit eigenvector of the smallest eigenvalue.
func smallestEigenvector(a [3][3]float64) ([3]float64, bool) {
	v := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	trace := math.Abs(a[0][0]) + math.Abs(a[1][1]) + math.Abs(a[2][2])
	if trace == 0 {
		return [3]float64{}, false
	}

	for sweep := 0; sweep < 32; sweep++ {
		off := math.Abs(a[0][1]) + math.Abs(a[0][2]) + math.Abs(a[1][2])
		if off <= 1e-12*trace {
			break
		}
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if a[p][q] == 0 {
					continue
				}
				theta := (a[q][q] - a[p][p]) / (2 * a[p][q])
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				for k := 0; k < 3; k++ {
					akp, akq := a[k][p], a[k][q]
					a[k][p] = c*akp - s*akq
					a[k][q] = s*akp + c*akq
				}
				for k := 0; k < 3; k++ {
					apk, aqk := a[p][k], a[q][k]
					a[p][k] = c*apk - s*aqk
					a[q][k] = s*apk + c*aqk
				}
				for k := 0; k < 3; k++ {
					vkp, vkq := v[k][p], v[k][q]
					v[k][p] = c*vkp - s*vkq
					v[k][q] = s*vkp + c*vkq
				}
			}
		}
	}

	best := 0
	for i := 1; i < 3; i++ {
		if a[i][i] < a[best][best] {
			best = i
		}
	}
	out := [3]float64{v[0][best], v[1][best], v[2][best]}
	l := math.Sqrt(out[0]*out[0] + out[1]*out[1] + out[2]*out[2])
	if l == 0 || math.IsNaN(l) {
		return [3]float64{}, false
	}
	return [3]float64{out[0] / l, out[1] / l, out[2] / l}, true
}
