package biasfield

import "math"

const splineOrder = 3

// cubicWeights returns the four uniform cubic B-spline basis values at
// fractional position t in [0, 1).
func cubicWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		(1 - t) * (1 - t) * (1 - t) / 6,
		(3*t3 - 6*t2 + 4) / 6,
		(-3*t3 + 3*t2 + 3*t + 1) / 6,
		t3 / 6,
	}
}

// basisTable holds, for every grid index along one axis, the first
// supporting control point and its four weights.
type basisTable struct {
	first []int
	w     [][4]float64
}

func newBasisTable(coords []float64, spans int) basisTable {
	tab := basisTable{
		first: make([]int, len(coords)),
		w:     make([][4]float64, len(coords)),
	}
	for i, u := range coords {
		s := u * float64(spans)
		k := int(math.Floor(s))
		if k >= spans {
			k = spans - 1
		}
		if k < 0 {
			k = 0
		}
		tab.first[i] = k
		tab.w[i] = cubicWeights(s - float64(k))
	}
	return tab
}

func newBasisTables(coords [3][]float64, spans int) [3]basisTable {
	var t [3]basisTable
	for a := range coords {
		t[a] = newBasisTable(coords[a], spans)
	}
	return t
}

// lattice is a cubic B-spline control grid spanning the unit cube with the
// same number of spans along every axis.
type lattice struct {
	n    int
	coef []float64
}

func newLattice(spans int) *lattice {
	n := spans + splineOrder
	return &lattice{n: n, coef: make([]float64, n*n*n)}
}

func (l *lattice) add(o *lattice) {
	for i, c := range o.coef {
		l.coef[i] += c
	}
}

func (l *lattice) at(tables [3]basisTable, x, y, z int) float64 {
	fx, fy, fz := tables[0].first[x], tables[1].first[y], tables[2].first[z]
	wx, wy, wz := tables[0].w[x], tables[1].w[y], tables[2].w[z]
	var sum float64
	for c := 0; c < 4; c++ {
		for b := 0; b < 4; b++ {
			wyz := wy[b] * wz[c]
			base := l.n * ((fy + b) + l.n*(fz+c))
			for a := 0; a < 4; a++ {
				sum += wx[a] * wyz * l.coef[base+fx+a]
			}
		}
	}
	return sum
}

// evaluatePoints writes the lattice value at every listed grid voxel to dst.
func (l *lattice) evaluatePoints(dst []float64, points []int, tables [3]basisTable, shape [3]int) {
	for i, p := range points {
		x, y, z := unflatten(p, shape)
		dst[i] = l.at(tables, x, y, z)
	}
}

// fitLattice approximates scattered values at grid voxels with a single
// level of multilevel B-spline approximation (Lee, Wolberg and Shin 1997).
func fitLattice(spans int, points []int, values []float64, tables [3]basisTable, shape [3]int) *lattice {
	l := newLattice(spans)
	num := make([]float64, len(l.coef))
	den := make([]float64, len(l.coef))

	for i, p := range points {
		x, y, z := unflatten(p, shape)
		fx, fy, fz := tables[0].first[x], tables[1].first[y], tables[2].first[z]
		wx, wy, wz := tables[0].w[x], tables[1].w[y], tables[2].w[z]

		sx, sy, sz := sumSquares(wx), sumSquares(wy), sumSquares(wz)
		ws2 := sx * sy * sz
		if ws2 == 0 {
			continue
		}
		z0 := values[i] / ws2

		for c := 0; c < 4; c++ {
			for b := 0; b < 4; b++ {
				wyz := wy[b] * wz[c]
				base := l.n * ((fy + b) + l.n*(fz+c))
				for a := 0; a < 4; a++ {
					w := wx[a] * wyz
					w2 := w * w
					num[base+fx+a] += w2 * w * z0
					den[base+fx+a] += w2
				}
			}
		}
	}

	for i := range l.coef {
		if den[i] > 0 {
			l.coef[i] = num[i] / den[i]
		}
	}
	return l
}

// evaluateField sums every lattice over a full grid.
func evaluateField(lattices []*lattice, coords [3][]float64, shape [3]int) []float64 {
	out := make([]float64, shape[0]*shape[1]*shape[2])
	for _, l := range lattices {
		tables := newBasisTables(coords, l.n-splineOrder)
		idx := 0
		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[1]; y++ {
				for x := 0; x < shape[0]; x++ {
					out[idx] += l.at(tables, x, y, z)
					idx++
				}
			}
		}
	}
	return out
}

func sumSquares(w [4]float64) float64 {
	return w[0]*w[0] + w[1]*w[1] + w[2]*w[2] + w[3]*w[3]
}

func unflatten(i int, shape [3]int) (x, y, z int) {
	x = i % shape[0]
	y = (i / shape[0]) % shape[1]
	z = i / (shape[0] * shape[1])
	return x, y, z
}
