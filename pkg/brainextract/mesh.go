package brainextract

import "math"

type vec3 [3]float64

func (a vec3) add(b vec3) vec3 { return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a vec3) sub(b vec3) vec3 { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) scale(s float64) vec3 { return vec3{a[0] * s, a[1] * s, a[2] * s} }
func (a vec3) dot(b vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a vec3) norm() float64 { return math.Sqrt(a.dot(a)) }
func (a vec3) cross(b vec3) vec3 {
	return vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func (a vec3) unit() vec3 {
	n := a.norm()
	if n == 0 {
		return a
	}
	return a.scale(1 / n)
}

// Mesh is a closed triangle surface. Vertex positions are in millimetres
// along the array axes.
type Mesh struct {
	Vertices [][3]float64
	Faces    [][3]int

	neighbours [][]int
}

// newIcosphere returns a unit sphere built by subdividing an icosahedron
// the given number of times. Faces are wound counter-clockwise seen from
// outside.
func newIcosphere(subdivisions int) *Mesh {
	p := (1 + math.Sqrt(5)) / 2
	verts := []vec3{
		{-1, p, 0}, {1, p, 0}, {-1, -p, 0}, {1, -p, 0},
		{0, -1, p}, {0, 1, p}, {0, -1, -p}, {0, 1, -p},
		{p, 0, -1}, {p, 0, 1}, {-p, 0, -1}, {-p, 0, 1},
	}
	for i := range verts {
		verts[i] = verts[i].unit()
	}
	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}

	for s := 0; s < subdivisions; s++ {
		midpoints := make(map[[2]int]int)
		mid := func(a, b int) int {
			key := [2]int{min(a, b), max(a, b)}
			if i, ok := midpoints[key]; ok {
				return i
			}
			verts = append(verts, verts[a].add(verts[b]).unit())
			midpoints[key] = len(verts) - 1
			return len(verts) - 1
		}
		next := make([][3]int, 0, 4*len(faces))
		for _, f := range faces {
			ab, bc, ca := mid(f[0], f[1]), mid(f[1], f[2]), mid(f[2], f[0])
			next = append(next,
				[3]int{f[0], ab, ca},
				[3]int{f[1], bc, ab},
				[3]int{f[2], ca, bc},
				[3]int{ab, bc, ca},
			)
		}
		faces = next
	}

	// Enforce outward winding.
	for i, f := range faces {
		a, b, c := verts[f[0]], verts[f[1]], verts[f[2]]
		if b.sub(a).cross(c.sub(a)).dot(a.add(b).add(c)) < 0 {
			faces[i] = [3]int{f[0], f[2], f[1]}
		}
	}

	m := &Mesh{Vertices: make([][3]float64, len(verts)), Faces: faces}
	for i, v := range verts {
		m.Vertices[i] = v
	}
	m.buildNeighbours()
	return m
}

func (m *Mesh) buildNeighbours() {
	seen := make([]map[int]struct{}, len(m.Vertices))
	for i := range seen {
		seen[i] = make(map[int]struct{}, 6)
	}
	for _, f := range m.Faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			seen[a][b] = struct{}{}
			seen[b][a] = struct{}{}
		}
	}
	m.neighbours = make([][]int, len(m.Vertices))
	for i, set := range seen {
		for j := range set {
			m.neighbours[i] = append(m.neighbours[i], j)
		}
	}
}

// normals returns the unit outward normal of every vertex, the area
// weighted mean of the adjacent face normals.
func (m *Mesh) normals() []vec3 {
	out := make([]vec3, len(m.Vertices))
	for _, f := range m.Faces {
		a, b, c := vec3(m.Vertices[f[0]]), vec3(m.Vertices[f[1]]), vec3(m.Vertices[f[2]])
		n := b.sub(a).cross(c.sub(a))
		for _, i := range f {
			out[i] = out[i].add(n)
		}
	}
	for i := range out {
		out[i] = out[i].unit()
	}
	return out
}

// meanEdgeLength averages the length of every vertex-neighbour pair.
func (m *Mesh) meanEdgeLength() float64 {
	var sum float64
	var n int
	for i, nb := range m.neighbours {
		for _, j := range nb {
			sum += vec3(m.Vertices[i]).sub(m.Vertices[j]).norm()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
