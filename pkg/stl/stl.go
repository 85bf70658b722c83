// Package stl extracts isosurfaces from volumes and writes them as binary
// STL meshes.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Triangle is one facet of a binary STL file.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Isosurface polygonises the level set of a scalar field sampled on a
// regular grid. Each grid cell is split into six tetrahedra sharing the
// cell diagonal, which avoids the ambiguous cases of marching cubes.
type Isosurface struct {
	data                   []float64
	width, height, depth   int
	isoLevel               float64
	xScale, yScale, zScale float32
}

// NewIsosurface prepares the extraction of the surface where data crosses
// isoLevel. data is stored x fastest, then y, then z.
func NewIsosurface(data []float64, width, height, depth int, isoLevel float64) *Isosurface {
	return &Isosurface{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		xScale:   1,
		yScale:   1,
		zScale:   1,
	}
}

// SetScale sets the physical size of a voxel along each axis.
func (s *Isosurface) SetScale(x, y, z float32) {
	s.xScale, s.yScale, s.zScale = x, y, z
}

// Cell corner i sits at offset (i&1, i>>1&1, i>>2&1).
var tetrahedra = [6][4]int{
	{0, 1, 3, 7},
	{0, 3, 2, 7},
	{0, 2, 6, 7},
	{0, 6, 4, 7},
	{0, 4, 5, 7},
	{0, 5, 1, 7},
}

// GenerateTriangles returns the surface facets, wound so that normals point
// from values at or above the iso level toward values below it.
func (s *Isosurface) GenerateTriangles() []Triangle {
	var out []Triangle
	var pos [8][3]float64
	var val [8]float64

	for z := 0; z < s.depth-1; z++ {
		for y := 0; y < s.height-1; y++ {
			for x := 0; x < s.width-1; x++ {
				for i := 0; i < 8; i++ {
					cx, cy, cz := x+i&1, y+i>>1&1, z+i>>2&1
					pos[i] = [3]float64{float64(cx), float64(cy), float64(cz)}
					val[i] = s.data[cx+s.width*(cy+s.height*cz)]
				}
				for _, tet := range tetrahedra {
					out = s.polygonise(out, tet, &pos, &val)
				}
			}
		}
	}
	return out
}

func (s *Isosurface) polygonise(out []Triangle, tet [4]int, pos *[8][3]float64, val *[8]float64) []Triangle {
	var in, outside []int
	for _, c := range tet {
		if val[c] >= s.isoLevel {
			in = append(in, c)
		} else {
			outside = append(outside, c)
		}
	}

	// Outward direction of this tetrahedron: from the inside corners to
	// the outside corners.
	var dir [3]float64
	for _, c := range outside {
		for k := 0; k < 3; k++ {
			dir[k] += pos[c][k] / float64(len(outside))
		}
	}
	for _, c := range in {
		for k := 0; k < 3; k++ {
			dir[k] -= pos[c][k] / float64(len(in))
		}
	}

	edge := func(a, b int) [3]float64 {
		t := 0.5
		if d := val[b] - val[a]; d != 0 {
			t = (s.isoLevel - val[a]) / d
		}
		return [3]float64{
			pos[a][0] + t*(pos[b][0]-pos[a][0]),
			pos[a][1] + t*(pos[b][1]-pos[a][1]),
			pos[a][2] + t*(pos[b][2]-pos[a][2]),
		}
	}

	switch len(in) {
	case 1:
		a := in[0]
		out = s.emit(out, dir, edge(a, outside[0]), edge(a, outside[1]), edge(a, outside[2]))
	case 3:
		a := outside[0]
		out = s.emit(out, dir, edge(in[0], a), edge(in[1], a), edge(in[2], a))
	case 2:
		p1 := edge(in[0], outside[0])
		p2 := edge(in[0], outside[1])
		p3 := edge(in[1], outside[1])
		p4 := edge(in[1], outside[0])
		out = s.emit(out, dir, p1, p2, p3)
		out = s.emit(out, dir, p1, p3, p4)
	}
	return out
}

// emit scales a facet, orients it along dir and appends it.
func (s *Isosurface) emit(out []Triangle, dir, a, b, c [3]float64) []Triangle {
	scale := [3]float64{float64(s.xScale), float64(s.yScale), float64(s.zScale)}
	for k := 0; k < 3; k++ {
		a[k] *= scale[k]
		b[k] *= scale[k]
		c[k] *= scale[k]
		dir[k] *= scale[k]
	}

	u := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := [3]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := [3]float64{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}
	length := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
	if length == 0 {
		return out
	}
	if n[0]*dir[0]+n[1]*dir[1]+n[2]*dir[2] < 0 {
		b, c = c, b
		n = [3]float64{-n[0], -n[1], -n[2]}
	}

	return append(out, Triangle{
		Normal:  [3]float32{float32(n[0] / length), float32(n[1] / length), float32(n[2] / length)},
		Vertex1: toFloat32(a),
		Vertex2: toFloat32(b),
		Vertex3: toFloat32(c),
	})
}

func toFloat32(p [3]float64) [3]float32 {
	return [3]float32{float32(p[0]), float32(p[1]), float32(p[2])}
}

// WriteSTL writes triangles in the binary STL format.
func WriteSTL(w io.Writer, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], "mritoolbox binary STL")
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	var rec [50]byte
	for _, t := range triangles {
		putVec := func(off int, v [3]float32) {
			for k := 0; k < 3; k++ {
				binary.LittleEndian.PutUint32(rec[off+4*k:], math.Float32bits(v[k]))
			}
		}
		putVec(0, t.Normal)
		putVec(12, t.Vertex1)
		putVec(24, t.Vertex2)
		putVec(36, t.Vertex3)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// SaveToSTL writes triangles to filename as a binary STL file.
func SaveToSTL(filename string, triangles []Triangle) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := WriteSTL(bw, triangles); err != nil {
		return fmt.Errorf("failed to write STL file: %w", err)
	}
	return bw.Flush()
}
