package interpolation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
)

// Order selects how samples between voxel centres are computed.
type Order int

const (
	// Linear is trilinear interpolation, continuous across voxels.
	Linear Order = iota
	// Nearest picks the closest voxel.
	Nearest
)

// ParseOrder maps a configuration string to an Order.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear", "continuous", "trilinear":
		return Linear, nil
	case "nearest":
		return Nearest, nil
	}
	return Linear, fmt.Errorf("unknown interpolation %q", s)
}

// String implements fmt.Stringer.
func (o Order) String() string {
	if o == Nearest {
		return "nearest"
	}
	return "linear"
}

// ErrSingularAffine is returned when the source affine cannot be inverted.
var ErrSingularAffine = errors.New("source affine is not invertible")

// edge tolerance for points that land a rounding error outside the grid
const edgeEps = 1e-6

// Trilinear samples frame data of the given shape at continuous voxel
// coordinates (x, y, z). Points outside the grid yield 0.
func Trilinear(data []float64, shape [3]int, x, y, z float64) float64 {
	nx, ny, nz := shape[0], shape[1], shape[2]
	if x < -edgeEps || y < -edgeEps || z < -edgeEps ||
		x > float64(nx-1)+edgeEps || y > float64(ny-1)+edgeEps || z > float64(nz-1)+edgeEps {
		return 0
	}

	x0, fx := split(x, nx)
	y0, fy := split(y, ny)
	z0, fz := split(z, nz)
	x1, y1, z1 := min(x0+1, nx-1), min(y0+1, ny-1), min(z0+1, nz-1)

	at := func(i, j, k int) float64 { return data[i+nx*(j+ny*k)] }

	c00 := at(x0, y0, z0)*(1-fx) + at(x1, y0, z0)*fx
	c10 := at(x0, y1, z0)*(1-fx) + at(x1, y1, z0)*fx
	c01 := at(x0, y0, z1)*(1-fx) + at(x1, y0, z1)*fx
	c11 := at(x0, y1, z1)*(1-fx) + at(x1, y1, z1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

// NearestNeighbor samples frame data at the voxel closest to (x, y, z).
func NearestNeighbor(data []float64, shape [3]int, x, y, z float64) float64 {
	i, j, k := int(math.Round(x)), int(math.Round(y)), int(math.Round(z))
	if i < 0 || j < 0 || k < 0 || i >= shape[0] || j >= shape[1] || k >= shape[2] {
		return 0
	}
	return data[i+shape[0]*(j+shape[1]*k)]
}

// split clamps c into the grid and returns its integer cell and fraction.
func split(c float64, n int) (int, float64) {
	if c <= 0 {
		return 0, 0
	}
	if c >= float64(n-1) {
		return n - 1, 0
	}
	i := int(math.Floor(c))
	return i, c - float64(i)
}

// Resample maps vol onto a grid of the given spatial shape whose voxels sit
// at world positions targetAffine * (i, j, k, 1). Each target voxel is traced
// back into vol's index space through the inverse of vol's affine. 4D
// volumes are resampled frame by frame.
func Resample(vol *models.Volume, shape [3]int, targetAffine *mat.Dense, order Order) (*models.Volume, error) {
	var inv mat.Dense
	if err := inv.Inverse(vol.Affine); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularAffine, err)
	}
	// Target index -> source index in one matrix.
	var m mat.Dense
	m.Mul(&inv, targetAffine)

	sample := Trilinear
	if order == Nearest {
		sample = NearestNeighbor
	}

	outShape := []int{shape[0], shape[1], shape[2]}
	if vol.Frames() > 1 || len(vol.Shape) == 4 {
		outShape = append(outShape, vol.Frames())
	}
	out := models.NewVolume(outShape, targetAffine)
	out.Datatype = vol.Datatype
	if out.Datatype != models.DatatypeFloat64 {
		// Interpolated samples are no longer integral.
		out.Datatype = models.DatatypeFloat32
	}

	src := vol.Dims3()
	r := m.RawMatrix()
	row := func(i int) [4]float64 {
		return [4]float64{r.Data[i*r.Stride], r.Data[i*r.Stride+1], r.Data[i*r.Stride+2], r.Data[i*r.Stride+3]}
	}
	mx, my, mz := row(0), row(1), row(2)

	for t := 0; t < vol.Frames(); t++ {
		in := vol.Frame(t)
		dst := out.Frame(t)
		idx := 0
		for k := 0; k < shape[2]; k++ {
			fk := float64(k)
			for j := 0; j < shape[1]; j++ {
				fj := float64(j)
				for i := 0; i < shape[0]; i++ {
					fi := float64(i)
					x := mx[0]*fi + mx[1]*fj + mx[2]*fk + mx[3]
					y := my[0]*fi + my[1]*fj + my[2]*fk + my[3]
					z := mz[0]*fi + mz[1]*fj + mz[2]*fk + mz[3]
					dst[idx] = sample(in, src, x, y, z)
					idx++
				}
			}
		}
	}

	return out, nil
}
