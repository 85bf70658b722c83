package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrMalformedVolume is returned when a volume's shape, data and affine disagree.
var ErrMalformedVolume = errors.New("malformed volume")

// Datatype is the on-disk sample encoding of a volume, using the NIfTI-1 codes.
type Datatype int16

const (
	DatatypeUint8   Datatype = 2
	DatatypeInt16   Datatype = 4
	DatatypeInt32   Datatype = 8
	DatatypeFloat32 Datatype = 16
	DatatypeFloat64 Datatype = 64
	DatatypeInt8    Datatype = 256
	DatatypeUint16  Datatype = 512
	DatatypeUint32  Datatype = 768
	DatatypeInt64   Datatype = 1024
	DatatypeUint64  Datatype = 1280
)

// String returns the short name of the datatype.
func (d Datatype) String() string {
	switch d {
	case DatatypeUint8:
		return "uint8"
	case DatatypeInt16:
		return "int16"
	case DatatypeInt32:
		return "int32"
	case DatatypeFloat32:
		return "float32"
	case DatatypeFloat64:
		return "float64"
	case DatatypeInt8:
		return "int8"
	case DatatypeUint16:
		return "uint16"
	case DatatypeUint32:
		return "uint32"
	case DatatypeInt64:
		return "int64"
	case DatatypeUint64:
		return "uint64"
	}
	return fmt.Sprintf("datatype(%d)", int16(d))
}

// Volume is a dense 3D or 4D image with the affine mapping voxel indices
// to physical (RAS, millimetre) coordinates.
type Volume struct {
	// Data holds the samples in column-major order: x varies fastest,
	// then y, then z, then t.
	Data []float64

	// Shape holds the extent of every axis, 3 or 4 entries.
	Shape []int

	// Affine is the 4x4 voxel-to-world transform.
	Affine *mat.Dense

	// Datatype is the encoding used when the volume is persisted.
	Datatype Datatype
}

// NewVolume allocates a zero-filled volume of the given shape.
// A nil affine is replaced by the identity.
func NewVolume(shape []int, affine *mat.Dense) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if affine == nil {
		affine = IdentityAffine()
	} else {
		affine = mat.DenseCopyOf(affine)
	}
	return &Volume{
		Data:     make([]float64, n),
		Shape:    append([]int(nil), shape...),
		Affine:   affine,
		Datatype: DatatypeFloat32,
	}
}

// IdentityAffine returns a fresh 4x4 identity matrix.
func IdentityAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Validate checks that the volume is well formed.
func (v *Volume) Validate() error {
	if len(v.Shape) < 3 || len(v.Shape) > 4 {
		return fmt.Errorf("%w: %d dimensions, want 3 or 4", ErrMalformedVolume, len(v.Shape))
	}
	n := 1
	for i, s := range v.Shape {
		if s <= 0 {
			return fmt.Errorf("%w: axis %d has extent %d", ErrMalformedVolume, i, s)
		}
		n *= s
	}
	if len(v.Data) != n {
		return fmt.Errorf("%w: %d samples for shape %v", ErrMalformedVolume, len(v.Data), v.Shape)
	}
	if v.Affine == nil {
		return fmt.Errorf("%w: missing affine", ErrMalformedVolume)
	}
	if r, c := v.Affine.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("%w: affine is %dx%d", ErrMalformedVolume, r, c)
	}
	return nil
}

// Dims3 returns the spatial extents.
func (v *Volume) Dims3() [3]int {
	return [3]int{v.Shape[0], v.Shape[1], v.Shape[2]}
}

// Frames returns the number of 3D volumes stored (1 for 3D images).
func (v *Volume) Frames() int {
	if len(v.Shape) == 4 {
		return v.Shape[3]
	}
	return 1
}

// Index returns the flat offset of voxel (x, y, z) in the first frame.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Shape[0]*(y+v.Shape[1]*z)
}

// At returns the sample at (x, y, z) of the first frame.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a sample at (x, y, z) of the first frame.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Frame returns the samples of frame t. The slice aliases Data.
func (v *Volume) Frame(t int) []float64 {
	n := v.Shape[0] * v.Shape[1] * v.Shape[2]
	return v.Data[t*n : (t+1)*n]
}

// WithData returns a new volume sharing nothing with v that carries the
// given samples, v's shape, a copy of v's affine and v's datatype.
func (v *Volume) WithData(data []float64) *Volume {
	return &Volume{
		Data:     data,
		Shape:    append([]int(nil), v.Shape...),
		Affine:   mat.DenseCopyOf(v.Affine),
		Datatype: v.Datatype,
	}
}

// Spacing returns the voxel size along each array axis, taken from the
// column norms of the affine.
func (v *Volume) Spacing() [3]float64 {
	var s [3]float64
	for j := 0; j < 3; j++ {
		var sum float64
		for i := 0; i < 3; i++ {
			a := v.Affine.At(i, j)
			sum += a * a
		}
		s[j] = math.Sqrt(sum)
		if s[j] == 0 {
			s[j] = 1
		}
	}
	return s
}

// MinMax returns the smallest and largest sample.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, x := range v.Data[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}
