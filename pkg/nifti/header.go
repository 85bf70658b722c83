package nifti

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352

	unitsMM  = 2
	unitsSec = 8

	xformAligned = 2
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// header mirrors the on-disk NIfTI-1 header field by field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// detectByteOrder picks the order under which sizeof_hdr reads as 348.
func detectByteOrder(raw []byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(raw[:4]) == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(raw[:4]) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrInvalidFile, headerSize)
}

func (h *header) shape() ([]int, error) {
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%w: dim[0]=%d", ErrInvalidFile, ndim)
	}
	// Trailing singleton axes beyond the fourth are folded away.
	for ndim > 4 && h.Dim[ndim] == 1 {
		ndim--
	}
	if ndim > 4 {
		return nil, fmt.Errorf("%w: %d dimensional images are not supported", ErrUnsupported, ndim)
	}
	shape := []int{1, 1, 1}
	for i := 1; i <= ndim; i++ {
		if h.Dim[i] <= 0 {
			return nil, fmt.Errorf("%w: dim[%d]=%d", ErrInvalidFile, i, h.Dim[i])
		}
		if i <= 3 {
			shape[i-1] = int(h.Dim[i])
		} else {
			// A single-frame 4D image stays 4D so that it reads back as written.
			shape = append(shape, int(h.Dim[i]))
		}
	}
	return shape, nil
}

// affine returns the best available voxel-to-world transform: the sform
// when set, then the qform, then a centred scaling built from pixdim.
func (h *header) affine(shape []int) *mat.Dense {
	if h.SformCode > 0 {
		a := models.IdentityAffine()
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(h.SrowX[j]))
			a.Set(1, j, float64(h.SrowY[j]))
			a.Set(2, j, float64(h.SrowZ[j]))
		}
		return a
	}

	zooms := [3]float64{1, 1, 1}
	for i := 0; i < 3; i++ {
		if p := float64(h.Pixdim[i+1]); p > 0 {
			zooms[i] = p
		}
	}

	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// Rotation by 180 degrees; renormalise the vector part.
			n := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/n, c/n, d/n
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		r := [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
			{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
		}
		scale := [3]float64{zooms[0], zooms[1], zooms[2] * qfac}
		out := models.IdentityAffine()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out.Set(i, j, r[i][j]*scale[j])
			}
		}
		out.Set(0, 3, float64(h.QoffsetX))
		out.Set(1, 3, float64(h.QoffsetY))
		out.Set(2, 3, float64(h.QoffsetZ))
		return out
	}

	// Analyze-style fallback: x flipped, origin in the volume centre.
	out := models.IdentityAffine()
	out.Set(0, 0, -zooms[0])
	out.Set(1, 1, zooms[1])
	out.Set(2, 2, zooms[2])
	out.Set(0, 3, zooms[0]*float64(shape[0]-1)/2)
	out.Set(1, 3, -zooms[1]*float64(shape[1]-1)/2)
	out.Set(2, 3, -zooms[2]*float64(shape[2]-1)/2)
	return out
}

// newHeader builds a single-file header describing vol.
func newHeader(vol *models.Volume) (*header, error) {
	bitpix, err := bitsPerVoxel(vol.Datatype)
	if err != nil {
		return nil, err
	}

	h := &header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(vol.Datatype),
		Bitpix:    int16(bitpix),
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM | unitsSec,
		SformCode: xformAligned,
		Magic:     magicSingleFile,
	}

	h.Dim[0] = int16(len(vol.Shape))
	for i := range h.Dim[1:] {
		h.Dim[i+1] = 1
	}
	for i, s := range vol.Shape {
		if s > math.MaxInt16 {
			return nil, fmt.Errorf("%w: axis %d extent %d exceeds the NIfTI-1 limit", ErrUnsupported, i, s)
		}
		h.Dim[i+1] = int16(s)
	}

	spacing := vol.Spacing()
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(spacing[i])
	}
	for i := 4; i < 8; i++ {
		h.Pixdim[i] = 1
	}

	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(vol.Affine.At(0, j))
		h.SrowY[j] = float32(vol.Affine.At(1, j))
		h.SrowZ[j] = float32(vol.Affine.At(2, j))
	}

	min, max := vol.MinMax()
	h.CalMin, h.CalMax = float32(min), float32(max)
	copy(h.Descrip[:], "mritoolbox")

	return h, nil
}

func bitsPerVoxel(dt models.Datatype) (int, error) {
	switch dt {
	case models.DatatypeUint8, models.DatatypeInt8:
		return 8, nil
	case models.DatatypeInt16, models.DatatypeUint16:
		return 16, nil
	case models.DatatypeInt32, models.DatatypeUint32, models.DatatypeFloat32:
		return 32, nil
	case models.DatatypeFloat64, models.DatatypeInt64, models.DatatypeUint64:
		return 64, nil
	}
	return 0, fmt.Errorf("%w: datatype %s", ErrUnsupported, dt)
}
