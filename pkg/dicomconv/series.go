package dicomconv

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"mritoolbox/internal/models"
)

// Relative tolerance on the spacing between consecutive slices.
const sliceIncrementTolerance = 0.2

// sliceHeader is the geometry and pixel layout of one DICOM file.
type sliceHeader struct {
	path string

	seriesUID    string
	seriesNumber string
	description  string
	instance     int

	rows, cols int

	// rowSpacing is the distance between rows, colSpacing between columns.
	rowSpacing, colSpacing float64
	thickness              float64

	position    r3.Vec
	rowCosine   r3.Vec
	colCosine   r3.Vec
	hasPosition bool

	bitsStored int
	signed     bool
	frames     int
	samples    int

	slope, intercept float64
}

type series struct {
	uid    string
	slices []*sliceHeader
}

func (s *series) number() int {
	if len(s.slices) == 0 {
		return 0
	}
	n, err := strconv.Atoi(s.slices[0].seriesNumber)
	if err != nil {
		return math.MaxInt
	}
	return n
}

// readSliceHeader parses every element except the pixel data.
func readSliceHeader(path string) (*sliceHeader, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, err
	}

	h := &sliceHeader{
		path:         path,
		seriesUID:    stringValue(&ds, tag.SeriesInstanceUID),
		seriesNumber: stringValue(&ds, tag.SeriesNumber),
		description:  stringValue(&ds, tag.SeriesDescription),
		slope:        1,
		bitsStored:   16,
		frames:       1,
		samples:      1,
	}
	if h.description == "" {
		h.description = stringValue(&ds, tag.ProtocolName)
	}
	h.instance, _ = intValue(&ds, tag.InstanceNumber)
	h.rows, _ = intValue(&ds, tag.Rows)
	h.cols, _ = intValue(&ds, tag.Columns)
	if v, ok := intValue(&ds, tag.BitsStored); ok {
		h.bitsStored = v
	}
	if v, ok := intValue(&ds, tag.PixelRepresentation); ok {
		h.signed = v == 1
	}
	if v, ok := intValue(&ds, tag.SamplesPerPixel); ok && v > 0 {
		h.samples = v
	}
	if v, ok := intValue(&ds, tag.NumberOfFrames); ok && v > 0 {
		h.frames = v
	}

	h.rowSpacing, h.colSpacing = 1, 1
	if v := floatValues(&ds, tag.PixelSpacing); len(v) == 2 {
		h.rowSpacing, h.colSpacing = v[0], v[1]
	}
	h.thickness = 1
	if v := floatValues(&ds, tag.SpacingBetweenSlices); len(v) == 1 && v[0] > 0 {
		h.thickness = v[0]
	} else if v := floatValues(&ds, tag.SliceThickness); len(v) == 1 && v[0] > 0 {
		h.thickness = v[0]
	}

	h.rowCosine, h.colCosine = r3.Vec{X: 1}, r3.Vec{Y: 1}
	if v := floatValues(&ds, tag.ImageOrientationPatient); len(v) == 6 {
		h.rowCosine = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		h.colCosine = r3.Vec{X: v[3], Y: v[4], Z: v[5]}
	}
	if v := floatValues(&ds, tag.ImagePositionPatient); len(v) == 3 {
		h.position = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		h.hasPosition = true
	}

	if v := floatValues(&ds, tag.RescaleSlope); len(v) == 1 && v[0] != 0 {
		h.slope = v[0]
	}
	if v := floatValues(&ds, tag.RescaleIntercept); len(v) == 1 {
		h.intercept = v[0]
	}
	return h, nil
}

func (h *sliceHeader) normal() r3.Vec {
	return r3.Unit(r3.Cross(h.rowCosine, h.colCosine))
}

// assemble sorts the slices, checks the geometry and stacks the pixel data
// into a volume with a RAS affine.
func (s *series) assemble() (*models.Volume, error) {
	first := s.slices[0]
	if first.rows < 1 || first.cols < 1 {
		return nil, fmt.Errorf("%w: missing image dimensions", ErrUnsupportedSeries)
	}
	for _, sl := range s.slices {
		if sl.samples != 1 {
			return nil, fmt.Errorf("%w: %d samples per pixel in %s", ErrUnsupportedSeries, sl.samples, sl.path)
		}
		if sl.frames > 1 {
			return nil, fmt.Errorf("%w: multi-frame file %s", ErrUnsupportedSeries, sl.path)
		}
		if sl.rows != first.rows || sl.cols != first.cols {
			return nil, fmt.Errorf("%w: slice size %dx%d differs from %dx%d", ErrUnsupportedSeries, sl.cols, sl.rows, first.cols, first.rows)
		}
		if r3.Norm(r3.Sub(sl.rowCosine, first.rowCosine)) > 1e-3 || r3.Norm(r3.Sub(sl.colCosine, first.colCosine)) > 1e-3 {
			return nil, fmt.Errorf("%w: slice orientation varies within the series", ErrUnsupportedSeries)
		}
	}

	step, err := s.sortSlices()
	if err != nil {
		return nil, err
	}
	first = s.slices[0]

	cols, rows, n := first.cols, first.rows, len(s.slices)
	vol := models.NewVolume([]int{cols, rows, n}, sliceAffine(first, step))

	integral := true
	plane := cols * rows
	for k, sl := range s.slices {
		out := vol.Data[k*plane : (k+1)*plane]
		if err := readPixels(sl, out); err != nil {
			return nil, fmt.Errorf("reading %s: %w", sl.path, err)
		}
		if integral {
			for _, v := range out {
				if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
					integral = false
					break
				}
			}
		}
	}
	if integral {
		vol.Datatype = models.DatatypeInt16
	}
	return vol, nil
}

// sortSlices orders the slices along the normal and returns the step
// between consecutive slices in patient coordinates.
func (s *series) sortSlices() (r3.Vec, error) {
	first := s.slices[0]
	normal := first.normal()

	positioned := true
	for _, sl := range s.slices {
		positioned = positioned && sl.hasPosition
	}
	if !positioned {
		sort.SliceStable(s.slices, func(i, j int) bool { return s.slices[i].instance < s.slices[j].instance })
		return r3.Scale(first.thickness, normal), nil
	}

	dist := func(sl *sliceHeader) float64 { return r3.Dot(sl.position, normal) }
	sort.SliceStable(s.slices, func(i, j int) bool {
		di, dj := dist(s.slices[i]), dist(s.slices[j])
		if di != dj {
			return di < dj
		}
		return s.slices[i].instance < s.slices[j].instance
	})

	n := len(s.slices)
	if n == 1 {
		return r3.Scale(s.slices[0].thickness, normal), nil
	}

	total := dist(s.slices[n-1]) - dist(s.slices[0])
	mean := total / float64(n-1)
	if mean <= 0 {
		return r3.Vec{}, fmt.Errorf("%w: slices share one position", ErrUnsupportedSeries)
	}
	for i := 1; i < n; i++ {
		d := dist(s.slices[i]) - dist(s.slices[i-1])
		if math.Abs(d-mean) > sliceIncrementTolerance*mean {
			return r3.Vec{}, fmt.Errorf("%w: inconsistent slice increment %.3f (mean %.3f)", ErrUnsupportedSeries, d, mean)
		}
	}
	return r3.Scale(1/float64(n-1), r3.Sub(s.slices[n-1].position, s.slices[0].position)), nil
}

// sliceAffine builds the voxel to RAS transform. DICOM patient coordinates
// are LPS, so the first two world rows are negated.
func sliceAffine(first *sliceHeader, step r3.Vec) *mat.Dense {
	c := r3.Scale(first.colSpacing, first.rowCosine)
	r := r3.Scale(first.rowSpacing, first.colCosine)
	p := first.position
	return mat.NewDense(4, 4, []float64{
		-c.X, -r.X, -step.X, -p.X,
		-c.Y, -r.Y, -step.Y, -p.Y,
		c.Z, r.Z, step.Z, p.Z,
		0, 0, 0, 1,
	})
}

// readPixels decodes the first frame of sl into out, applying the sign
// convention and the rescale slope and intercept.
func readPixels(sl *sliceHeader, out []float64) error {
	ds, err := dicom.ParseFile(sl.path, nil)
	if err != nil {
		return err
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return err
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return fmt.Errorf("%w: no pixel data", ErrUnsupportedSeries)
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return fmt.Errorf("%w: compressed transfer syntax", ErrUnsupportedSeries)
	}

	var raw []int64
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		raw = widen(nf.RawData)
	case *frame.NativeFrame[uint16]:
		raw = widen(nf.RawData)
	case *frame.NativeFrame[uint32]:
		raw = widen(nf.RawData)
	case *frame.NativeFrame[int8]:
		raw = widen(nf.RawData)
	case *frame.NativeFrame[int16]:
		raw = widen(nf.RawData)
	case *frame.NativeFrame[int32]:
		raw = widen(nf.RawData)
	default:
		return fmt.Errorf("%w: pixel layout %T", ErrUnsupportedSeries, fr.NativeData)
	}
	if len(raw) < len(out) {
		return fmt.Errorf("%w: %d pixels, want %d", ErrUnsupportedSeries, len(raw), len(out))
	}

	for i := range out {
		v := raw[i]
		if sl.signed {
			v = signExtend(v, sl.bitsStored)
		}
		out[i] = float64(v)*sl.slope + sl.intercept
	}
	return nil
}

func widen[T uint8 | uint16 | uint32 | int8 | int16 | int32](in []T) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// signExtend interprets the low bits of v as a two's complement number.
func signExtend(v int64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return v
	}
	mask := int64(1)<<bits - 1
	v &= mask
	if v&(int64(1)<<(bits-1)) != 0 {
		v -= int64(1) << bits
	}
	return v
}

func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	}
	return ""
}

func intValue(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			return n, err == nil
		}
	}
	return 0, false
}

// floatValues reads a decimal string or floating point element. Values
// stored as a single backslash separated string are split.
func floatValues(ds *dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out
	case []string:
		var out []float64
		for _, s := range v {
			for _, part := range strings.Split(s, `\`) {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil
				}
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
