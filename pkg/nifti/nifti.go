// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// gzip-compressed .nii.gz) as models.Volume values.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mritoolbox/internal/models"
)

var (
	// ErrInvalidFile is returned for input that is not a NIfTI-1 image.
	ErrInvalidFile = errors.New("invalid NIfTI file")

	// ErrUnsupported is returned for valid images this package cannot handle.
	ErrUnsupported = errors.New("unsupported NIfTI feature")
)

// IsCompressed reports whether path names a gzip-compressed image.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Load reads the image at path. Files ending in .gz are decompressed.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if IsCompressed(path) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream of %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return vol, nil
}

// Save writes vol to path, compressing when the name ends in .gz.
// Parent directories must exist.
func Save(vol *models.Volume, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if IsCompressed(path) {
		zw, err := gzip.NewWriterLevel(bw, gzip.DefaultCompression)
		if err != nil {
			return err
		}
		zw.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := Encode(zw, vol); err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if err := Encode(bw, vol); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return bw.Flush()
}

// Decode reads an uncompressed single-file image from r.
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrInvalidFile, err)
	}
	order, err := detectByteOrder(raw)
	if err != nil {
		return nil, err
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if h.Magic != magicSingleFile {
		return nil, fmt.Errorf("%w: magic %q (only single-file n+1 images are supported)", ErrUnsupported, h.Magic[:3])
	}

	shape, err := h.shape()
	if err != nil {
		return nil, err
	}
	dt := models.Datatype(h.Datatype)
	bitpix, err := bitsPerVoxel(dt)
	if err != nil {
		return nil, err
	}

	// Skip the extension flag and any extensions up to the voxel data.
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v", ErrInvalidFile, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%w: skipping extensions: %v", ErrInvalidFile, err)
	}

	n := 1
	for _, s := range shape {
		n *= s
	}
	buf := make([]byte, n*bitpix/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d voxels: %v", ErrInvalidFile, n, err)
	}

	data := decodeSamples(buf, dt, order, n)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
		dt = models.DatatypeFloat32
	}

	vol := &models.Volume{
		Data:     data,
		Shape:    shape,
		Affine:   h.affine(shape),
		Datatype: dt,
	}
	return vol, nil
}

// Encode writes vol as an uncompressed single-file image.
func Encode(w io.Writer, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	h, err := newHeader(vol)
	if err != nil {
		return err
	}

	order := binary.LittleEndian
	if err := binary.Write(w, order, h); err != nil {
		return err
	}
	// Extension flag: no extensions follow.
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return err
	}

	_, err = w.Write(encodeSamples(vol.Data, vol.Datatype, order))
	return err
}

func decodeSamples(buf []byte, dt models.Datatype, order binary.ByteOrder, n int) []float64 {
	data := make([]float64, n)
	switch dt {
	case models.DatatypeUint8:
		for i := range data {
			data[i] = float64(buf[i])
		}
	case models.DatatypeInt8:
		for i := range data {
			data[i] = float64(int8(buf[i]))
		}
	case models.DatatypeInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case models.DatatypeUint16:
		for i := range data {
			data[i] = float64(order.Uint16(buf[2*i:]))
		}
	case models.DatatypeInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case models.DatatypeUint32:
		for i := range data {
			data[i] = float64(order.Uint32(buf[4*i:]))
		}
	case models.DatatypeFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case models.DatatypeFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	case models.DatatypeInt64:
		for i := range data {
			data[i] = float64(int64(order.Uint64(buf[8*i:])))
		}
	case models.DatatypeUint64:
		for i := range data {
			data[i] = float64(order.Uint64(buf[8*i:]))
		}
	}
	return data
}

func encodeSamples(data []float64, dt models.Datatype, order binary.ByteOrder) []byte {
	bitpix, _ := bitsPerVoxel(dt)
	buf := make([]byte, len(data)*bitpix/8)
	switch dt {
	case models.DatatypeUint8:
		for i, v := range data {
			buf[i] = uint8(clampRound(v, 0, math.MaxUint8))
		}
	case models.DatatypeInt8:
		for i, v := range data {
			buf[i] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		}
	case models.DatatypeInt16:
		for i, v := range data {
			order.PutUint16(buf[2*i:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		}
	case models.DatatypeUint16:
		for i, v := range data {
			order.PutUint16(buf[2*i:], uint16(clampRound(v, 0, math.MaxUint16)))
		}
	case models.DatatypeInt32:
		for i, v := range data {
			order.PutUint32(buf[4*i:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		}
	case models.DatatypeUint32:
		for i, v := range data {
			order.PutUint32(buf[4*i:], uint32(clampRound(v, 0, math.MaxUint32)))
		}
	case models.DatatypeFloat32:
		for i, v := range data {
			order.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case models.DatatypeFloat64:
		for i, v := range data {
			order.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	case models.DatatypeInt64:
		for i, v := range data {
			order.PutUint64(buf[8*i:], uint64(int64(clampRound(v, math.MinInt64, math.MaxInt64))))
		}
	case models.DatatypeUint64:
		for i, v := range data {
			order.PutUint64(buf[8*i:], uint64(clampRound(v, 0, math.MaxUint64)))
		}
	}
	return buf
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
