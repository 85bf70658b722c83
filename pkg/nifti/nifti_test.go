package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
)

func testVolume(shape []int) *models.Volume {
	affine := mat.NewDense(4, 4, []float64{
		-2, 0, 0, 90,
		0, 2, 0, -126,
		0, 0, 2.5, -72,
		0, 0, 0, 1,
	})
	vol := models.NewVolume(shape, affine)
	for i := range vol.Data {
		vol.Data[i] = float64(i%97) - 13
	}
	return vol
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		datatype models.Datatype
	}{
		{"float32", "vol.nii", models.DatatypeFloat32},
		{"float32 compressed", "vol.nii.gz", models.DatatypeFloat32},
		{"int16", "vol_int16.nii", models.DatatypeInt16},
		{"float64 compressed", "vol64.nii.gz", models.DatatypeFloat64},
		{"int32", "vol32.nii", models.DatatypeInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := testVolume([]int{5, 4, 3})
			vol.Datatype = tt.datatype
			path := filepath.Join(t.TempDir(), tt.file)

			if err := Save(vol, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if diff := cmp.Diff(vol.Shape, got.Shape); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(vol.Data, got.Data); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
			if !mat.EqualApprox(vol.Affine, got.Affine, 1e-5) {
				t.Errorf("affine mismatch:\nwant %v\ngot  %v", mat.Formatted(vol.Affine), mat.Formatted(got.Affine))
			}
			if got.Datatype != tt.datatype {
				t.Errorf("datatype = %s, want %s", got.Datatype, tt.datatype)
			}
		})
	}
}

func TestIntegerEncodingClamps(t *testing.T) {
	vol := testVolume([]int{2, 2, 1})
	vol.Data = []float64{-40000, 1.6, 70000, math.NaN()}
	vol.Datatype = models.DatatypeInt16

	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	want := []float64{math.MinInt16, 2, math.MaxInt16, 0}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("clamped data mismatch (-want +got):\n%s", diff)
	}
}

func TestFourDimensionalRoundTrip(t *testing.T) {
	vol := testVolume([]int{3, 2, 2, 4})

	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 2, 2, 4}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if got.Frames() != 4 {
		t.Errorf("Frames() = %d, want 4", got.Frames())
	}
}

func TestSingleFrameKeepsFourthAxis(t *testing.T) {
	for _, shape := range [][]int{{3, 2, 2}, {3, 2, 2, 1}} {
		var buf bytes.Buffer
		if err := Encode(&buf, testVolume(shape)); err != nil {
			t.Fatalf("Encode(%v) failed: %v", shape, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode(%v) failed: %v", shape, err)
		}
		if diff := cmp.Diff(shape, got.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeBigEndian(t *testing.T) {
	vol := testVolume([]int{3, 3, 3})
	vol.Datatype = models.DatatypeInt16
	h, err := newHeader(vol)
	if err != nil {
		t.Fatalf("newHeader failed: %v", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	buf.Write(make([]byte, dataOffset-headerSize))
	buf.Write(encodeSamples(vol.Data, vol.Datatype, binary.BigEndian))

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(vol.Data, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAppliesScaling(t *testing.T) {
	vol := testVolume([]int{2, 2, 2})
	vol.Datatype = models.DatatypeInt16
	h, _ := newHeader(vol)
	h.SclSlope = 0.5
	h.SclInter = 10

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(make([]byte, dataOffset-headerSize))
	buf.Write(encodeSamples(vol.Data, vol.Datatype, binary.LittleEndian))

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i, v := range vol.Data {
		if want := v*0.5 + 10; got.Data[i] != want {
			t.Fatalf("voxel %d = %f, want %f", i, got.Data[i], want)
		}
	}
	if got.Datatype != models.DatatypeFloat32 {
		t.Errorf("scaled datatype = %s, want float32", got.Datatype)
	}
}

func TestQformAffine(t *testing.T) {
	h := header{QformCode: 1}
	h.Pixdim = [8]float32{-1, 2, 3, 4}
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = 1, 2, 3

	got := h.affine([]int{10, 10, 10})
	want := mat.NewDense(4, 4, []float64{
		2, 0, 0, 1,
		0, 3, 0, 2,
		0, 0, -4, 3,
		0, 0, 0, 1,
	})
	if !mat.EqualApprox(got, want, 1e-9) {
		t.Errorf("qform affine:\ngot  %v\nwant %v", mat.Formatted(got), mat.Formatted(want))
	}
}

func TestFallbackAffineIsCentred(t *testing.T) {
	h := header{}
	h.Pixdim = [8]float32{0, 1, 1, 1}

	got := h.affine([]int{11, 21, 31})
	opt := cmpopts.EquateApprox(0, 1e-9)
	if diff := cmp.Diff([]float64{5, -10, -15}, []float64{got.At(0, 3), got.At(1, 3), got.At(2, 3)}, opt); diff != "" {
		t.Errorf("origin mismatch (-want +got):\n%s", diff)
	}
	if got.At(0, 0) != -1 {
		t.Errorf("x axis should be flipped, got %f", got.At(0, 0))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader(make([]byte, 400)))
	if !errors.Is(err, ErrInvalidFile) {
		t.Errorf("Expected ErrInvalidFile, got %v", err)
	}

	_, err = Decode(bytes.NewReader([]byte("short")))
	if !errors.Is(err, ErrInvalidFile) {
		t.Errorf("Expected ErrInvalidFile for short input, got %v", err)
	}
}

func TestIsCompressed(t *testing.T) {
	if !IsCompressed("a/b/scan.nii.GZ") {
		t.Errorf("Expected .nii.GZ to be compressed")
	}
	if IsCompressed("scan.nii") {
		t.Errorf("Expected .nii to be uncompressed")
	}
}
