package dicomconv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/mat"

	"mritoolbox/pkg/logging"
	"mritoolbox/pkg/nifti"
	"mritoolbox/pkg/processing"
)

type testSeries struct {
	uid         string
	number      int
	description string
	rows, cols  int
	slices      int
	origin      [3]float64
	spacing     [2]float64 // row, column
	step        float64
}

// pixel is the value stored at (col, row) of slice k.
func pixel(col, row, k int) uint16 {
	return uint16(100*k + 10*row + col)
}

func mustNewElement(t *testing.T, tg tag.Tag, v interface{}) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, v)
	if err != nil {
		t.Fatalf("NewElement(%v): %v", tg, err)
	}
	return el
}

func ftoa(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

// writeSeries writes one file per slice into dir. Files are written in
// reverse slice order so that directory order never matches geometry.
func writeSeries(t *testing.T, dir string, s testSeries) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for k := s.slices - 1; k >= 0; k-- {
		nf := frame.NewNativeFrame[uint16](16, s.rows, s.cols, s.rows*s.cols, 1)
		for y := 0; y < s.rows; y++ {
			for x := 0; x < s.cols; x++ {
				nf.RawData[y*s.cols+x] = pixel(x, y, k)
			}
		}
		info := dicom.PixelDataInfo{Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}}}

		z := s.origin[2] + float64(k)*s.step
		elements := []*dicom.Element{
			mustNewElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
			mustNewElement(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
			mustNewElement(t, tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", s.uid, k+1)}),
			mustNewElement(t, tag.Modality, []string{"MR"}),
			mustNewElement(t, tag.SeriesInstanceUID, []string{s.uid}),
			mustNewElement(t, tag.SeriesNumber, []string{fmt.Sprintf("%d", s.number)}),
			mustNewElement(t, tag.SeriesDescription, []string{s.description}),
			// Instance numbers run against the geometry.
			mustNewElement(t, tag.InstanceNumber, []string{fmt.Sprintf("%d", s.slices-k)}),
			mustNewElement(t, tag.PixelSpacing, []string{ftoa(s.spacing[0]), ftoa(s.spacing[1])}),
			mustNewElement(t, tag.SliceThickness, []string{ftoa(s.step)}),
			mustNewElement(t, tag.ImagePositionPatient, []string{ftoa(s.origin[0]), ftoa(s.origin[1]), ftoa(z)}),
			mustNewElement(t, tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
			mustNewElement(t, tag.Rows, []int{s.rows}),
			mustNewElement(t, tag.Columns, []int{s.cols}),
			mustNewElement(t, tag.BitsAllocated, []int{16}),
			mustNewElement(t, tag.BitsStored, []int{16}),
			mustNewElement(t, tag.HighBit, []int{15}),
			mustNewElement(t, tag.PixelRepresentation, []int{0}),
			mustNewElement(t, tag.SamplesPerPixel, []int{1}),
			mustNewElement(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(t, tag.PixelData, info),
		}

		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("IM%04d.dcm", k)))
		if err != nil {
			t.Fatal(err)
		}
		if err := dicom.Write(f, dicom.Dataset{Elements: elements}); err != nil {
			f.Close()
			t.Fatalf("dicom.Write: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

var (
	t1Series = testSeries{
		uid: "1.2.826.0.1.3680043.2.1125.1", number: 3, description: "T1 MPRAGE sag",
		rows: 6, cols: 5, slices: 4,
		origin: [3]float64{-100, -90, -40}, spacing: [2]float64{0.5, 0.8}, step: 2,
	}
	flairSeries = testSeries{
		uid: "1.2.826.0.1.3680043.2.1125.2", number: 7, description: "FLAIR",
		rows: 4, cols: 4, slices: 3,
		origin: [3]float64{0, 0, 0}, spacing: [2]float64{1, 1}, step: 1,
	}
)

func TestConvertDirectoryTwoSeries(t *testing.T) {
	in := t.TempDir()
	writeSeries(t, filepath.Join(in, "study", "t1"), t1Series)
	writeSeries(t, filepath.Join(in, "study", "flair"), flairSeries)
	if err := os.WriteFile(filepath.Join(in, "README.txt"), []byte("not a dicom file"), 0644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "nifti")
	report, err := ConvertDirectory(context.Background(), in, out, Options{Compress: true, Workers: 2}, logging.Discard())
	if err != nil {
		t.Fatalf("ConvertDirectory failed: %v", err)
	}

	want := []string{
		filepath.Join(out, "3_t1_mprage_sag.nii.gz"),
		filepath.Join(out, "7_flair.nii.gz"),
	}
	if diff := cmp.Diff(want, report.Files); diff != "" {
		t.Fatalf("written files mismatch (-want +got):\n%s", diff)
	}
	if len(report.Skipped) != 0 {
		t.Errorf("unexpected skipped series: %+v", report.Skipped)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("output holds %d files, want 2", len(entries))
	}

	vol, err := nifti.Load(want[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff([]int{5, 6, 4}, vol.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for k := 0; k < 4; k++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 5; x++ {
				if got, want := vol.At(x, y, k), float64(pixel(x, y, k)); got != want {
					t.Fatalf("voxel (%d,%d,%d) = %v, want %v", x, y, k, got, want)
				}
			}
		}
	}

	// LPS patient coordinates end up negated on the first two world axes.
	wantAffine := mat.NewDense(4, 4, []float64{
		-0.8, 0, 0, 100,
		0, -0.5, 0, 90,
		0, 0, 2, -40,
		0, 0, 0, 1,
	})
	if !mat.EqualApprox(vol.Affine, wantAffine, 1e-4) {
		t.Errorf("affine = %v, want %v", mat.Formatted(vol.Affine), mat.Formatted(wantAffine))
	}
}

func TestConvertDirectoryUncompressedAndReoriented(t *testing.T) {
	in := t.TempDir()
	writeSeries(t, in, t1Series)

	out := t.TempDir()
	report, err := ConvertDirectory(context.Background(), in, out, Options{Reorient: true}, nil)
	if err != nil {
		t.Fatalf("ConvertDirectory failed: %v", err)
	}
	if len(report.Files) != 1 || !strings.HasSuffix(report.Files[0], ".nii") {
		t.Fatalf("files = %v, want one .nii file", report.Files)
	}

	vol, err := nifti.Load(report.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := processing.Orientation(vol.Affine); got != "LAS" {
		t.Errorf("orientation = %s, want LAS", got)
	}
	// Reorientation flips the row axis.
	if got, want := vol.At(0, 0, 0), float64(pixel(0, 5, 0)); got != want {
		t.Errorf("first voxel = %v, want %v", got, want)
	}
}

func TestConvertDirectoryNameCollision(t *testing.T) {
	in := t.TempDir()
	a := flairSeries
	b := flairSeries
	b.uid = "1.2.826.0.1.3680043.2.1125.3"
	writeSeries(t, filepath.Join(in, "a"), a)
	writeSeries(t, filepath.Join(in, "b"), b)

	out := t.TempDir()
	report, err := ConvertDirectory(context.Background(), in, out, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(out, "7_flair.nii"), filepath.Join(out, "7_flair_1.nii")}
	if diff := cmp.Diff(want, report.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertDirectorySuffixMatchesPlainName(t *testing.T) {
	in := t.TempDir()
	a := flairSeries
	b := flairSeries
	b.uid = "1.2.826.0.1.3680043.2.1125.3"
	c := flairSeries
	c.uid = "1.2.826.0.1.3680043.2.1125.4"
	c.description = "FLAIR 1"
	for i, s := range []testSeries{a, b, c} {
		writeSeries(t, filepath.Join(in, fmt.Sprintf("s%d", i)), s)
	}

	out := t.TempDir()
	report, err := ConvertDirectory(context.Background(), in, out, Options{Compress: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(out, "7_flair.nii.gz"),
		filepath.Join(out, "7_flair_1.nii.gz"),
		filepath.Join(out, "7_flair_1_1.nii.gz"),
	}
	if diff := cmp.Diff(want, report.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("output holds %d files for 3 series", len(entries))
	}
}

func TestAssignNamesUnique(t *testing.T) {
	group := func(uid, number, description string) *series {
		return &series{uid: uid, slices: []*sliceHeader{{seriesUID: uid, seriesNumber: number, description: description}}}
	}
	groups := []*series{
		group("1", "7", "FLAIR 1"),
		group("2", "7", "FLAIR"),
		group("3", "7", "FLAIR"),
		group("4", "", ""),
	}
	want := map[string]string{"1": "7_flair_1", "2": "7_flair", "3": "7_flair_2", "4": "4"}
	if diff := cmp.Diff(want, assignNames(groups)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertDirectoryInvalidInput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.dcm")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")

	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"missing", filepath.Join(dir, "missing"), "does not exist"},
		{"file", file, "is a file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConvertDirectory(context.Background(), tt.input, out, Options{}, nil)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %q, want it to mention %q", err, tt.msg)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Errorf("output directory should not be created")
			}
		})
	}
}

func TestConvertDirectoryWithoutDICOM(t *testing.T) {
	in := t.TempDir()
	if err := os.WriteFile(filepath.Join(in, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out")
	report, err := ConvertDirectory(context.Background(), in, out, Options{}, nil)
	if err != nil {
		t.Fatalf("ConvertDirectory failed: %v", err)
	}
	if len(report.Files) != 0 || len(report.Skipped) != 0 {
		t.Errorf("report = %+v, want an empty report", *report)
	}
}

func TestConvertDirectoryAllSeriesSkipped(t *testing.T) {
	in := t.TempDir()
	s := flairSeries
	s.slices = 1
	writeSeries(t, in, s)
	// A second slice with a different matrix size cannot be stacked.
	odd := flairSeries
	odd.rows = 5
	odd.slices = 1
	odd.origin[2] = 1
	writeSeries(t, filepath.Join(in, "odd"), odd)

	report, err := ConvertDirectory(context.Background(), in, t.TempDir(), Options{}, nil)
	if err != nil {
		t.Fatalf("ConvertDirectory failed: %v", err)
	}
	if len(report.Files) != 0 {
		t.Errorf("files = %v, want none", report.Files)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].SeriesUID != flairSeries.uid {
		t.Errorf("skipped = %+v, want the flair series", report.Skipped)
	}
}

func TestConvertDirectoryCancelled(t *testing.T) {
	in := t.TempDir()
	writeSeries(t, in, flairSeries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ConvertDirectory(ctx, in, t.TempDir(), Options{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"T1 MPRAGE sag":    "t1_mprage_sag",
		"  FLAIR  ":        "flair",
		"DWI (b=1000)":     "dwi_b_1000",
		"":                 "",
		"***":              "",
		"1.2.840.113619":   "1_2_840_113619",
		"ep2d_diff__3scan": "ep2d_diff_3scan",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		v    int64
		bits int
		want int64
	}{
		{0x7fff, 16, 32767},
		{0x8000, 16, -32768},
		{0xffff, 16, -1},
		{0x0fff, 12, -1},
		{0x07ff, 12, 2047},
	}
	for _, tt := range tests {
		if got := signExtend(tt.v, tt.bits); got != tt.want {
			t.Errorf("signExtend(%#x, %d) = %d, want %d", tt.v, tt.bits, got, tt.want)
		}
	}
}
