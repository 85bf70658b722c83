// Package dicomconv converts directories of DICOM slices into NIfTI
// volumes, one file per Series Instance UID.
package dicomconv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"mritoolbox/pkg/logging"
	"mritoolbox/pkg/nifti"
	"mritoolbox/pkg/processing"
)

var (
	// ErrInvalidInput is returned when the input path is missing or not a
	// directory.
	ErrInvalidInput = errors.New("invalid input directory")

	// ErrUnsupportedSeries marks series the converter cannot assemble.
	ErrUnsupportedSeries = errors.New("unsupported series")
)

// Options controls a conversion.
type Options struct {
	// Compress writes .nii.gz instead of .nii.
	Compress bool

	// Reorient permutes and flips the axes to Orientation.
	Reorient bool

	// Orientation is the target axis code used when Reorient is set.
	// Defaults to LAS.
	Orientation string

	// Workers bounds the number of series converted at once. Defaults to
	// the number of CPUs.
	Workers int
}

// SkippedSeries records a series that could not be converted.
type SkippedSeries struct {
	SeriesUID string
	Reason    string
}

// Report lists the outcome of a conversion.
type Report struct {
	// Files holds the paths written, sorted.
	Files []string

	// Skipped holds the series that failed, sorted by UID.
	Skipped []SkippedSeries
}

// Converter converts DICOM directories with fixed options.
type Converter struct {
	opts Options
	log  *logging.Logger
}

// NewConverter returns a Converter. A nil logger discards output.
func NewConverter(opts Options, log *logging.Logger) *Converter {
	if opts.Orientation == "" {
		opts.Orientation = "LAS"
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	return &Converter{opts: opts, log: log}
}

// ConvertDirectory converts inputDir with the given options.
func ConvertDirectory(ctx context.Context, inputDir, outputDir string, opts Options, log *logging.Logger) (*Report, error) {
	return NewConverter(opts, log).ConvertDirectory(ctx, inputDir, outputDir)
}

// ValidateInputDir checks that path exists and is a directory.
func ValidateInputDir(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrInvalidInput, path)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is a file", ErrInvalidInput, path)
	}
	return nil
}

// ConvertDirectory scans inputDir recursively, groups the DICOM files by
// series and writes one NIfTI file per series into outputDir. Series that
// fail are logged and skipped. Only an invalid input directory, an
// unwritable output directory or cancellation fail the call; a tree without
// convertible series yields an empty report.
func (c *Converter) ConvertDirectory(ctx context.Context, inputDir, outputDir string) (*Report, error) {
	if err := ValidateInputDir(inputDir); err != nil {
		return nil, err
	}

	groups, err := c.scan(ctx, inputDir)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		c.log.Warnf("No DICOM series found in %s", inputDir)
		return &Report{}, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ext := ".nii"
	if c.opts.Compress {
		ext = ".nii.gz"
	}
	names := assignNames(groups)

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for _, s := range groups {
		s := s
		path := filepath.Join(outputDir, names[s.uid]+ext)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := c.convertSeries(s, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Errorf("skipping series %s: %v", s.uid, err)
				report.Skipped = append(report.Skipped, SkippedSeries{SeriesUID: s.uid, Reason: err.Error()})
				return nil
			}
			c.log.Infof("series %s (%d slices) written to %s", s.uid, len(s.slices), path)
			report.Files = append(report.Files, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(report.Files)
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].SeriesUID < report.Skipped[j].SeriesUID })
	if len(report.Files) == 0 {
		c.log.Warnf("None of the %d series in %s could be converted", len(groups), inputDir)
	}
	return &report, nil
}

func (c *Converter) convertSeries(s *series, path string) error {
	vol, err := s.assemble()
	if err != nil {
		return err
	}
	if c.opts.Reorient {
		if vol, err = processing.Reorient(vol, c.opts.Orientation); err != nil {
			return err
		}
	}
	return nifti.Save(vol, path)
}

// scan reads the header of every file below root and groups DICOM files by
// series UID. The result is sorted by series number, then UID.
func (c *Converter) scan(ctx context.Context, root string) ([]*series, error) {
	byUID := make(map[string]*series)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		sl, err := readSliceHeader(path)
		if err != nil {
			c.log.Infof("skipping %s: %v", path, err)
			return nil
		}
		if sl.seriesUID == "" {
			c.log.Infof("skipping %s: no series instance UID", path)
			return nil
		}
		s, ok := byUID[sl.seriesUID]
		if !ok {
			s = &series{uid: sl.seriesUID}
			byUID[sl.seriesUID] = s
		}
		s.slices = append(s.slices, sl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	out := make([]*series, 0, len(byUID))
	for _, s := range byUID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].number(), out[j].number()
		if ni != nj {
			return ni < nj
		}
		return out[i].uid < out[j].uid
	})
	c.log.Infof("found %d series in %s", len(out), root)
	return out, nil
}
