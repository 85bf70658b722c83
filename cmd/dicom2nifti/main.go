// Command dicom2nifti converts a directory of DICOM files into one NIfTI
// volume per series.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mritoolbox/pkg/config"
	"mritoolbox/pkg/dicomconv"
	"mritoolbox/pkg/logging"
)

type options struct {
	inputDir   string
	outputDir  string
	configPath string
	compress   bool
	reorient   bool
	debug      bool
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "dicom2nifti",
		Short: "Convert DICOM series to NIfTI volumes",
		Long: `dicom2nifti scans a directory tree for DICOM files, groups them by
Series Instance UID and writes one NIfTI volume per series into the output
directory, named <series number>_<series description>.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.inputDir, "input-dir", "i", "", "directory containing the DICOM files (searched recursively)")
	f.StringVarP(&o.outputDir, "output-dir", "o", "", "directory receiving the NIfTI files")
	f.BoolVarP(&o.compress, "compress", "c", false, "write gzip compressed .nii.gz files")
	f.BoolVarP(&o.reorient, "reorient", "r", false, "reorient volumes to the configured axis code (LAS by default)")
	f.BoolVarP(&o.debug, "debug", "d", false, "log every step")
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")
	_ = cmd.MarkFlagRequired("input-dir")
	_ = cmd.MarkFlagRequired("output-dir")

	return cmd, o
}

func run(cmd *cobra.Command, o *options) error {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Debug:   o.debug,
		Output:  cmd.ErrOrStderr(),
		NoColor: !cfg.Logging.Color,
	})

	report, err := dicomconv.ConvertDirectory(cmd.Context(), o.inputDir, o.outputDir, dicomconv.Options{
		Compress:    o.compress,
		Reorient:    o.reorient,
		Orientation: cfg.Conversion.Orientation,
		Workers:     cfg.Conversion.Workers,
	}, log)
	if err != nil {
		return err
	}

	for _, s := range report.Skipped {
		log.Warnf("Series %s was not converted: %s", s.SeriesUID, s.Reason)
	}
	log.Warnf("Converted %d series from %s to %s", len(report.Files), o.inputDir, o.outputDir)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, _ := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
