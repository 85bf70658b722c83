// Command niftitools resamples, bias-corrects and skull-strips a NIfTI
// volume, then saves, meshes or displays the result.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/config"
	"mritoolbox/pkg/interpolation"
	"mritoolbox/pkg/logging"
	"mritoolbox/pkg/processing"
	"mritoolbox/pkg/visualization"
)

var (
	// ErrNothingToDo is returned when the run would produce nothing.
	ErrNothingToDo = errors.New("nothing to do: supply --output, --visualize, --mesh or --slices-dir")

	// ErrOutputExists is returned when --output names an existing directory.
	ErrOutputExists = errors.New("output path is an existing directory")

	// ErrInvalidMode is returned for unknown --visualize values.
	ErrInvalidMode = errors.New("invalid visualize mode")
)

const (
	mode3D     = "3d"
	modeSlices = "slices"
)

type options struct {
	input      string
	output     string
	mesh       string
	visualize  string
	addr       string
	configPath string
	slicesDir  string
	slicesAxis string
	shape      []int
	correction int
	brain      int
	debug      bool
}

// validate checks the options in a fixed order before any work is done.
func (o *options) validate() error {
	if o.output == "" && o.visualize == "" && o.mesh == "" && o.slicesDir == "" {
		return ErrNothingToDo
	}
	if o.output != "" {
		if info, err := os.Stat(o.output); err == nil && info.IsDir() {
			return fmt.Errorf("%w: %s", ErrOutputExists, o.output)
		}
	}
	if len(o.shape) > 0 {
		if _, err := processing.ExpandShape(o.shape); err != nil {
			return err
		}
	}
	switch strings.ToLower(o.visualize) {
	case "", mode3D, modeSlices:
	default:
		return fmt.Errorf("%w: %q (want 3D or slices)", ErrInvalidMode, o.visualize)
	}
	if o.slicesDir != "" {
		if _, err := visualization.ParseAxis(o.slicesAxis); err != nil {
			return err
		}
	}
	if o.correction < 0 {
		return fmt.Errorf("%w: correction shrink factor %d", processing.ErrInvalidParameter, o.correction)
	}
	if o.brain < 0 {
		return fmt.Errorf("%w: brain iterations %d", processing.ErrInvalidParameter, o.brain)
	}
	return nil
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "niftitools",
		Short: "Process and visualise NIfTI volumes",
		Long: `niftitools loads a NIfTI volume and applies, in order: resampling to a
new shape, N4 bias field correction and brain extraction. The result can be
saved, exported as an STL isosurface and displayed.

Optional values of --correction and --brain must be attached with '=':
  niftitools -i t1.nii.gz -c=2 -b=500 -o t1_brain.nii.gz`,
		Example: `  niftitools -i vol.nii -s 64 -o out.nii
  niftitools -i vol.nii.gz -c -b -v slices
  niftitools -i vol.nii.gz --slices-dir pngs --slices-axis x`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			return run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.input, "input", "i", "", "NIfTI volume to process (.nii or .nii.gz)")
	f.StringVarP(&o.output, "output", "o", "", "write the processed volume to this path")
	f.IntSliceVarP(&o.shape, "shape", "s", nil, "resample to this shape: one value for a cube or three comma separated values")
	f.StringVarP(&o.visualize, "visualize", "v", "", "display the result: 3D or slices")
	f.IntVarP(&o.correction, "correction", "c", 0, "apply N4 bias field correction with this shrink factor")
	f.Lookup("correction").NoOptDefVal = "1"
	f.IntVarP(&o.brain, "brain", "b", 0, "isolate brain tissue with this many surface iterations")
	f.Lookup("brain").NoOptDefVal = "1000"
	f.BoolVarP(&o.debug, "debug", "d", false, "log every step")
	f.StringVar(&o.mesh, "mesh", "", "export an STL isosurface of the result to this path")
	f.StringVar(&o.slicesDir, "slices-dir", "", "export every slice of the result as PNG into this directory")
	f.StringVar(&o.slicesAxis, "slices-axis", "z", "axis the exported slices are cut across: x, y or z")
	f.StringVar(&o.addr, "addr", "", "listen address of the 3D render page (overrides the config)")
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")
	_ = cmd.MarkFlagRequired("input")

	cmd.AddCommand(newConfigCmd())
	return cmd, o
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "mritoolbox.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
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
	order, err := interpolation.ParseOrder(cfg.Resample.Interpolation)
	if err != nil {
		return err
	}

	p := processing.NewProcessor(&processing.Params{
		InputFile:       o.input,
		OutputFile:      o.output,
		MeshFile:        o.mesh,
		Shape:           o.shape,
		ShrinkFactor:    o.correction,
		BrainIterations: o.brain,
		Interpolation:   order,
		Correction:      cfg.Correction,
		Brain:           cfg.Brain,
		IsoLevelPercent: cfg.Visualization.IsoLevelPercent,
	}, log)
	if err := p.Process(); err != nil {
		return err
	}
	if o.slicesDir != "" {
		if err := visualization.NewViewer(p.Volume()).SaveSliceSequence(o.slicesAxis, o.slicesDir); err != nil {
			return fmt.Errorf("slice export: %w", err)
		}
		log.Warnf("Saved %s slices to %s", strings.ToLower(o.slicesAxis), o.slicesDir)
	}

	if o.visualize == "" {
		return nil
	}
	return visualize(cmd.Context(), o, cfg, p.Volume(), log)
}

func visualize(ctx context.Context, o *options, cfg *config.Config, vol *models.Volume, log *logging.Logger) error {
	switch strings.ToLower(o.visualize) {
	case mode3D:
		var page bytes.Buffer
		err := visualization.Render3D(&page, vol, visualization.RenderOptions{
			Title:            filepath.Base(o.input),
			ThresholdPercent: cfg.Visualization.ThresholdPercent,
			MaxPoints:        cfg.Visualization.MaxPoints,
		})
		if err != nil {
			return err
		}
		addr := o.addr
		if addr == "" {
			addr = cfg.Visualization.Addr
		}
		return visualization.Serve3D(ctx, addr, page.Bytes(), log)

	case modeSlices:
		s, err := visualization.NewSlicer(vol, cfg.Visualization.SnapshotDir)
		if err != nil {
			return err
		}
		log.Warnf("Showing slices of %s", o.input)
		return s.Show()
	}
	return fmt.Errorf("%w: %q", ErrInvalidMode, o.visualize)
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
