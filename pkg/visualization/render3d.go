package visualization

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/logging"
)

// viridis stops used for the intensity colour map.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// RenderOptions controls Render3D.
type RenderOptions struct {
	Title string

	// ThresholdPercent hides voxels below min + ThresholdPercent*(max-min).
	ThresholdPercent float64

	// MaxPoints bounds the number of voxels drawn; the kept voxels are
	// stride-subsampled to fit.
	MaxPoints int
}

// RenderPoints returns the voxels drawn by Render3D as
// [x, y, z, intensity] in millimetres, walking the grid in column-major
// order.
func RenderPoints(vol *models.Volume, ro RenderOptions) [][4]float64 {
	data := vol.Frame(0)
	d := vol.Dims3()
	sp := vol.Spacing()
	min, max := vol.MinMax()
	threshold := min + ro.ThresholdPercent*(max-min)

	kept := 0
	for _, v := range data {
		if v > threshold {
			kept++
		}
	}
	stride := 1
	if ro.MaxPoints > 0 && kept > ro.MaxPoints {
		stride = int(math.Ceil(float64(kept) / float64(ro.MaxPoints)))
	}

	points := make([][4]float64, 0, kept/stride+1)
	seen := 0
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				v := data[vol.Index(x, y, z)]
				if v <= threshold {
					continue
				}
				if seen%stride == 0 {
					points = append(points, [4]float64{float64(x) * sp[0], float64(y) * sp[1], float64(z) * sp[2], v})
				}
				seen++
			}
		}
	}
	return points
}

// Render3D writes an HTML page with a 3D scatter of the volume's bright
// voxels coloured by intensity.
func Render3D(w io.Writer, vol *models.Volume, ro RenderOptions) error {
	points := RenderPoints(vol, ro)
	if len(points) == 0 {
		return fmt.Errorf("no voxels above %.0f%% of the intensity range", ro.ThresholdPercent*100)
	}

	data := make([]opts.Chart3DData, len(points))
	for i, p := range points {
		data[i] = opts.Chart3DData{Value: []interface{}{p[0], p[1], p[2], p[3]}}
	}
	min, max := vol.MinMax()
	d := vol.Dims3()

	title := ro.Title
	if title == "" {
		title = "Volume"
	}
	scatter := charts.NewScatter3D()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "1000px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("shape=%dx%dx%d points=%d", d[0], d[1], d[2], len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(false)}),
		charts.WithXAxis3DOpts(opts.XAxis3D{Name: "x (mm)"}),
		charts.WithYAxis3DOpts(opts.YAxis3D{Name: "y (mm)"}),
		charts.WithZAxis3DOpts(opts.ZAxis3D{Name: "z (mm)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(min),
			Max:        float32(max),
			Dimension:  "3",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("intensity", data)
	return scatter.Render(w)
}

// Serve3D serves page on addr and blocks until ctx is cancelled.
func Serve3D(ctx context.Context, addr string, page []byte, log *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Warnf("Serving 3D render at http://%s (Ctrl+C to close)", ln.Addr())
	return serve(ctx, ln, page)
}

func serve(ctx context.Context, ln net.Listener, page []byte) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, "render.html", time.Time{}, bytes.NewReader(page))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
