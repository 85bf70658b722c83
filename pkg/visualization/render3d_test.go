package visualization

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
)

func TestRenderPointsThresholdAndSpacing(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		2, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 3, 0,
		0, 0, 0, 1,
	})
	vol := models.NewVolume([]int{3, 3, 3}, affine)
	vol.Set(1, 2, 0, 10)
	vol.Set(2, 0, 1, 5)
	vol.Set(0, 0, 2, 0.5)

	got := RenderPoints(vol, RenderOptions{ThresholdPercent: 0.1})
	want := [][4]float64{
		{2, 2, 0, 10},
		{4, 0, 3, 5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderPointsBudget(t *testing.T) {
	vol := gradientVolume(10, 10, 10)
	all := RenderPoints(vol, RenderOptions{})
	if len(all) != 999 {
		t.Fatalf("Expected every voxel above the minimum, got %d", len(all))
	}

	limited := RenderPoints(vol, RenderOptions{MaxPoints: 100})
	if len(limited) > 100 || len(limited) < 90 {
		t.Errorf("Expected close to 100 points, got %d", len(limited))
	}
	if limited[0] != all[0] {
		t.Errorf("subsampling should keep the first voxel")
	}
}

func TestRender3D(t *testing.T) {
	var buf bytes.Buffer
	if err := Render3D(&buf, gradientVolume(6, 6, 6), RenderOptions{Title: "phantom", ThresholdPercent: 0.5, MaxPoints: 50}); err != nil {
		t.Fatalf("Render3D failed: %v", err)
	}
	page := buf.String()
	for _, want := range []string{"<html", "phantom", "scatter3D"} {
		if !strings.Contains(page, want) {
			t.Errorf("page does not contain %q", want)
		}
	}

	empty := models.NewVolume([]int{2, 2, 2}, nil)
	if err := Render3D(io.Discard, empty, RenderOptions{}); err == nil {
		t.Error("Expected error for a volume with nothing to draw")
	}
}

func TestServeUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, []byte("<html>volume</html>")) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "<html>volume</html>" {
		t.Errorf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
