package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mritoolbox/pkg/dicomconv"
)

func TestFlags(t *testing.T) {
	cmd, o := newRootCmd()
	if err := cmd.ParseFlags([]string{"-i", "in", "-o", "out", "-c", "-r", "--config", "cfg.yaml"}); err != nil {
		t.Fatal(err)
	}
	if o.inputDir != "in" || o.outputDir != "out" || !o.compress || !o.reorient || o.debug || o.configPath != "cfg.yaml" {
		t.Errorf("unexpected options: %+v", *o)
	}
}

func TestRequiredFlags(t *testing.T) {
	cmd, _ := newRootCmd()
	cmd.SetArgs([]string{"-i", t.TempDir()})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "output-dir") {
		t.Errorf("Expected missing output-dir error, got %v", err)
	}
}

func TestRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "slice.dcm")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")

	for _, input := range []string{file, filepath.Join(dir, "missing")} {
		cmd, _ := newRootCmd()
		cmd.SetArgs([]string{"-i", input, "-o", out, "-c"})
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		if err := cmd.ExecuteContext(context.Background()); !errors.Is(err, dicomconv.ErrInvalidInput) {
			t.Errorf("input %s: err = %v, want ErrInvalidInput", input, err)
		}
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("no output should be written")
	}
}

func TestEmptyInputSucceeds(t *testing.T) {
	cmd, _ := newRootCmd()
	cmd.SetArgs([]string{"-i", t.TempDir(), "-o", filepath.Join(t.TempDir(), "out")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Errorf("empty input directory: err = %v, want nil", err)
	}
}
