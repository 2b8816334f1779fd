package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestOptimize_ResizeWritesOutputs(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	src := filepath.Join(in, "wide.png")
	writePNG(t, src)
	notes := filepath.Join(in, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("not an image"), 0o644))

	stdout, err := runCLI(t, "optimize", "--mode", "resize", "--width", "32", "--out", out, src, notes)
	require.NoError(t, err, stdout)

	assert.Contains(t, stdout, "skip  "+notes)
	assert.Contains(t, stdout, "1 processed, 0 failed, 1 written")
	assert.FileExists(t, filepath.Join(out, "wide_32.png"))
}

func TestOptimize_RejectsBadFlags(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, src)

	_, err := runCLI(t, "optimize", "--mode", "resize", "--out", t.TempDir(), src)
	assert.Error(t, err)

	_, err = runCLI(t, "optimize", "--out", t.TempDir())
	assert.Error(t, err)

	_, err = runCLI(t, "optimize", "--out", t.TempDir(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
