package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFitInside(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		box          Box
		wantW, wantH int
	}{
		{"width only", 1600, 1200, Box{Width: 800}, 800, 600},
		{"height only", 1600, 1200, Box{Height: 300}, 400, 300},
		{"both, width binds", 1600, 1200, Box{Width: 800, Height: 800}, 800, 600},
		{"both, height binds", 1600, 1200, Box{Width: 1600, Height: 600}, 800, 600},
		{"no enlargement", 400, 300, Box{Width: 800}, 400, 300},
		{"unconstrained", 400, 300, Box{}, 400, 300},
		{"tiny result clamps to one", 1000, 10, Box{Width: 10}, 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitInside(tt.w, tt.h, tt.box)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestFormatFromExt(t *testing.T) {
	f, ok := FormatFromExt(".JPEG")
	require.True(t, ok)
	assert.Equal(t, JPEG, f)
	assert.Equal(t, ".jpg", f.Ext())

	_, ok = FormatFromExt(".heic")
	assert.False(t, ok)
}

func TestImaging_Metadata(t *testing.T) {
	md, err := NewImaging().Metadata(testPNG(t, 40, 30))
	require.NoError(t, err)
	assert.Equal(t, Metadata{Width: 40, Height: 30, Format: PNG}, md)

	_, err = NewImaging().Metadata([]byte("not an image"))
	assert.Error(t, err)
}

func TestImaging_ResizeKeepsAspect(t *testing.T) {
	im := NewImaging()
	out, err := im.Resize(testPNG(t, 160, 120), PNG, Box{Width: 80})
	require.NoError(t, err)

	md, err := im.Metadata(out)
	require.NoError(t, err)
	assert.Equal(t, 80, md.Width)
	assert.Equal(t, 60, md.Height)
	assert.Equal(t, PNG, md.Format)
}

func TestImaging_EncodeJPEG(t *testing.T) {
	im := NewImaging()
	src := testPNG(t, 32, 32)
	out, err := im.Encode(src, JPEG, Options{Quality: 80})
	require.NoError(t, err)

	md, err := im.Metadata(out)
	require.NoError(t, err)
	assert.Equal(t, JPEG, md.Format)
	assert.Equal(t, src, testPNG(t, 32, 32), "input must not be mutated")
}

func TestImaging_EncodeUnsupported(t *testing.T) {
	_, err := NewImaging().Encode(testPNG(t, 4, 4), Format("heic"), Options{})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestImaging_EncodeWebP(t *testing.T) {
	im := NewImaging()
	src := testPNG(t, 48, 32)

	tests := []struct {
		name string
		opts Options
	}{
		{"lossy", Options{Quality: 80, Effort: 6}},
		{"lossless", Options{Quality: 100, Lossless: true, Effort: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := im.Encode(src, WebP, tt.opts)
			require.NoError(t, err)
			require.NotEmpty(t, out)

			md, err := im.Metadata(out)
			require.NoError(t, err)
			assert.Equal(t, Metadata{Width: 48, Height: 32, Format: WebP}, md)
		})
	}
}
