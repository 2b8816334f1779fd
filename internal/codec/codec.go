// Package codec adapts the imaging libraries to the three calls the transform
// executor needs: encode, resize and metadata. Pixel work is delegated to
// disintegration/imaging for PNG/JPEG/GIF/BMP/TIFF and gen2brain/webp for WebP.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
	GIF  Format = "gif"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// DefaultQuality is used when a caller leaves Options.Quality at zero.
const DefaultQuality = 80

var ErrUnsupportedFormat = errors.New("unsupported image format")

var extFormats = map[string]Format{
	".png":  PNG,
	".jpg":  JPEG,
	".jpeg": JPEG,
	".webp": WebP,
	".gif":  GIF,
	".bmp":  BMP,
	".tif":  TIFF,
	".tiff": TIFF,
}

// FormatFromExt maps a file extension (with dot, any case) to a Format.
func FormatFromExt(ext string) (Format, bool) {
	f, ok := extFormats[strings.ToLower(ext)]
	return f, ok
}

// Ext is the canonical extension written for f.
func (f Format) Ext() string {
	switch f {
	case JPEG:
		return ".jpg"
	case TIFF:
		return ".tiff"
	default:
		return "." + string(f)
	}
}

// MIME is the content type used for previews and downloads.
func (f Format) MIME() string {
	switch f {
	case PNG, JPEG, WebP, GIF, BMP, TIFF:
		return "image/" + string(f)
	default:
		return "application/octet-stream"
	}
}

type Options struct {
	Quality int // 1-100
	// Effort is the WebP method (0-6). Higher is slower and smaller.
	Effort int
	// Lossless asks WebP for its lossless mode.
	Lossless bool
	// MaxCompression selects the strongest PNG deflate level.
	MaxCompression bool
}

// Box is a bounding box for Resize. A zero side is unconstrained.
type Box struct {
	Width  int
	Height int
}

type Metadata struct {
	Width  int
	Height int
	Format Format
}

// Imager is the imaging boundary consumed by the transform executor.
type Imager interface {
	Encode(src []byte, format Format, opts Options) ([]byte, error)
	Resize(src []byte, format Format, box Box) ([]byte, error)
	Metadata(src []byte) (Metadata, error)
}

type Imaging struct{}

func NewImaging() *Imaging {
	return &Imaging{}
}

func (Imaging) Encode(src []byte, format Format, opts Options) ([]byte, error) {
	const op = "codec.Encode"

	img, err := decode(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, err := encode(img, format, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Resize fits the image inside box keeping its aspect ratio and never
// enlarging it, then encodes it as format.
func (Imaging) Resize(src []byte, format Format, box Box) ([]byte, error) {
	const op = "codec.Resize"

	img, err := decode(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b := img.Bounds()
	w, h := FitInside(b.Dx(), b.Dy(), box)
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	out, err := encode(img, format, Options{Quality: DefaultQuality})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (Imaging) Metadata(src []byte) (Metadata, error) {
	const op = "codec.Metadata"

	cfg, name, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", op, err)
	}
	return Metadata{Width: cfg.Width, Height: cfg.Height, Format: Format(name)}, nil
}

// FitInside returns the dimensions of a w×h image scaled down to fit box.
// Images already inside the box keep their size.
func FitInside(w, h int, box Box) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if box.Width > 0 {
		scale = math.Min(scale, float64(box.Width)/float64(w))
	}
	if box.Height > 0 {
		scale = math.Min(scale, float64(box.Height)/float64(h))
	}
	if scale >= 1 {
		return w, h
	}
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	return nw, nh
}

func decode(src []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
}

func encode(img image.Image, format Format, opts Options) ([]byte, error) {
	q := opts.Quality
	if q <= 0 {
		q = DefaultQuality
	}
	if q > 100 {
		q = 100
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case PNG:
		level := png.DefaultCompression
		if opts.MaxCompression {
			level = png.BestCompression
		}
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(level))
	case JPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q))
	case GIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	case BMP:
		err = imaging.Encode(&buf, img, imaging.BMP)
	case TIFF:
		err = imaging.Encode(&buf, img, imaging.TIFF)
	case WebP:
		err = webp.Encode(&buf, img, webp.Options{
			Quality:  q,
			Lossless: opts.Lossless,
			Method:   opts.Effort,
		})
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
