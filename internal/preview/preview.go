// Package preview renders the small data-URL thumbnails shown next to each
// processed item, optionally stamped with the item's savings.
package preview

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/gobold"
)

const (
	badgeFontSize = 14.0
	badgePadding  = 4
	jpegQuality   = 75
)

var (
	badgeGood = color.NRGBA{R: 22, G: 163, B: 74, A: 230}
	badgeBad  = color.NRGBA{R: 220, G: 38, B: 38, A: 230}
)

type Builder struct {
	size  int
	badge bool
	font  *truetype.Font
}

// NewBuilder returns a builder producing thumbnails whose longest edge is at
// most size pixels. A zero size disables previews.
func NewBuilder(size int, badge bool) (*Builder, error) {
	const op = "preview.NewBuilder"

	b := &Builder{size: size, badge: badge}
	if badge {
		f, err := freetype.ParseFont(gobold.TTF)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		b.font = f
	}
	return b, nil
}

// Build decodes payload and returns a JPEG data URL. savings may be nil when
// no badge should be drawn.
func (b *Builder) Build(payload []byte, savings *int) (string, error) {
	const op = "preview.Build"

	if b == nil || b.size == 0 {
		return "", nil
	}
	src, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	thumb := imaging.Clone(imaging.Fit(src, b.size, b.size, imaging.Lanczos))

	if b.badge && b.font != nil && savings != nil {
		if err := b.stamp(thumb, *savings); err != nil {
			return "", fmt.Errorf("%s: %v", op, err)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// badge returns the label and background for a savings figure: a saving
// reads "-N%", growth "+N%" and no change "0%".
func badge(savings int) (string, color.Color) {
	switch {
	case savings > 0:
		return fmt.Sprintf("-%d%%", savings), badgeGood
	case savings < 0:
		return fmt.Sprintf("+%d%%", -savings), badgeBad
	default:
		return "0%", badgeGood
	}
}

func (b *Builder) stamp(dst *image.NRGBA, savings int) error {
	label, bg := badge(savings)

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(b.font)
	c.SetFontSize(badgeFontSize)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(color.White))

	// rough advance: gobold is close to 0.6em per glyph
	textW := int(float64(len(label)) * badgeFontSize * 0.6)
	textH := int(badgeFontSize)
	box := image.Rect(
		dst.Bounds().Min.X+badgePadding,
		dst.Bounds().Max.Y-textH-3*badgePadding,
		dst.Bounds().Min.X+textW+3*badgePadding,
		dst.Bounds().Max.Y-badgePadding,
	).Intersect(dst.Bounds())
	draw.Draw(dst, box, image.NewUniform(bg), image.Point{}, draw.Over)

	pt := freetype.Pt(box.Min.X+badgePadding, box.Max.Y-badgePadding-2)
	_, err := c.DrawString(label, pt)
	return err
}
