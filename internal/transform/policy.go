package transform

import (
	"fmt"
	"strings"
)

// Mode names a policy variant on the wire (HTTP body, CLI flag).
type Mode string

const (
	ModeSmart    Mode = "smart"
	ModeWebP     Mode = "webp"
	ModeCompress Mode = "compress"
	ModeResize   Mode = "resize"
)

const (
	LosslessQuality       = 100
	DefaultQuality        = 80
	DefaultConvertQuality = 85
)

// Policy is one of SmartOptimize, ConvertToWebP, Compress or Resize.
type Policy interface {
	Mode() Mode
	policy()
}

type SmartOptimize struct{ Quality int }

type ConvertToWebP struct{ Quality int }

type Compress struct{ Quality int }

// Resize fits the image inside Width×Height. A nil side is unconstrained;
// at least one side must be set.
type Resize struct {
	Width  *int
	Height *int
}

func (SmartOptimize) Mode() Mode { return ModeSmart }
func (ConvertToWebP) Mode() Mode { return ModeWebP }
func (Compress) Mode() Mode      { return ModeCompress }
func (Resize) Mode() Mode        { return ModeResize }

func (SmartOptimize) policy() {}
func (ConvertToWebP) policy() {}
func (Compress) policy()      {}
func (Resize) policy()        {}

// Label is the number used in resized file names: width when given,
// otherwise height.
func (r Resize) Label() int {
	if r.Width != nil && *r.Width > 0 {
		return *r.Width
	}
	if r.Height != nil && *r.Height > 0 {
		return *r.Height
	}
	return 0
}

func (r Resize) valid() bool {
	return r.Label() > 0
}

// Quality maps the global lossless toggle onto a quality level for mode.
func Quality(mode Mode, lossless bool) int {
	switch {
	case lossless:
		return LosslessQuality
	case mode == ModeWebP:
		return DefaultConvertQuality
	default:
		return DefaultQuality
	}
}

// NewPolicy builds the policy for mode. width and height only matter for
// resize; zero or negative values count as absent.
func NewPolicy(mode Mode, lossless bool, width, height int) (Policy, error) {
	const op = "transform.NewPolicy"

	switch Mode(strings.ToLower(string(mode))) {
	case ModeSmart:
		return SmartOptimize{Quality: Quality(ModeSmart, lossless)}, nil
	case ModeWebP:
		return ConvertToWebP{Quality: Quality(ModeWebP, lossless)}, nil
	case ModeCompress:
		return Compress{Quality: Quality(ModeCompress, lossless)}, nil
	case ModeResize:
		r := Resize{}
		if width > 0 {
			r.Width = &width
		}
		if height > 0 {
			r.Height = &height
		}
		if !r.valid() {
			return nil, fmt.Errorf("%s: %w", op, ErrResizeBounds)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%s: %q: %w", op, mode, ErrUnknownMode)
	}
}
