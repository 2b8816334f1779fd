// Package transform turns raw image bytes plus a Policy into a TransformResult.
// It never returns an error: every failure, including a panic inside the
// imaging library and a timeout, is reported through Result.Error.
package transform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"imgbuild/internal/codec"
	"imgbuild/internal/models"
)

var (
	ErrUnknownMode  = errors.New("unknown transform mode")
	ErrResizeBounds = errors.New("resize requires a width or a height")
	ErrTimeout      = errors.New("transform timed out")
)

// webpEffort matches the strongest WebP method.
const webpEffort = 6

type Executor struct {
	imager  codec.Imager
	timeout time.Duration
	log     *zap.Logger
}

func NewExecutor(imager codec.Imager, timeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{imager: imager, timeout: timeout, log: log}
}

// Transform runs policy over input. The caller's input slice is never
// written to. When the executor has a timeout the call gives up after it;
// the abandoned imaging call finishes in the background.
func (e *Executor) Transform(ctx context.Context, input []byte, fileName string, policy Policy) models.TransformResult {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan models.TransformResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("transform panicked", zap.String("file", fileName), zap.Any("panic", r))
				done <- failure(fmt.Errorf("imaging library panic: %v", r))
			}
		}()
		done <- e.run(input, fileName, policy)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		e.log.Warn("transform abandoned", zap.String("file", fileName), zap.Error(err))
		return failure(err)
	}
}

func (e *Executor) run(input []byte, fileName string, policy Policy) models.TransformResult {
	// Work on a private copy so nothing downstream can alias the caller's buffer.
	src := append([]byte(nil), input...)
	ext := strings.ToLower(filepath.Ext(fileName))
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))

	switch p := policy.(type) {
	case SmartOptimize:
		return e.smartOptimize(src, base, ext, p)
	case ConvertToWebP:
		return e.convert(src, base, p)
	case Compress:
		return e.compress(src, base, ext, p)
	case Resize:
		return e.resize(src, base, ext, p)
	default:
		return failure(ErrUnknownMode)
	}
}

// smartOptimize encodes a native-format candidate and a WebP candidate and
// keeps the smallest of those two and the input itself.
func (e *Executor) smartOptimize(src []byte, base, ext string, p SmartOptimize) models.TransformResult {
	nativeFormat, nativeExt := codec.JPEG, ext
	nativeOpts := codec.Options{Quality: p.Quality}
	switch ext {
	case ".png":
		nativeFormat = codec.PNG
		nativeOpts.MaxCompression = true
	case ".jpg", ".jpeg":
	default:
		nativeExt = codec.JPEG.Ext()
	}

	native, err := e.imager.Encode(src, nativeFormat, nativeOpts)
	if err != nil {
		return failure(err)
	}
	web, err := e.imager.Encode(src, codec.WebP, webpOptions(p.Quality))
	if err != nil {
		return failure(err)
	}

	originalSize := len(src)
	var out []byte
	var outExt string
	switch {
	case len(web) <= len(native) && len(web) < originalSize:
		out, outExt = web, codec.WebP.Ext()
	case len(native) < originalSize:
		out, outExt = native, nativeExt
	default:
		out, outExt = src, ext
	}

	e.log.Debug("smart optimize candidates",
		zap.Int("original", originalSize),
		zap.Int("native", len(native)),
		zap.Int("webp", len(web)),
		zap.String("chosen", outExt))

	return success(src, out, formatName(outExt), base+"_optimized"+outExt)
}

func (e *Executor) convert(src []byte, base string, p ConvertToWebP) models.TransformResult {
	out, err := e.imager.Encode(src, codec.WebP, codec.Options{Quality: p.Quality, Lossless: p.Quality >= LosslessQuality})
	if err != nil {
		return failure(err)
	}
	return success(src, out, string(codec.WebP), base+codec.WebP.Ext())
}

func (e *Executor) compress(src []byte, base, ext string, p Compress) models.TransformResult {
	var format codec.Format
	opts := codec.Options{Quality: p.Quality}
	outExt := ext
	switch ext {
	case ".png":
		format = codec.PNG
		opts.MaxCompression = true
	case ".webp":
		format = codec.WebP
		opts = webpOptions(p.Quality)
	default:
		format = codec.JPEG
		outExt = codec.JPEG.Ext()
	}

	out, err := e.imager.Encode(src, format, opts)
	if err != nil {
		return failure(err)
	}
	return success(src, out, formatName(outExt), base+"_compressed"+outExt)
}

func (e *Executor) resize(src []byte, base, ext string, p Resize) models.TransformResult {
	if !p.valid() {
		return failure(ErrResizeBounds)
	}
	format, ok := codec.FormatFromExt(ext)
	if !ok {
		return failure(fmt.Errorf("resize %q: %w", ext, codec.ErrUnsupportedFormat))
	}

	box := codec.Box{}
	if p.Width != nil {
		box.Width = *p.Width
	}
	if p.Height != nil {
		box.Height = *p.Height
	}
	out, err := e.imager.Resize(src, format, box)
	if err != nil {
		return failure(err)
	}
	md, err := e.imager.Metadata(out)
	if err != nil {
		return failure(err)
	}

	res := success(src, out, formatName(ext), fmt.Sprintf("%s_%d%s", base, p.Label(), ext))
	res.Width = md.Width
	res.Height = md.Height
	return res
}

func webpOptions(quality int) codec.Options {
	return codec.Options{Quality: quality, Effort: webpEffort, Lossless: quality >= LosslessQuality}
}

// formatName is the extension without its dot, as reported to clients.
func formatName(ext string) string {
	return strings.TrimPrefix(ext, ".")
}

func success(src, out []byte, format, name string) models.TransformResult {
	return models.TransformResult{
		Success:        true,
		Output:         out,
		Format:         format,
		SuggestedName:  name,
		OriginalSize:   int64(len(src)),
		FinalSize:      int64(len(out)),
		SavingsPercent: models.SavingsPercent(int64(len(src)), int64(len(out))),
	}
}

func failure(err error) models.TransformResult {
	return models.TransformResult{Success: false, Error: err.Error()}
}
