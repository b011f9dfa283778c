// Package decode implements component 4.D: producing an 8-bit sRGB image
// from a source file, whatever its format. JPEGs are decoded directly
// (with EXIF orientation correction); Sony ARW RAW files are demosaiced by
// shelling out to an external RAW-processing tool, exactly as the teacher's
// internal/photoprism package treats external systems it does not
// reimplement — here the external system is a local CLI binary rather than
// an HTTP API.
package decode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Config governs the RAW decode path.
type Config struct {
	RawDecoderPath string
	RawDecoderArgs []string
	Timeout        time.Duration
}

// Decode returns an 8-bit sRGB image.Image for the given source file,
// orientation-corrected. For ARW inputs, tempDir is where the scoped
// intermediate JPEG is written; the caller is responsible for deleting
// tempDir's contents at the batch boundary (see TempScope).
func Decode(ctx context.Context, cfg Config, sourcePath, tempDir string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	switch ext {
	case ".jpg", ".jpeg":
		return decodeJPEG(sourcePath)
	case ".arw":
		return decodeRAW(ctx, cfg, sourcePath, tempDir)
	default:
		return nil, fmt.Errorf("decode: unsupported extension %q", ext)
	}
}

func decodeJPEG(sourcePath string) (image.Image, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sourcePath, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg %s: %w", sourcePath, err)
	}

	orientation := readOrientation(data)
	return applyOrientation(img, orientation), nil
}

// readOrientation returns the EXIF orientation tag (1-8), defaulting to 1
// (no transform needed) when absent or unreadable — a missing/corrupt EXIF
// block is not a decode failure.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation rotates/flips img according to the EXIF orientation
// value so downstream components always see upright pixels.
func applyOrientation(img image.Image, orientation int) image.Image {
	if orientation == 1 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch orientation {
	case 2: // mirror horizontal
		return flipH(img)
	case 3: // rotate 180
		return rotate180(img)
	case 4: // mirror vertical
		return flipV(img)
	case 5: // mirror horizontal + rotate 270 CW
		return rotate270(flipH(img), w, h)
	case 6: // rotate 90 CW
		return rotate90(img, w, h)
	case 7: // mirror horizontal + rotate 90 CW
		return rotate90(flipH(img), w, h)
	case 8: // rotate 270 CW
		return rotate270(img, w, h)
	default:
		return img
	}
}

func flipH(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x+b.Min.X, y, img.At(x, y))
		}
	}
	return out
}

func flipV(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, b.Max.Y-1-y+b.Min.Y, img.At(x, y))
		}
	}
	return out
}

func rotate180(img image.Image) image.Image {
	return flipV(flipH(img))
}

func rotate90(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(h-1-(y-b.Min.Y), x-b.Min.X, img.At(x, y))
		}
	}
	return out
}

func rotate270(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y-b.Min.Y, w-1-(x-b.Min.X), img.At(x, y))
		}
	}
	return out
}

// decodeRAW demosaics an ARW file via an external CLI tool into a temporary
// JPEG under a per-batch scoped directory, then decodes that JPEG. Failures
// here are per-image per spec.md §4.D / §7 ("RAW parse fail" -> continue
// and warn); the caller decides how to record the warning.
func decodeRAW(ctx context.Context, cfg Config, sourcePath, tempDir string) (image.Image, error) {
	if cfg.RawDecoderPath == "" {
		return nil, fmt.Errorf("decode raw %s: no RAW decoder configured", sourcePath)
	}

	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", tempDir, err)
	}
	outPath := filepath.Join(tempDir, strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))+".jpg")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, cfg.RawDecoderArgs...), sourcePath, outPath)
	cmd := exec.CommandContext(runCtx, cfg.RawDecoderPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("raw decoder failed for %s: %w (%s)", sourcePath, err, string(out))
	}

	return decodeJPEG(outPath)
}
