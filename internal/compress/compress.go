// Package compress implements component 4.G: producing exactly one staged
// JPEG artifact per matched image — sRGB, long edge <= 2048, quality 85,
// all metadata stripped, never upscaled. Adapted directly from the
// teacher's internal/ai.ResizeImage, which already re-encodes through
// image.Image (dropping every EXIF/XMP/ICC marker the source carried) and
// only downscales.
package compress

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// MaxLongEdge is the long-edge cap in pixels (spec.md §4.G).
const MaxLongEdge = 2048

// Quality is the fixed JPEG quality factor (spec.md §4.G).
const Quality = 85

// Compress re-encodes img as a deterministic sRGB JPEG: downscaled with
// high-quality resampling only if either dimension exceeds MaxLongEdge,
// otherwise re-encoded unchanged at Quality. Re-encoding through
// image.Image inherently strips all metadata markers the source JPEG
// carried, since image/jpeg's encoder never copies them.
func Compress(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= MaxLongEdge && height <= MaxLongEdge {
		return encode(img)
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = MaxLongEdge
		newHeight = int(float64(height) * float64(MaxLongEdge) / float64(width))
	} else {
		newHeight = MaxLongEdge
		newWidth = int(float64(width) * float64(MaxLongEdge) / float64(height))
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	return encode(resized)
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("encode compressed jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
