package decode

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func writeTestJPEG(t *testing.T, path string, w, h int, topLeft color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 && y < h/2 {
				img.Set(x, y, topLeft)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
}

func TestDecode_JPEGWithoutEXIFDefaultsToNoTransform(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.jpg")
	writeTestJPEG(t, path, 10, 10, color.Black)

	img, err := Decode(context.Background(), Config{}, path, dir)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 10 || b.Dy() != 10 {
		t.Errorf("expected 10x10 bounds, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestDecode_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Decode(context.Background(), Config{}, path, dir)
	if err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestApplyOrientation_Rotate180PreservesBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 6))
	img.Set(0, 0, color.Black)

	rotated := applyOrientation(img, 3)
	b := rotated.Bounds()
	if b.Dx() != 4 || b.Dy() != 6 {
		t.Errorf("rotate180 should preserve dimensions, got %dx%d", b.Dx(), b.Dy())
	}

	corner := rotated.At(b.Max.X-1, b.Max.Y-1)
	r, g, bl, _ := corner.RGBA()
	if r != 0 || g != 0 || bl != 0 {
		t.Errorf("expected the black pixel to move to the opposite corner after 180 rotation")
	}
}

func TestApplyOrientation_Rotate90SwapsDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 6))

	rotated := applyOrientation(img, 6)
	b := rotated.Bounds()
	if b.Dx() != 6 || b.Dy() != 4 {
		t.Errorf("rotate90 should swap dimensions to 6x4, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestTempScope_CloseRemovesDirectory(t *testing.T) {
	parent := t.TempDir()
	scoped := filepath.Join(parent, "batch-1")
	if err := os.MkdirAll(scoped, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(scoped, "leftover.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	scope := NewTempScope(scoped)
	if err := scope.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(scoped); !os.IsNotExist(err) {
		t.Errorf("expected scoped directory to be removed, stat err = %v", err)
	}
}
