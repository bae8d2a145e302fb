package dirsource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/capture"
)

func writeTestJPEG(t *testing.T, dir, name string, w, h int, fill color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write test jpeg: %v", err)
	}
	return path
}

func TestOpenReportsGeometryFromSeedFile(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "a.jpg", 16, 8, color.RGBA{R: 200, G: 0, B: 0, A: 255})

	src := New(zap.NewNop(), dir, 30)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	geo, err := src.Open(ctx, capture.Geometry{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if geo.Width != 16 || geo.Height != 8 {
		t.Fatalf("geometry = %dx%d, want 16x8", geo.Width, geo.Height)
	}
}

func TestNextReturnsDecodedPixels(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "a.jpg", 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	src := New(zap.NewNop(), dir, 200)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := src.Open(ctx, capture.Geometry{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 4*4*3)
	n, _, err := src.Next(ctx, buf)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Next returned %d bytes, want %d", n, len(buf))
	}
}
