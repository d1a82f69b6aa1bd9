package sdruntime

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "futuristic_city.png")
	if err := SavePNG(path, solid(32, 32, color.RGBA{R: 10, G: 20, B: 30, A: 255})); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := ValidateImageData(data); err != nil {
		t.Fatalf("saved file invalid: %v", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("decoded %dx%d", b.Dx(), b.Dy())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestSavePNGMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.png")
	if err := SavePNG(path, solid(8, 8, color.RGBA{A: 255})); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestValidateImageData(t *testing.T) {
	good, err := EncodePNG(solid(8, 8, color.RGBA{A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	notPNG := make([]byte, 64)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"valid", good, nil},
		{"empty", nil, ErrImageEmpty},
		{"too small", good[:20], ErrImageTooSmall},
		{"wrong magic", notPNG, ErrImageNotPNG},
		{"truncated", good[:50], ErrImageDecodeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageData(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestImageFromPixels(t *testing.T) {
	rgb := []byte{255, 0, 0, 0, 255, 0}
	img, err := ImageFromPixels(rgb, 2, 1, 3)
	if err != nil {
		t.Fatalf("ImageFromPixels failed: %v", err)
	}
	if got := img.RGBAAt(1, 0); got != (color.RGBA{G: 255, A: 255}) {
		t.Errorf("pixel (1,0) = %v", got)
	}

	if _, err := ImageFromPixels(rgb, 2, 2, 3); !errors.Is(err, ErrImageInvalidSize) {
		t.Errorf("short buffer: err = %v", err)
	}
	if _, err := ImageFromPixels(rgb, 2, 1, 2); !errors.Is(err, ErrImageInvalidSize) {
		t.Errorf("bad channels: err = %v", err)
	}
	if _, err := ImageFromPixels(nil, 0, 1, 3); !errors.Is(err, ErrImageInvalidSize) {
		t.Errorf("zero width: err = %v", err)
	}
}

func TestFitImage(t *testing.T) {
	src := solid(32, 32, color.RGBA{B: 255, A: 255})
	if got := FitImage(src, 32, 32); got != image.Image(src) {
		t.Error("FitImage copied an image already at size")
	}
	scaled := FitImage(solid(64, 64, color.RGBA{B: 255, A: 255}), 32, 32)
	if b := scaled.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("scaled to %dx%d", b.Dx(), b.Dy())
	}
}
