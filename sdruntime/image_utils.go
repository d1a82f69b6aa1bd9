package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// PNG magic bytes for file identification
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Image validation errors
var (
	ErrImageEmpty       = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG      = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageTooSmall    = errors.New("sdruntime: image data too small to be valid")
	ErrImageDecodeFail  = errors.New("sdruntime: failed to decode image")
	ErrImageInvalidSize = errors.New("sdruntime: invalid image dimensions")
)

// IsPNG checks if the given data starts with PNG magic bytes.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// ValidateImageData validates that data is a decodable PNG image.
func ValidateImageData(data []byte) error {
	if len(data) == 0 {
		return ErrImageEmpty
	}

	// signature + IHDR + IEND
	if len(data) < 45 {
		return ErrImageTooSmall
	}

	if !IsPNG(data) {
		return ErrImageNotPNG
	}

	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return nil
}

// DecodeImage decodes PNG or JPEG data.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrImageEmpty
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return img, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, ErrImageEmpty
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// SavePNG writes img to path as PNG. The file is written to a temporary
// name in the same directory and renamed into place.
func SavePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ImageFromPixels builds an image from packed 8-bit pixels with 3 (RGB) or
// 4 (RGBA) channels.
func ImageFromPixels(pixels []byte, width, height, channels int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrImageInvalidSize, width, height)
	}
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("%w: %d channels", ErrImageInvalidSize, channels)
	}
	if want := width * height * channels; len(pixels) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %dx%dx%d, got %d",
			ErrImageInvalidSize, want, width, height, channels, len(pixels))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if channels == 4 {
		copy(img.Pix, pixels)
		return img, nil
	}
	for i, j := 0, 0; i < len(pixels); i, j = i+3, j+4 {
		img.Pix[j] = pixels[i]
		img.Pix[j+1] = pixels[i+1]
		img.Pix[j+2] = pixels[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// FitImage returns img scaled to exactly width x height. Images already at
// that size are returned unchanged.
func FitImage(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
