package export

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/jchantrell/valveres/internal/texture"
)

// CropParams selects a region of a decoded texture, such as one cell of an
// atlas.
type CropParams struct {
	Width  int
	Height int
	Top    int
	Left   int
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// BitmapImage converts a decoded bitmap to an image, optionally cropped and
// scaled so neither side exceeds maxSize. A maxSize of zero keeps the size.
func BitmapImage(b *texture.Bitmap, crop *CropParams, maxSize int) (image.Image, error) {
	img := b.ToImage()

	if crop != nil {
		r := image.Rect(crop.Left, crop.Top, crop.Left+crop.Width, crop.Top+crop.Height).Intersect(img.Bounds())
		if r.Empty() {
			return nil, fmt.Errorf("crop %dx%d+%d+%d is outside the %dx%d texture",
				crop.Width, crop.Height, crop.Left, crop.Top, b.Width, b.Height)
		}
		img = img.(subImager).SubImage(r)
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return img, nil
	}

	scale := float64(maxSize) / float64(max(w, h))
	rect := image.Rect(0, 0, max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale)))

	var dst draw.Image
	if b.HDR() {
		dst = image.NewNRGBA64(rect)
	} else {
		dst = image.NewNRGBA(rect)
	}
	draw.CatmullRom.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// WriteBitmapPNG writes a decoded bitmap to outputPath as PNG.
func WriteBitmapPNG(b *texture.Bitmap, crop *CropParams, maxSize int, outputPath string) error {
	img, err := BitmapImage(b, crop, maxSize)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputPath, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", outputPath, err)
	}
	return f.Close()
}
