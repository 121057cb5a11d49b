package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/rubenfonseca/fastimage"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"convnet-forge/internal/model"
)

// Decode turns an encoded image into shape.Rows x shape.Cols features in
// [0,1], resampling bilinearly. Three channels keep RGB, one channel keeps
// luminance.
func Decode(raw []byte, shape model.Shape) ([]float64, error) {
	if shape.Channels != 1 && shape.Channels != 3 {
		return nil, fmt.Errorf("decode: unsupported channel count %d", shape.Channels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, errors.New("decode: empty image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, shape.Cols, shape.Rows))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	features := make([]float64, shape.Size())
	for y := 0; y < shape.Rows; y++ {
		for x := 0; x < shape.Cols; x++ {
			px := dst.Pix[dst.PixOffset(x, y):]
			r, g, b := float64(px[0])/255, float64(px[1])/255, float64(px[2])/255
			at := (y*shape.Cols + x) * shape.Channels
			if shape.Channels == 1 {
				features[at] = 0.299*r + 0.587*g + 0.114*b
				continue
			}
			features[at], features[at+1], features[at+2] = r, g, b
		}
	}
	return features, nil
}

// probe reads only the image header to reject files that cannot decode.
func probe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, size, err := fastimage.DetectImageTypeFromReader(f)
	if err != nil {
		return err
	}
	if size == nil || size.Width == 0 || size.Height == 0 {
		return errors.New("unknown image format")
	}
	return nil
}
