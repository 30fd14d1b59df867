package inference

import (
	"bytes"
	"image"
	"image/color"

	// Registered decoders for the accepted upload formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/tphakala/birdcam-go/internal/errors"
)

// DecodeImage decodes jpeg, png or gif data
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.Newf("cannot decode empty image").
			Category(errors.CategoryImageDecode).
			Build()
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.New(err).
			Category(errors.CategoryImageDecode).
			Context("size_bytes", len(data)).
			Build()
	}
	return img, format, nil
}

// resizeTo scales img to exactly width x height
func resizeTo(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear) //nolint:gosec // model input dims are small positive ints
}

func rgb8(c color.Color) (r, g, b uint8) {
	r32, g32, b32, _ := c.RGBA()
	return uint8(r32 >> 8), uint8(g32 >> 8), uint8(b32 >> 8) //nolint:gosec // 16-bit to 8-bit channel
}

// toNHWC fills dst, laid out as (1, height, width, 3), with RGB scaled to [0,1].
// img must already be width x height.
func toNHWC(img image.Image, dst []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := range h {
		for x := range w {
			r, g, bl := rgb8(img.At(b.Min.X+x, b.Min.Y+y))
			base := (y*w + x) * 3
			dst[base+0] = float32(r) / 255.0
			dst[base+1] = float32(g) / 255.0
			dst[base+2] = float32(bl) / 255.0
		}
	}
}

// toNHWCUint8 is toNHWC for quantized models taking raw 0-255 bytes
func toNHWCUint8(img image.Image, dst []uint8) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := range h {
		for x := range w {
			r, g, bl := rgb8(img.At(b.Min.X+x, b.Min.Y+y))
			base := (y*w + x) * 3
			dst[base+0] = r
			dst[base+1] = g
			dst[base+2] = bl
		}
	}
}

// toNCHW fills dst, laid out as (1, 3, height, width), with RGB scaled to [0,1]
func toNCHW(img image.Image, dst []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	for y := range h {
		for x := range w {
			r, g, bl := rgb8(img.At(b.Min.X+x, b.Min.Y+y))
			idx := y*w + x
			dst[idx] = float32(r) / 255.0
			dst[plane+idx] = float32(g) / 255.0
			dst[2*plane+idx] = float32(bl) / 255.0
		}
	}
}
