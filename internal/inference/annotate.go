package inference

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tphakala/birdcam-go/internal/detection"
)

const (
	boxThickness = 2
	labelPadding = 3
	jpegQuality  = 90
)

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Annotate returns a copy of src with a box and a "class: 0.93" label drawn
// for every detection. src is not modified.
func Annotate(src image.Image, dets []detection.Detection) image.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	for _, d := range dets {
		rect := image.Rect(
			bounds.Min.X+int(d.BBox.X()),
			bounds.Min.Y+int(d.BBox.Y()),
			bounds.Min.X+int(d.BBox.X()+d.BBox.W()),
			bounds.Min.Y+int(d.BBox.Y()+d.BBox.H()),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		drawBox(dst, rect)
		drawLabel(dst, face, rect, fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence))
	}
	return dst
}

func drawBox(dst *image.RGBA, r image.Rectangle) {
	fill := image.NewUniform(boxColor)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tab above the box, or inside it when
// the box touches the top edge.
func drawLabel(dst *image.RGBA, face *basicfont.Face, box image.Rectangle, text string) {
	width := font.MeasureString(face, text).Ceil() + 2*labelPadding
	height := face.Height + labelPadding

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	tab := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tab, image.NewUniform(boxColor), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(tab.Min.X+labelPadding, tab.Min.Y+face.Ascent+1),
	}
	drawer.DrawString(text)
}

// EncodeImage writes img in the named format (jpeg, png or gif)
func EncodeImage(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "gif":
		return gif.Encode(w, img, nil)
	case "jpeg", "jpg", "":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
}
