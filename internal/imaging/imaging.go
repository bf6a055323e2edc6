// Package imaging draws detection overlays and converts frames to and from
// JPEG.
package imaging

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultQuality is the JPEG quality used for notifications and previews
const DefaultQuality = 85

// Overlay is one box to draw on a frame
type Overlay struct {
	Label string
	Score float64
	Rect  image.Rectangle
}

var palette = []color.RGBA{
	{255, 0, 0, 255},
	{0, 200, 0, 255},
	{0, 128, 255, 255},
	{255, 165, 0, 255},
	{200, 0, 200, 255},
	{0, 200, 200, 255},
}

// LabelColor returns a stable color for a label
func LabelColor(label string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Annotate returns a copy of src with every overlay drawn on it. src is
// never modified.
func Annotate(src image.Image, overlays []Overlay) *image.RGBA {
	bounds := src.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, src, bounds.Min, draw.Src)

	for _, o := range overlays {
		c := LabelColor(o.Label)
		r := o.Rect.Canon()
		drawBox(rgba, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), c, 2)
		drawLabel(rgba, r.Min.X, r.Min.Y-14, fmt.Sprintf("%s %.0f%%", o.Label, o.Score*100), c)
	}

	return rgba
}

// EncodeJPEG compresses an image to JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode jpeg: nil image")
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes a JPEG payload. Empty or zero-sized images are errors.
func DecodeJPEG(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode jpeg: empty payload")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode jpeg: zero-sized image")
	}
	return img, nil
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i <= x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j <= y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	// Text background
	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := 0; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			p := image.Pt(x+dx, y+dy)
			if p.In(bounds) {
				img.SetRGBA(p.X, p.Y, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
