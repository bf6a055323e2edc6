package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestAnnotate_DrawsBoxWithoutTouchingSource(t *testing.T) {
	white := color.RGBA{255, 255, 255, 255}
	src := solid(120, 90, white)

	out := Annotate(src, []Overlay{{Label: "cat", Score: 0.93, Rect: image.Rect(20, 30, 80, 70)}})

	require.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, LabelColor("cat"), out.RGBAAt(50, 70), "bottom edge drawn")
	assert.Equal(t, LabelColor("cat"), out.RGBAAt(20, 50), "left edge drawn")
	assert.Equal(t, white, out.RGBAAt(50, 50), "box interior untouched")
	assert.Equal(t, white, src.RGBAAt(50, 70), "source untouched")
}

func TestAnnotate_ClipsOutOfBoundsBoxes(t *testing.T) {
	src := solid(10, 10, color.RGBA{0, 0, 0, 255})
	assert.NotPanics(t, func() {
		Annotate(src, []Overlay{{Label: "dog", Score: 0.5, Rect: image.Rect(-20, -20, 40, 40)}})
	})
}

func TestJPEGRoundTrip(t *testing.T) {
	src := solid(32, 24, color.RGBA{10, 200, 30, 255})
	data, err := EncodeJPEG(src, 0)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	img, err := DecodeJPEG(data)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())
}

func TestDecodeJPEG_RejectsGarbage(t *testing.T) {
	_, err := DecodeJPEG(nil)
	assert.Error(t, err)
	_, err = DecodeJPEG([]byte{0xFF, 0xD8, 0x00, 0x01})
	assert.Error(t, err)
}

func TestLabelColor_Stable(t *testing.T) {
	assert.Equal(t, LabelColor("cat"), LabelColor("cat"))
}
