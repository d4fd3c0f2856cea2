package cache

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTestImage(width int, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*5 + 11),
				G: uint8(y*9 + 23),
				B: uint8(x + y),
				A: 0xff,
			})
		}
	}
	return img
}

func requireSamePixels(t *testing.T, expected image.Image, actual image.Image) {
	require.NotNil(t, actual)
	require.Equal(t, expected.Bounds().Size(), actual.Bounds().Size())

	eb := expected.Bounds()
	ab := actual.Bounds()
	for y := 0; y < eb.Dy(); y++ {
		for x := 0; x < eb.Dx(); x++ {
			er, eg, ebl, ea := expected.At(eb.Min.X+x, eb.Min.Y+y).RGBA()
			ar, ag, abl, aa := actual.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			require.Equal(t, []uint32{er, eg, ebl, ea}, []uint32{ar, ag, abl, aa}, "pixel (%d, %d)", x, y)
		}
	}
}

// widthSizeFunc returns the image width as its size in KB
func widthSizeFunc(img image.Image) int64 {
	return int64(img.Bounds().Dx())
}
