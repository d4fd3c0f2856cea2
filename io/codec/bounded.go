package codec

import (
	"bytes"
	"image"

	"github.com/cyverse/imagecache/utils"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/xerrors"
)

const (
	// DefaultMaxDecodePixels is the largest pixel count DecodeBounded accepts
	DefaultMaxDecodePixels int64 = 64 * 1024 * 1024
)

// DecodeBounded decodes data and scales it down to fit roughly in reqWidth x reqHeight.
// Zero bounds decode at full resolution.
func DecodeBounded(codec ImageCodec, data []byte, reqWidth int, reqHeight int) (image.Image, error) {
	return DecodeBoundedWithLimit(codec, data, reqWidth, reqHeight, DefaultMaxDecodePixels)
}

// DecodeBoundedWithLimit decodes data like DecodeBounded.
// The codecs only decode at full resolution, so the bounds read first are used to reject images
// over maxPixels before any pixel buffer is allocated; the sample size is applied after decoding.
// maxPixels <= 0 disables the check.
func DecodeBoundedWithLimit(codec ImageCodec, data []byte, reqWidth int, reqHeight int, maxPixels int64) (image.Image, error) {
	config, err := codec.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Errorf("failed to decode image bounds with %s codec: %w", codec.GetName(), err)
	}

	pixels := int64(config.Width) * int64(config.Height)
	if maxPixels > 0 && pixels > maxPixels {
		return nil, xerrors.Errorf("image of %dx%d exceeds decode limit of %d pixels", config.Width, config.Height, maxPixels)
	}

	sampleSize := utils.CalculateSampleSize(config.Width, config.Height, reqWidth, reqHeight)

	img, err := codec.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Errorf("failed to decode image with %s codec: %w", codec.GetName(), err)
	}

	if sampleSize <= 1 {
		return img, nil
	}

	return Subsample(img, sampleSize), nil
}

// Subsample scales img down by sampleSize on both axes
func Subsample(img image.Image, sampleSize int) image.Image {
	if sampleSize <= 1 {
		return img
	}

	bounds := img.Bounds()
	width := utils.GetSampledDimension(bounds.Dx(), sampleSize)
	height := utils.GetSampledDimension(bounds.Dy(), sampleSize)

	sampled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(sampled, sampled.Bounds(), img, bounds, xdraw.Src, nil)
	return sampled
}
