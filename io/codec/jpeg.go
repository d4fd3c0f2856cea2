package codec

import (
	"image"
	"image/jpeg"
	"io"
)

// JPEGCodec implements ImageCodec, lossy with a fixed quality
type JPEGCodec struct {
	quality int
}

// NewJPEGCodec creates a new JPEGCodec. Out of range quality falls back to DefaultJPEGQuality.
func NewJPEGCodec(quality int) *JPEGCodec {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	return &JPEGCodec{
		quality: quality,
	}
}

// GetName returns name of the codec
func (codec *JPEGCodec) GetName() string {
	return JPEGCodecName
}

// GetQuality returns encoding quality
func (codec *JPEGCodec) GetQuality() int {
	return codec.quality
}

// Encode writes img in JPEG format
func (codec *JPEGCodec) Encode(writer io.Writer, img image.Image) error {
	return jpeg.Encode(writer, img, &jpeg.Options{
		Quality: codec.quality,
	})
}

// Decode reads a JPEG image
func (codec *JPEGCodec) Decode(reader io.Reader) (image.Image, error) {
	return jpeg.Decode(reader)
}

// DecodeConfig reads dimensions of a JPEG image without decoding pixels
func (codec *JPEGCodec) DecodeConfig(reader io.Reader) (image.Config, error) {
	return jpeg.DecodeConfig(reader)
}
