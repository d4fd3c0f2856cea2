package codec

import (
	"image"
	"image/png"
	"io"
)

// PNGCodec implements ImageCodec, lossless
type PNGCodec struct {
	encoder *png.Encoder
}

// NewPNGCodec creates a new PNGCodec
func NewPNGCodec() *PNGCodec {
	return NewPNGCodecWithLevel(png.DefaultCompression)
}

// NewPNGCodecWithLevel creates a new PNGCodec with the given compression level
func NewPNGCodecWithLevel(level png.CompressionLevel) *PNGCodec {
	return &PNGCodec{
		encoder: &png.Encoder{
			CompressionLevel: level,
		},
	}
}

// GetName returns name of the codec
func (codec *PNGCodec) GetName() string {
	return PNGCodecName
}

// Encode writes img in PNG format
func (codec *PNGCodec) Encode(writer io.Writer, img image.Image) error {
	return codec.encoder.Encode(writer, img)
}

// Decode reads a PNG image
func (codec *PNGCodec) Decode(reader io.Reader) (image.Image, error) {
	return png.Decode(reader)
}

// DecodeConfig reads dimensions of a PNG image without decoding pixels
func (codec *PNGCodec) DecodeConfig(reader io.Reader) (image.Config, error) {
	return png.DecodeConfig(reader)
}
