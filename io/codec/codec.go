package codec

import (
	"bytes"
	"image"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

const (
	// PNGCodecName is the name of the PNG codec
	PNGCodecName string = "png"
	// JPEGCodecName is the name of the JPEG codec
	JPEGCodecName string = "jpeg"

	// DefaultJPEGQuality is the quality used when none is given
	DefaultJPEGQuality int = 80
)

// ImageCodec encodes images for persistence and decodes them back
type ImageCodec interface {
	GetName() string

	Encode(writer io.Writer, img image.Image) error
	Decode(reader io.Reader) (image.Image, error)
	DecodeConfig(reader io.Reader) (image.Config, error)
}

// NewImageCodec creates an ImageCodec by name. quality is used by lossy codecs only.
func NewImageCodec(name string, quality int) (ImageCodec, error) {
	switch strings.ToLower(name) {
	case PNGCodecName, "":
		return NewPNGCodec(), nil
	case JPEGCodecName, "jpg":
		return NewJPEGCodec(quality), nil
	default:
		return nil, xerrors.Errorf("unknown image codec %q", name)
	}
}

// EncodeToBytes encodes the image into a byte slice
func EncodeToBytes(codec ImageCodec, img image.Image) ([]byte, error) {
	if img == nil {
		return nil, xerrors.Errorf("failed to encode a nil image")
	}

	buffer := &bytes.Buffer{}
	err := codec.Encode(buffer, img)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode image with %s codec: %w", codec.GetName(), err)
	}

	return buffer.Bytes(), nil
}
