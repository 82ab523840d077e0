package video

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	// Avatar decoders. Uploads arrive as JPEG, PNG or GIF and the
	// generative service only accepts JPEG references.
	_ "image/gif"
	_ "image/png"
)

const referenceMIME = "image/jpeg"

// PrepareReference is the compatibility boundary for avatar images: JPEG
// input passes through untouched, anything else decodable is re-encoded to
// JPEG on an opaque white background.
func PrepareReference(data []byte) ([]byte, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("video: decode reference image: %w", err)
	}
	if format == "jpeg" {
		return data, referenceMIME, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("video: decode reference image: %w", err)
	}
	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: 92}); err != nil {
		return nil, "", fmt.Errorf("video: encode reference image: %w", err)
	}
	return buf.Bytes(), referenceMIME, nil
}
