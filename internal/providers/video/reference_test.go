package video

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func sampleImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 128})
		}
	}
	return img
}

func TestPrepareReferencePassesJPEGThrough(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sampleImage(), nil); err != nil {
		t.Fatal(err)
	}
	out, mime, err := PrepareReference(buf.Bytes())
	if err != nil {
		t.Fatalf("PrepareReference() error: %v", err)
	}
	if mime != "image/jpeg" || !bytes.Equal(out, buf.Bytes()) {
		t.Fatalf("jpeg input was modified (mime %q)", mime)
	}
}

func TestPrepareReferenceConvertsPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, sampleImage()); err != nil {
		t.Fatal(err)
	}
	out, mime, err := PrepareReference(buf.Bytes())
	if err != nil {
		t.Fatalf("PrepareReference() error: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil || format != "jpeg" || mime != "image/jpeg" {
		t.Fatalf("output format = %q, mime %q, err %v", format, mime, err)
	}
	if cfg.Width != 4 || cfg.Height != 3 {
		t.Fatalf("dimensions = %dx%d, want 4x3", cfg.Width, cfg.Height)
	}
}

func TestPrepareReferenceRejectsGarbage(t *testing.T) {
	if _, _, err := PrepareReference([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
