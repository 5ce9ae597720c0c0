package screenshot

import (
	"bytes"
	"fmt"
	"image/png"
	"testing"
)

// rawPPM builds a P6 image of the given dimensions filled with one color.
func rawPPM(w, h int) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "P6\n%d %d\n255\n", w, h)
	for i := 0; i < w*h; i++ {
		buf.Write([]byte{0x10, 0x20, 0x30})
	}
	return buf.Bytes()
}

func TestPPMToPNG(t *testing.T) {
	out, err := PPMToPNG(rawPPM(8, 4), 0)
	if err != nil {
		t.Fatal(err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not png: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Fatalf("unexpected dimensions: %v", img.Bounds())
	}
}

func TestPPMToPNGThumbnails(t *testing.T) {
	out, err := PPMToPNG(rawPPM(64, 32), 16)
	if err != nil {
		t.Fatal(err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() > 16 || img.Bounds().Dy() > 16 {
		t.Fatalf("expected thumbnail within 16px, got %v", img.Bounds())
	}
}

func TestPPMToPNGRejectsGarbage(t *testing.T) {
	if _, err := PPMToPNG([]byte("not an image"), 0); err == nil {
		t.Fatal("expected decode error")
	}
}
