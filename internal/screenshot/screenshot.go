// Package screenshot converts emulator screendump output (PPM) to PNG,
// optionally thumbnailing to a maximum edge length.
package screenshot

import (
	"bytes"
	"image"
	"image/png"

	"github.com/nfnt/resize"

	// registers the PPM/PNM decoder with image.Decode
	_ "github.com/jbuchbinder/gopnm"
)

// PPMToPNG converts a src ppm image to png, resizing to a largest
// dimension max if max != 0.
func PPMToPNG(src []byte, max int) ([]byte, error) {
	in := bytes.NewReader(src)

	img, _, err := image.Decode(in)
	if err != nil {
		return nil, err
	}

	if max != 0 {
		img = resize.Thumbnail(uint(max), uint(max), img, resize.NearestNeighbor)
	}

	out := new(bytes.Buffer)

	if err := png.Encode(out, img); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}
