package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var iconBytes = renderIcon(32)

// renderIcon draws a ring of dots, a small point cloud, on a transparent
// background.
func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	fg := color.NRGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	accent := color.NRGBA{R: 0x4a, G: 0x9e, B: 0xff, A: 0xff}

	c := float64(size-1) / 2
	outer, inner := c, c*0.55
	for y := range size {
		for x := range size {
			dx, dy := float64(x)-c, float64(y)-c
			d := dx*dx + dy*dy
			switch {
			case d <= inner*inner*0.25:
				img.SetNRGBA(x, y, accent)
			case d <= outer*outer && d >= inner*inner && (x+y)%3 == 0:
				img.SetNRGBA(x, y, fg)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
