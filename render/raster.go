package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// rasterize decodes an encoded page image and scales it to the page's
// intrinsic dimensions multiplied by zoom.
func rasterize(data []byte, intrinsicW, intrinsicH, zoom float64) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("render: decode page image: %w", err)
	}

	w := int(math.Round(intrinsicW * zoom))
	h := int(math.Round(intrinsicH * zoom))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst, nil
}
