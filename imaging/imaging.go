// Package imaging holds the image plumbing around the models: the
// resize/crop transform to model input size, pixel packing, the patch
// activation heatmap renderer, and the data-URI transport encoding.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
)

const (
	// ResizeSize is the intermediate size images are scaled to before
	// the center crop.
	ResizeSize = 512
	// CropSize is the model input size.
	CropSize = 448
)

// CLIP normalization constants.
var (
	Mean = [3]float64{0.48145466, 0.4578275, 0.40821073}
	Std  = [3]float64{0.26862954, 0.26130258, 0.27577711}
)

// ToSized scales an image to ResizeSize and center-crops it to CropSize,
// the standard model input framing.
func ToSized(img image.Image) *image.RGBA {
	resized := image.NewRGBA(image.Rect(0, 0, ResizeSize, ResizeSize))
	xdraw.ApproxBiLinear.Scale(resized, resized.Rect, img, img.Bounds(), xdraw.Src, nil)

	off := (ResizeSize - CropSize) / 2
	cropped := image.NewRGBA(image.Rect(0, 0, CropSize, CropSize))
	draw.Draw(cropped, cropped.Rect, resized, image.Point{off, off}, draw.Src)
	return cropped
}

// Pack converts a sized image into the CHW float64 pixel vector the ViT
// consumes, normalized by the CLIP mean and standard deviation.
func Pack(img image.Image) []float64 {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	out := make([]float64, 3*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[0*w*h+y*w+x] = (float64(r>>8)/255.0 - Mean[0]) / Std[0]
			out[1*w*h+y*w+x] = (float64(g>>8)/255.0 - Mean[1]) / Std[1]
			out[2*w*h+y*w+x] = (float64(bb>>8)/255.0 - Mean[2]) / Std[2]
		}
	}
	return out
}

// AddHighlights overlays a red heatmap on an image, one cell per patch,
// with intensity proportional to the patch's activation normalized by
// upper. Values are clamped to [0, 1] after normalization, so a value at
// or above upper renders at full intensity instead of overflowing the
// 8-bit channel. The patch count must form a square grid that evenly
// divides the image; anything else is a programming error.
func AddHighlights(img image.Image, patches []float64, upper float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	if len(patches) == 0 {
		return dst
	}

	grid := int(math.Sqrt(float64(len(patches))))
	if grid*grid != len(patches) {
		panic(fmt.Sprintf("imaging: %d patches do not form a square grid", len(patches)))
	}
	if b.Dx()%grid != 0 || b.Dy()%grid != 0 {
		panic(fmt.Sprintf("imaging: %dx%d image not divisible into a %dx%d grid", b.Dx(), b.Dy(), grid, grid))
	}
	patchW := b.Dx() / grid
	patchH := b.Dy() / grid
	if patchW != patchH {
		panic(fmt.Sprintf("imaging: non-square patches %dx%d", patchW, patchH))
	}

	// The overlay is built non-premultiplied, mirroring the raw RGBA
	// buffer the renderer composites from.
	overlay := image.NewNRGBA(dst.Rect)
	for i, val := range patches {
		v := val / (upper + 1e-9)
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}

		x := (i % grid) * patchW
		y := (i / grid) * patchH
		cell := image.Rect(x, y, x+patchW, y+patchH)
		c := color.NRGBA{R: uint8(255 * v), A: uint8(128 * v)}
		draw.Draw(overlay, cell, &image.Uniform{c}, image.Point{}, draw.Src)
	}

	draw.Draw(dst, dst.Rect, overlay, image.Point{}, draw.Over)
	return dst
}

// DataURI encodes an image as a self-describing base64 PNG data URI.
func DataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURI decodes an uploaded image, accepting either a data URI
// or bare base64.
func DecodeDataURI(s string) (image.Image, error) {
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
