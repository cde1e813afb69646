// Package colorspace maps RGB images into the opponent colour space used by
// the wavelet descriptors.
package colorspace

import (
	"image"
	"image/color"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// Image is an opponent colour image. Planes are row-major and square.
//
//	C1 = (R + G + B) / 3            intensity
//	C2 = (R + (M - B)) / 2          red against blue
//	C3 = (R + 2(M - G) + B) / 4     magenta against green
//
// M is the largest 8-bit sample found in the source image.
type Image struct {
	Size   int
	Planes [types.Channels][]float64
	max    float64
}

// Max returns the maximum sample value used for the transform.
func (img Image) Max() float64 {
	return img.max
}

// Channel returns the plane of channel c.
func (img Image) Channel(c int) []float64 {
	return img.Planes[c]
}

// Opponent converts img into the opponent colour space. The image is
// expected to be square; non-square inputs are cropped to the shorter side.
// Samples are the stored, non-premultiplied 8-bit colour values; alpha is
// ignored.
func Opponent(img image.Image) Image {
	bounds := img.Bounds()
	size := bounds.Dx()
	if bounds.Dy() < size {
		size = bounds.Dy()
	}

	n := size * size
	r := make([]float64, n)
	g := make([]float64, n)
	b := make([]float64, n)

	// First pass: collect samples and the per image maximum.
	var peak float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := straight(img, bounds.Min.X+x, bounds.Min.Y+y)
			i := y*size + x
			r[i], g[i], b[i] = float64(c.R), float64(c.G), float64(c.B)
			for _, v := range [3]float64{r[i], g[i], b[i]} {
				if v > peak {
					peak = v
				}
			}
		}
	}

	out := Image{Size: size, max: peak}
	for c := range out.Planes {
		out.Planes[c] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		out.Planes[0][i] = (r[i] + g[i] + b[i]) / 3
		out.Planes[1][i] = (r[i] + (peak - b[i])) / 2
		out.Planes[2][i] = (r[i] + 2*(peak-g[i]) + b[i]) / 4
	}

	return out
}

// straight returns the non-premultiplied colour at (x, y).
func straight(img image.Image, x, y int) color.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n.NRGBAAt(x, y)
	}
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}
