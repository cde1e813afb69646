// Package wavelet implements a multilevel two dimensional discrete wavelet
// transform with orthogonal Daubechies filters and periodic boundaries.
//
// Coefficients are packed into a single array with the footprint of the
// input: the approximation occupies the top-left corner and at every level
// the vertical detail sits to its right, the horizontal detail below it and
// the diagonal detail diagonally opposite.
package wavelet

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/menta2k/image-retrieval/pkg/colorspace"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// Family is an orthogonal wavelet given by its scaling filter.
type Family struct {
	Name string
	// Lo is the scaling (low-pass) filter. It sums to sqrt(2) and has unit
	// energy.
	Lo []float64
}

// Taps returns the filter length.
func (f Family) Taps() int {
	return len(f.Lo)
}

// hi returns the quadrature mirror of the scaling filter.
func (f Family) hi() []float64 {
	n := len(f.Lo)
	g := make([]float64, n)
	for i := range g {
		g[i] = f.Lo[n-1-i]
		if i%2 == 1 {
			g[i] = -g[i]
		}
	}
	return g
}

var (
	// Haar is the two tap Daubechies wavelet.
	Haar = Family{
		Name: "haar",
		Lo:   []float64{0.7071067811865476, 0.7071067811865476},
	}

	// DB4 is the eight tap Daubechies wavelet.
	DB4 = Family{
		Name: "db4",
		Lo: []float64{
			0.23037781330885523, 0.7148465705525415, 0.6308807679295904, -0.02798376941698385,
			-0.18703481171888114, 0.030841381835986965, 0.032883011666982945, -0.010597401784997278,
		},
	}

	// DB8 is the sixteen tap Daubechies wavelet, the default family.
	DB8 = Family{
		Name: "db8",
		Lo: []float64{
			0.05441584224308161, 0.3128715909144659, 0.6756307362980128, 0.5853546836548691,
			-0.015829105256023893, -0.2840155429624281, 0.00047248457399797254, 0.128747426620186,
			-0.01736930100202211, -0.04408825393106472, 0.013981027917015516, 0.008746094047015655,
			-0.004870352993451574, -0.0003917403729959771, 0.0006754494059985568, -0.00011747678400228192,
		},
	}
)

// Families lists the supported wavelet families.
func Families() []Family {
	return []Family{Haar, DB4, DB8}
}

// ParseFamily looks up a family by name.
func ParseFamily(name string) (Family, error) {
	for _, f := range Families() {
		if strings.EqualFold(f.Name, name) {
			return f, nil
		}
	}
	return Family{}, fmt.Errorf("%w: unknown wavelet family %q", types.ErrConfiguration, name)
}

// MaxLevel returns the deepest decomposition level for a square signal of
// the given side, or 0 if size is not a power of two.
func MaxLevel(size int) int {
	if size < 2 || size&(size-1) != 0 {
		return 0
	}
	return bits.TrailingZeros(uint(size))
}

// CheckLevel validates a decomposition depth against the signal size.
func CheckLevel(size, level int) error {
	deepest := MaxLevel(size)
	if deepest == 0 {
		return fmt.Errorf("%w: size %d is not a power of two", types.ErrConfiguration, size)
	}
	if level < 1 || level > deepest {
		return fmt.Errorf("%w: level %d outside [1, %d] for size %d", types.ErrConfiguration, level, deepest, size)
	}
	return nil
}

// Volume holds the packed coefficients of the three channels of one image
// decomposed to Level.
type Volume struct {
	Size   int
	Level  int
	Family string
	Planes [types.Channels][]float64
}

// At returns the coefficient at (row, col) of channel c.
func (v Volume) At(c, row, col int) float64 {
	return v.Planes[c][row*v.Size+col]
}

// Block copies the rows x cols region starting at (row, col) of every
// channel.
func (v Volume) Block(row, col, rows, cols int) (types.Block, error) {
	if row < 0 || col < 0 || rows <= 0 || cols <= 0 || row+rows > v.Size || col+cols > v.Size {
		return types.Block{}, fmt.Errorf("%w: region %dx%d at (%d,%d) outside %dx%d volume",
			types.ErrConfiguration, rows, cols, row, col, v.Size, v.Size)
	}
	b := types.NewBlock(rows, cols)
	for c := range v.Planes {
		for r := 0; r < rows; r++ {
			start := (row+r)*v.Size + col
			copy(b.Channels[c][r*cols:(r+1)*cols], v.Planes[c][start:start+cols])
		}
	}
	return b, nil
}

// Decompose transforms every channel of img independently to the given
// level.
func Decompose(img colorspace.Image, family Family, level int) (Volume, error) {
	if err := CheckLevel(img.Size, level); err != nil {
		return Volume{}, err
	}
	vol := Volume{Size: img.Size, Level: level, Family: family.Name}
	for c := range vol.Planes {
		plane, err := DecomposePlane(img.Planes[c], img.Size, family, level)
		if err != nil {
			return Volume{}, fmt.Errorf("channel %d: %w", c, err)
		}
		vol.Planes[c] = plane
	}
	return vol, nil
}

// DecomposePlane returns the packed coefficients of one square row-major
// plane. The input is left untouched.
func DecomposePlane(plane []float64, size int, family Family, level int) ([]float64, error) {
	if err := CheckLevel(size, level); err != nil {
		return nil, err
	}
	if len(plane) != size*size {
		return nil, fmt.Errorf("%w: plane has %d values, want %d", types.ErrConfiguration, len(plane), size*size)
	}

	out := make([]float64, len(plane))
	copy(out, plane)

	lo, hi := family.Lo, family.hi()
	line := make([]float64, size)
	tmp := make([]float64, size)

	n := size
	for l := 0; l < level; l++ {
		// Rows of the current approximation.
		for y := 0; y < n; y++ {
			row := out[y*size : y*size+n]
			forward(row, tmp[:n], lo, hi)
		}
		// Columns of the current approximation.
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				line[y] = out[y*size+x]
			}
			forward(line[:n], tmp[:n], lo, hi)
			for y := 0; y < n; y++ {
				out[y*size+x] = line[y]
			}
		}
		n /= 2
	}

	return out, nil
}

// Reconstruct inverts Decompose.
func Reconstruct(vol Volume, family Family) (colorspace.Image, error) {
	img := colorspace.Image{Size: vol.Size}
	for c := range vol.Planes {
		plane, err := ReconstructPlane(vol.Planes[c], vol.Size, family, vol.Level)
		if err != nil {
			return colorspace.Image{}, fmt.Errorf("channel %d: %w", c, err)
		}
		img.Planes[c] = plane
	}
	return img, nil
}

// ReconstructPlane inverts DecomposePlane.
func ReconstructPlane(coefs []float64, size int, family Family, level int) ([]float64, error) {
	if err := CheckLevel(size, level); err != nil {
		return nil, err
	}
	if len(coefs) != size*size {
		return nil, fmt.Errorf("%w: plane has %d values, want %d", types.ErrConfiguration, len(coefs), size*size)
	}

	out := make([]float64, len(coefs))
	copy(out, coefs)

	lo, hi := family.Lo, family.hi()
	line := make([]float64, size)
	tmp := make([]float64, size)

	n := size >> (level - 1)
	for l := 0; l < level; l++ {
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				line[y] = out[y*size+x]
			}
			inverse(line[:n], tmp[:n], lo, hi)
			for y := 0; y < n; y++ {
				out[y*size+x] = line[y]
			}
		}
		for y := 0; y < n; y++ {
			inverse(out[y*size:y*size+n], tmp[:n], lo, hi)
		}
		n *= 2
	}

	return out, nil
}

// forward runs one periodized analysis step on data in place, leaving the
// approximation in the first half and the detail in the second half.
func forward(data, tmp []float64, lo, hi []float64) {
	n := len(data)
	half := n / 2
	for k := 0; k < half; k++ {
		var a, d float64
		for i := range lo {
			v := data[(2*k+i)%n]
			a += lo[i] * v
			d += hi[i] * v
		}
		tmp[k] = a
		tmp[half+k] = d
	}
	copy(data, tmp)
}

// inverse undoes forward.
func inverse(data, tmp []float64, lo, hi []float64) {
	n := len(data)
	half := n / 2
	for i := range tmp {
		tmp[i] = 0
	}
	for k := 0; k < half; k++ {
		a, d := data[k], data[half+k]
		for i := range lo {
			tmp[(2*k+i)%n] += lo[i]*a + hi[i]*d
		}
	}
	copy(data, tmp)
}
