// Package features turns images into wavelet feature vectors.
//
// An image is normalized to a square, mapped into the opponent colour space
// and decomposed twice: once at a shallow level, keeping fine spatial
// detail, and once at a deep level, keeping a compact low frequency summary.
// The feature vector is assembled from the top-left corners of both
// decompositions and may be reduced with principal component analysis.
package features

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/image-retrieval/pkg/colorspace"
	"github.com/menta2k/image-retrieval/pkg/processing"
	"github.com/menta2k/image-retrieval/pkg/types"
	"github.com/menta2k/image-retrieval/pkg/wavelet"
)

// SummarySize is the side of the lowest frequency block whose standard
// deviation forms the summary, and the side of one quadrant of a 16x16
// block.
const SummarySize = 8

// Config holds the extraction parameters. Two databases are only
// comparable if they were built with equal configurations.
type Config struct {
	Size             int           `json:"size"`
	ShallowLevel     int           `json:"shallow_level"`
	DeepLevel        int           `json:"deep_level"`
	DeepBlockSize    int           `json:"deep_block_size"`
	ShallowBlockSize int           `json:"shallow_block_size"`
	Family           string        `json:"family"`
	PCA              types.PCAMode `json:"pca"`
	Components       int           `json:"components"`
}

// DefaultConfig returns the standard extraction parameters: 128x128 input,
// db8 decompositions at levels 3 and 4, an 8x8 deep block, a 16x16 shallow
// block and no reduction.
func DefaultConfig() Config {
	return Config{
		Size:             processing.CanonicalSize,
		ShallowLevel:     3,
		DeepLevel:        4,
		DeepBlockSize:    8,
		ShallowBlockSize: 16,
		Family:           wavelet.DB8.Name,
		PCA:              types.PCANone,
		Components:       2,
	}
}

// Validate checks the configuration before any image is processed.
func (c Config) Validate() error {
	if _, err := wavelet.ParseFamily(c.Family); err != nil {
		return err
	}
	if err := wavelet.CheckLevel(c.Size, c.ShallowLevel); err != nil {
		return fmt.Errorf("shallow level: %w", err)
	}
	if err := wavelet.CheckLevel(c.Size, c.DeepLevel); err != nil {
		return fmt.Errorf("deep level: %w", err)
	}
	if c.ShallowLevel >= c.DeepLevel {
		return fmt.Errorf("%w: shallow level %d must be below deep level %d",
			types.ErrConfiguration, c.ShallowLevel, c.DeepLevel)
	}
	for _, b := range []struct {
		name string
		size int
	}{{"deep", c.DeepBlockSize}, {"shallow", c.ShallowBlockSize}} {
		if b.size != 8 && b.size != 16 {
			return fmt.Errorf("%w: %s block size must be 8 or 16, got %d", types.ErrConfiguration, b.name, b.size)
		}
		if b.size > c.Size {
			return fmt.Errorf("%w: %s block size %d exceeds image size %d", types.ErrConfiguration, b.name, b.size, c.Size)
		}
	}
	if SummarySize > c.Size {
		return fmt.Errorf("%w: image size %d is below the summary block", types.ErrConfiguration, c.Size)
	}
	if _, err := types.ParsePCAMode(string(c.PCA)); err != nil {
		return err
	}
	limit := min(c.DeepBlockSize, c.ShallowBlockSize)
	if c.PCA.Reduced() && (c.Components < 1 || c.Components > limit) {
		return fmt.Errorf("%w: components must be in [1, %d], got %d",
			types.ErrConfiguration, limit, c.Components)
	}
	return nil
}

// DeepShape returns the shape of the stored deep block.
func (c Config) DeepShape() (int, int) {
	return c.reducedShape(c.DeepBlockSize)
}

// ShallowShape returns the shape of the stored shallow block.
func (c Config) ShallowShape() (int, int) {
	return c.reducedShape(c.ShallowBlockSize)
}

// reducedShape returns Components x size under either reduction and
// size x size otherwise.
func (c Config) reducedShape(size int) (int, int) {
	if c.PCA.Reduced() {
		return c.Components, size
	}
	return size, size
}

// Extractor computes feature vectors. It is immutable and safe for
// concurrent use.
type Extractor struct {
	config    Config
	family    wavelet.Family
	processor *processing.Processor
	basis     *Basis
}

// New creates an Extractor with the default configuration
func New() *Extractor {
	e, err := NewWithConfig(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return e
}

// NewWithConfig creates an Extractor after validating config.
func NewWithConfig(config Config) (*Extractor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	family, err := wavelet.ParseFamily(config.Family)
	if err != nil {
		return nil, err
	}
	return &Extractor{
		config:    config,
		family:    family,
		processor: processing.NewProcessor(),
	}, nil
}

// Config returns the extraction parameters.
func (e *Extractor) Config() Config {
	return e.config
}

// Basis returns the shared basis, if any.
func (e *Extractor) Basis() *Basis {
	return e.basis
}

// WithBasis returns a copy of the extractor that projects onto basis.
func (e *Extractor) WithBasis(basis *Basis) (*Extractor, error) {
	if basis == nil {
		return nil, fmt.Errorf("%w: nil basis", types.ErrConfiguration)
	}
	if err := basis.compatible(e.config); err != nil {
		return nil, err
	}
	out := *e
	out.basis = basis
	return &out, nil
}

// Extract computes the feature vector of img, applying the configured
// reduction.
func (e *Extractor) Extract(img image.Image) (types.FeatureVector, error) {
	raw, err := e.ExtractRaw(img)
	if err != nil {
		return types.FeatureVector{}, err
	}
	return e.Reduce(raw)
}

// ExtractRaw computes the unreduced feature vector of img.
func (e *Extractor) ExtractRaw(img image.Image) (types.FeatureVector, error) {
	if err := e.processor.ValidateImage(img); err != nil {
		return types.FeatureVector{}, err
	}
	opponent := colorspace.Opponent(e.processor.Normalize(img, e.config.Size))

	shallow, err := wavelet.Decompose(opponent, e.family, e.config.ShallowLevel)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("shallow decomposition: %w", err)
	}
	deep, err := wavelet.Decompose(opponent, e.family, e.config.DeepLevel)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("deep decomposition: %w", err)
	}
	return Assemble(shallow, deep, e.config.DeepBlockSize, e.config.ShallowBlockSize)
}

// Reduce applies the configured principal component reduction to a raw
// feature vector.
func (e *Extractor) Reduce(fv types.FeatureVector) (types.FeatureVector, error) {
	switch e.config.PCA {
	case types.PCALocal:
		return ReduceLocal(fv, e.config.Components)
	case types.PCAShared:
		if e.basis == nil {
			return types.FeatureVector{}, fmt.Errorf("%w: shared pca requires a fitted basis", types.ErrConfiguration)
		}
		return e.basis.Project(fv)
	}
	return fv, nil
}

// Assemble builds a raw feature vector from the shallow and deep
// decompositions of one image, cutting blocks of the given sides.
func Assemble(shallow, deep wavelet.Volume, deepSize, shallowSize int) (types.FeatureVector, error) {
	if shallow.Size != deep.Size {
		return types.FeatureVector{}, fmt.Errorf("%w: volume sizes differ (%d and %d)",
			types.ErrConfiguration, shallow.Size, deep.Size)
	}

	low, err := deep.Block(0, 0, SummarySize, SummarySize)
	if err != nil {
		return types.FeatureVector{}, err
	}
	deepBlock, err := submatrix(deep, deepSize)
	if err != nil {
		return types.FeatureVector{}, err
	}
	shallowBlock, err := submatrix(shallow, shallowSize)
	if err != nil {
		return types.FeatureVector{}, err
	}

	return types.FeatureVector{
		Summary: standardDeviations(low),
		Deep:    deepBlock,
		Shallow: shallowBlock,
	}, nil
}

// submatrix returns the top-left block of a volume. A 16x16 block is tiled
// from its four 8x8 quadrants.
func submatrix(vol wavelet.Volume, size int) (types.Block, error) {
	if size == SummarySize {
		return vol.Block(0, 0, size, size)
	}

	out := types.NewBlock(size, size)
	q := size / 2
	for j := 0; j < 2; j++ {
		for k := 0; k < 2; k++ {
			quadrant, err := vol.Block(j*q, k*q, q, q)
			if err != nil {
				return types.Block{}, err
			}
			for c := range out.Channels {
				for r := 0; r < q; r++ {
					dst := (j*q+r)*size + k*q
					copy(out.Channels[c][dst:dst+q], quadrant.Channels[c][r*q:(r+1)*q])
				}
			}
		}
	}
	return out, nil
}

// standardDeviations returns the population standard deviation of every
// channel of b.
func standardDeviations(b types.Block) [types.Channels]float64 {
	var out [types.Channels]float64
	for c, plane := range b.Channels {
		n := float64(len(plane))
		if n < 2 {
			continue
		}
		_, variance := stat.MeanVariance(plane, nil)
		out[c] = math.Sqrt(variance * (n - 1) / n)
	}
	return out
}
