package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// ReduceLocal replaces both blocks of fv with their principal component
// loadings. Every channel of every block gets its own fit, treating rows as
// observations and columns as variables. The result has k rows and as many
// columns as the input block.
//
// The bases differ between images, so distances between locally reduced
// vectors compare loadings rather than positions in a common space.
func ReduceLocal(fv types.FeatureVector, k int) (types.FeatureVector, error) {
	deep, err := localLoadings(fv.Deep, k)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("deep block: %w", err)
	}
	shallow, err := localLoadings(fv.Shallow, k)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("shallow block: %w", err)
	}
	return types.FeatureVector{Summary: fv.Summary, Deep: deep, Shallow: shallow}, nil
}

func localLoadings(b types.Block, k int) (types.Block, error) {
	if err := b.Check(); err != nil {
		return types.Block{}, err
	}
	if k < 1 || k > b.Rows || k > b.Cols {
		return types.Block{}, fmt.Errorf("%w: cannot keep %d components of a %dx%d block",
			types.ErrConfiguration, k, b.Rows, b.Cols)
	}

	out := types.NewBlock(k, b.Cols)
	for c := range b.Channels {
		data := mat.NewDense(b.Rows, b.Cols, append([]float64(nil), b.Channels[c]...))
		vecs, err := principalDirections(data, k)
		if err != nil {
			return types.Block{}, fmt.Errorf("channel %d: %w", c, err)
		}
		for i := 0; i < k; i++ {
			for j := 0; j < b.Cols; j++ {
				out.Channels[c][i*b.Cols+j] = vecs.At(j, i)
			}
		}
	}
	return out, nil
}

// principalDirections returns the first k principal directions of the rows
// of data as the columns of a d x k matrix. Each direction is oriented so
// that its largest magnitude entry is positive.
func principalDirections(data *mat.Dense, k int) (*mat.Dense, error) {
	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	_, d := data.Dims()
	out := mat.NewDense(d, k, nil)
	for i := 0; i < k; i++ {
		col := mat.Col(nil, i, &vecs)
		orient(col)
		out.SetCol(i, col)
	}
	return out, nil
}

func orient(v []float64) {
	largest := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[largest]) {
			largest = i
		}
	}
	if v[largest] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
}

// Projection maps the rows of one block channel onto a fitted basis.
type Projection struct {
	Cols       int
	Components int
	Mean       []float64
	// Vectors holds the principal directions, one per row.
	Vectors []float64
}

// apply returns the scores of every row of plane, transposed so that
// component i occupies row i of the result.
func (p Projection) apply(plane []float64, rows int, dst []float64) {
	for r := 0; r < rows; r++ {
		row := plane[r*p.Cols : (r+1)*p.Cols]
		for i := 0; i < p.Components; i++ {
			vec := p.Vectors[i*p.Cols : (i+1)*p.Cols]
			var score float64
			for j, v := range row {
				score += (v - p.Mean[j]) * vec[j]
			}
			dst[i*rows+r] = score
		}
	}
}

// Basis is a principal component basis fitted once over a whole collection.
// Vectors projected onto the same basis are directly comparable.
type Basis struct {
	Components       int
	DeepBlockSize    int
	ShallowBlockSize int
	Deep             [types.Channels]Projection
	Shallow          [types.Channels]Projection
}

// FitBasis fits one projection per block kind and channel over the rows of
// all raw feature vectors.
func FitBasis(vectors []types.FeatureVector, k int) (*Basis, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no feature vectors to fit a basis on", types.ErrConfiguration)
	}
	basis := &Basis{
		Components:       k,
		DeepBlockSize:    vectors[0].Deep.Cols,
		ShallowBlockSize: vectors[0].Shallow.Cols,
	}

	for c := 0; c < types.Channels; c++ {
		var err error
		basis.Deep[c], err = fitProjection(vectors, k, c, func(fv types.FeatureVector) types.Block { return fv.Deep })
		if err != nil {
			return nil, fmt.Errorf("deep channel %d: %w", c, err)
		}
		basis.Shallow[c], err = fitProjection(vectors, k, c, func(fv types.FeatureVector) types.Block { return fv.Shallow })
		if err != nil {
			return nil, fmt.Errorf("shallow channel %d: %w", c, err)
		}
	}
	return basis, nil
}

func fitProjection(vectors []types.FeatureVector, k, c int, pick func(types.FeatureVector) types.Block) (Projection, error) {
	first := pick(vectors[0])
	rows, cols := first.Rows, first.Cols
	if k < 1 || k > cols {
		return Projection{}, fmt.Errorf("%w: cannot keep %d components of %d columns", types.ErrConfiguration, k, cols)
	}

	data := make([]float64, 0, len(vectors)*rows*cols)
	for _, fv := range vectors {
		b := pick(fv)
		if b.Rows != rows || b.Cols != cols || len(b.Channels[c]) != rows*cols {
			return Projection{}, fmt.Errorf("%w: block %dx%d, want %dx%d", types.ErrShapeMismatch, b.Rows, b.Cols, rows, cols)
		}
		data = append(data, b.Channels[c]...)
	}
	m := mat.NewDense(len(vectors)*rows, cols, data)

	vecs, err := principalDirections(m, k)
	if err != nil {
		return Projection{}, err
	}

	p := Projection{
		Cols:       cols,
		Components: k,
		Mean:       make([]float64, cols),
		Vectors:    make([]float64, k*cols),
	}
	col := make([]float64, len(vectors)*rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		p.Mean[j] = stat.Mean(col, nil)
	}
	for i := 0; i < k; i++ {
		for j := 0; j < cols; j++ {
			p.Vectors[i*cols+j] = vecs.At(j, i)
		}
	}
	return p, nil
}

// Project reduces a raw feature vector onto the basis. Each block becomes
// Components x Rows.
func (b *Basis) Project(fv types.FeatureVector) (types.FeatureVector, error) {
	deep, err := b.projectBlock(fv.Deep, b.Deep)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("deep block: %w", err)
	}
	shallow, err := b.projectBlock(fv.Shallow, b.Shallow)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("shallow block: %w", err)
	}
	return types.FeatureVector{Summary: fv.Summary, Deep: deep, Shallow: shallow}, nil
}

func (b *Basis) projectBlock(block types.Block, projections [types.Channels]Projection) (types.Block, error) {
	if err := block.Check(); err != nil {
		return types.Block{}, err
	}
	out := types.NewBlock(b.Components, block.Rows)
	for c, p := range projections {
		if p.Cols != block.Cols || len(p.Mean) != p.Cols || len(p.Vectors) != p.Components*p.Cols {
			return types.Block{}, fmt.Errorf("%w: basis expects %d columns, block has %d",
				types.ErrShapeMismatch, p.Cols, block.Cols)
		}
		p.apply(block.Channels[c], block.Rows, out.Channels[c])
	}
	return out, nil
}

func (b *Basis) compatible(config Config) error {
	if config.PCA != types.PCAShared {
		return fmt.Errorf("%w: basis given for pca mode %q", types.ErrConfiguration, config.PCA)
	}
	if b.Components != config.Components || b.DeepBlockSize != config.DeepBlockSize || b.ShallowBlockSize != config.ShallowBlockSize {
		return fmt.Errorf("%w: basis has %d components over %d/%d columns, configuration wants %d over %d/%d",
			types.ErrConfiguration, b.Components, b.DeepBlockSize, b.ShallowBlockSize,
			config.Components, config.DeepBlockSize, config.ShallowBlockSize)
	}
	return nil
}
