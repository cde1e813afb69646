package types

import (
	"errors"
	"fmt"
	"math"
)

// Channels is the number of colour channels carried by every plane, block
// and volume in the system.
const Channels = 3

// Error taxonomy shared by all packages. Callers test for them with errors.Is.
var (
	// ErrConfiguration marks invalid parameters or incompatible archives.
	// It is fatal and reported before any processing starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrDecode marks an unreadable or corrupt image.
	ErrDecode = errors.New("decode error")

	// ErrShapeMismatch marks a stored descriptor whose blocks do not have
	// the expected dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDuplicateKey marks a source file whose key is already taken by an
	// earlier file of the same collection, such as a.jpg and a.png.
	ErrDuplicateKey = errors.New("duplicate key")
)

// EntryError reports a failure that belongs to a single database entry or
// source file. It never aborts a whole generation pass.
type EntryError struct {
	ID  string
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// PCAMode selects how the block components of a feature vector are reduced.
type PCAMode string

const (
	// PCANone keeps raw wavelet coefficients.
	PCANone PCAMode = "none"
	// PCALocal fits a principal component model per image and per channel
	// and stores the loading matrix. Reduced vectors of different images do
	// not share a basis.
	PCALocal PCAMode = "local"
	// PCAShared projects every image onto one basis fitted over the whole
	// collection.
	PCAShared PCAMode = "shared"
)

// ParsePCAMode converts a user supplied name into a PCAMode.
func ParsePCAMode(name string) (PCAMode, error) {
	switch PCAMode(name) {
	case PCANone, PCALocal, PCAShared:
		return PCAMode(name), nil
	case "":
		return PCANone, nil
	}
	return "", fmt.Errorf("%w: unknown pca mode %q (use none, local or shared)", ErrConfiguration, name)
}

// Reduced reports whether blocks are stored in a reduced form.
func (m PCAMode) Reduced() bool {
	return m == PCALocal || m == PCAShared
}

// Block is a stack of three equally sized row-major coefficient matrices,
// one per opponent colour channel.
type Block struct {
	Rows     int
	Cols     int
	Channels [Channels][]float64
}

// NewBlock allocates a zeroed block.
func NewBlock(rows, cols int) Block {
	b := Block{Rows: rows, Cols: cols}
	for c := range b.Channels {
		b.Channels[c] = make([]float64, rows*cols)
	}
	return b
}

// At returns the value at (row, col) of channel c.
func (b Block) At(c, row, col int) float64 {
	return b.Channels[c][row*b.Cols+col]
}

// Shape returns rows and columns.
func (b Block) Shape() (int, int) {
	return b.Rows, b.Cols
}

// Check verifies that every channel holds Rows*Cols values.
func (b Block) Check() error {
	if b.Rows <= 0 || b.Cols <= 0 {
		return fmt.Errorf("%w: empty block %dx%d", ErrShapeMismatch, b.Rows, b.Cols)
	}
	for c, plane := range b.Channels {
		if len(plane) != b.Rows*b.Cols {
			return fmt.Errorf("%w: channel %d has %d values, want %d", ErrShapeMismatch, c, len(plane), b.Rows*b.Cols)
		}
	}
	return nil
}

// Flatten returns the channels concatenated into one new slice.
func (b Block) Flatten() []float64 {
	out := make([]float64, 0, Channels*b.Rows*b.Cols)
	for _, plane := range b.Channels {
		out = append(out, plane...)
	}
	return out
}

// Equal reports whether both blocks have the same shape and values.
func (b Block) Equal(o Block) bool {
	if b.Rows != o.Rows || b.Cols != o.Cols {
		return false
	}
	for c := range b.Channels {
		if len(b.Channels[c]) != len(o.Channels[c]) {
			return false
		}
		for i, v := range b.Channels[c] {
			if v != o.Channels[c][i] {
				return false
			}
		}
	}
	return true
}

// FeatureVector is the descriptor of one image.
type FeatureVector struct {
	// Summary holds the per-channel standard deviation of the lowest
	// frequency 8x8 block of the deep decomposition.
	Summary [Channels]float64

	// Deep is the top-left block of the deep decomposition, compared in
	// the coarse matching stage.
	Deep Block

	// Shallow is the top-left block of the shallow decomposition, compared
	// in the fine matching stage and indexed by the spatial index.
	Shallow Block
}

// Check verifies the internal consistency of both blocks.
func (f FeatureVector) Check() error {
	if err := f.Deep.Check(); err != nil {
		return fmt.Errorf("deep block: %w", err)
	}
	if err := f.Shallow.Check(); err != nil {
		return fmt.Errorf("shallow block: %w", err)
	}
	return nil
}

// Equal reports whether two feature vectors are identical.
func (f FeatureVector) Equal(o FeatureVector) bool {
	return f.Summary == o.Summary && f.Deep.Equal(o.Deep) && f.Shallow.Equal(o.Shallow)
}

// Weights holds the distance weights of the quadrant distance. Quadrant
// weights follow the block layout: [0][0] top-left, [0][1] top-right,
// [1][0] bottom-left, [1][1] bottom-right.
type Weights struct {
	Quadrant [2][2]float64     `json:"quadrant"`
	Channel  [Channels]float64 `json:"channel"`
}

// DefaultWeights returns unit weights.
func DefaultWeights() Weights {
	return Weights{
		Quadrant: [2][2]float64{{1, 1}, {1, 1}},
		Channel:  [Channels]float64{1, 1, 1},
	}
}

// Validate rejects negative or non-finite weights.
func (w Weights) Validate() error {
	for j := range w.Quadrant {
		for k, v := range w.Quadrant[j] {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: quadrant weight [%d][%d] = %v", ErrConfiguration, j, k, v)
			}
		}
	}
	for c, v := range w.Channel {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: channel weight [%d] = %v", ErrConfiguration, c, v)
		}
	}
	return nil
}

// Match is one ranked result of a query.
type Match struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}
