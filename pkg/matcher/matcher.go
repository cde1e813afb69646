// Package matcher compares feature vectors through a three stage cascade.
//
// Stage one is a constant time tolerance test on the summary standard
// deviations. Stage two computes the weighted quadrant distance between the
// deep blocks and rejects candidates above a threshold. Stage three computes
// the same distance between the shallow blocks; its value ranks the
// candidates that survived.
package matcher

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// Rejected is the distance returned for candidates eliminated by stage one
// or stage two.
var Rejected = math.Inf(1)

// IsRejected reports whether d is the rejection sentinel. A true distance of
// zero is never rejected.
func IsRejected(d float64) bool {
	return math.IsInf(d, 1)
}

// Config holds the matching parameters. It is copied into the Matcher and
// never changes afterwards.
type Config struct {
	// Beta sets the tolerance band [q*Beta, q/Beta] of stage one.
	Beta float64 `json:"beta"`
	// Threshold is the largest deep block distance that reaches stage three.
	Threshold float64       `json:"threshold"`
	Weights   types.Weights `json:"weights"`
}

// DefaultConfig returns beta 0.5, threshold 30000 and unit weights.
func DefaultConfig() Config {
	return Config{
		Beta:      0.5,
		Threshold: 30000,
		Weights:   types.DefaultWeights(),
	}
}

// Validate checks the matching parameters.
func (c Config) Validate() error {
	if !(c.Beta > 0 && c.Beta < 1) {
		return fmt.Errorf("%w: beta must be in (0, 1), got %v", types.ErrConfiguration, c.Beta)
	}
	if c.Threshold < 0 || math.IsNaN(c.Threshold) {
		return fmt.Errorf("%w: threshold must not be negative, got %v", types.ErrConfiguration, c.Threshold)
	}
	return c.Weights.Validate()
}

// Matcher evaluates the cascade. It holds no mutable state and is safe for
// concurrent use.
type Matcher struct {
	config Config
}

// New creates a Matcher with the default configuration
func New() *Matcher {
	return &Matcher{config: DefaultConfig()}
}

// NewWithConfig creates a Matcher after validating config.
func NewWithConfig(config Config) (*Matcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{config: config}, nil
}

// Config returns the matching parameters.
func (m *Matcher) Config() Config {
	return m.config
}

// Filter is stage one. The candidate passes when its intensity deviation
// lies strictly inside the query's band, or when both chroma deviations do.
// For non-negative deviations swapping q and v gives the same answer.
func (m *Matcher) Filter(q, v [types.Channels]float64) bool {
	beta := m.config.Beta
	within := func(i int) bool {
		return q[i]*beta < v[i] && v[i] < q[i]/beta
	}
	return within(0) || (within(1) && within(2))
}

// QuadrantSize is the side of one quadrant.
const QuadrantSize = 8

// QuadrantDistance cuts both blocks at row and column QuadrantSize into
// up to 2x2 quadrants and sums, over quadrants and channels, the weighted
// Euclidean norms of the coefficient differences. An 8x8 block is a single
// quadrant weighted by Quadrant[0][0]; a 2x16 block spans the top two.
func (m *Matcher) QuadrantDistance(a, b types.Block) (float64, error) {
	if err := a.Check(); err != nil {
		return 0, err
	}
	if err := b.Check(); err != nil {
		return 0, err
	}
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return 0, fmt.Errorf("%w: blocks %dx%d and %dx%d", types.ErrShapeMismatch, a.Rows, a.Cols, b.Rows, b.Cols)
	}

	rows, cols := quadrantSpans(a.Rows), quadrantSpans(a.Cols)
	w := m.config.Weights

	var total float64
	for j := 0; j < 2; j++ {
		for k := 0; k < 2; k++ {
			var d float64
			for c := 0; c < types.Channels; c++ {
				d += w.Channel[c] * quadrantNorm(a, b, c, rows[j], cols[k])
			}
			total += w.Quadrant[j][k] * d
		}
	}
	return total, nil
}

type span struct{ start, end int }

// quadrantSpans returns [0, 8) and [8, 16) clipped to [0, n). Either
// may be empty.
func quadrantSpans(n int) [2]span {
	first := min(n, QuadrantSize)
	return [2]span{{0, first}, {first, min(n, 2*QuadrantSize)}}
}

func quadrantNorm(a, b types.Block, c int, rows, cols span) float64 {
	if rows.end <= rows.start || cols.end <= cols.start {
		return 0
	}
	var sum float64
	for r := rows.start; r < rows.end; r++ {
		start := r*a.Cols + cols.start
		end := r*a.Cols + cols.end
		d := floats.Distance(a.Channels[c][start:end], b.Channels[c][start:end], 2)
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Distance runs the full cascade of query q against candidate v and
// returns the shallow block distance, or Rejected.
func (m *Matcher) Distance(q, v types.FeatureVector) (float64, error) {
	if !m.Filter(q.Summary, v.Summary) {
		return Rejected, nil
	}

	coarse, err := m.QuadrantDistance(q.Deep, v.Deep)
	if err != nil {
		return 0, fmt.Errorf("deep block: %w", err)
	}
	if coarse > m.config.Threshold {
		return Rejected, nil
	}

	fine, err := m.QuadrantDistance(q.Shallow, v.Shallow)
	if err != nil {
		return 0, fmt.Errorf("shallow block: %w", err)
	}
	return fine, nil
}

// Stage identifies the step of the cascade that decided a comparison.
type Stage int

const (
	StageFilter Stage = iota + 1
	StageCoarse
	StageFine
)

func (s Stage) String() string {
	switch s {
	case StageFilter:
		return "filter"
	case StageCoarse:
		return "coarse"
	case StageFine:
		return "fine"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Trace records every intermediate value of one comparison.
type Trace struct {
	Passed   bool
	Coarse   float64
	Fine     float64
	Distance float64
	// Decided is the stage that produced Distance.
	Decided Stage
}

// Explain runs the cascade like Distance but reports where a candidate was
// rejected and the distances computed on the way.
func (m *Matcher) Explain(q, v types.FeatureVector) (Trace, error) {
	tr := Trace{Coarse: math.NaN(), Fine: math.NaN(), Distance: Rejected, Decided: StageFilter}
	tr.Passed = m.Filter(q.Summary, v.Summary)
	if !tr.Passed {
		return tr, nil
	}

	var err error
	tr.Decided = StageCoarse
	if tr.Coarse, err = m.QuadrantDistance(q.Deep, v.Deep); err != nil {
		return tr, fmt.Errorf("deep block: %w", err)
	}
	if tr.Coarse > m.config.Threshold {
		return tr, nil
	}

	tr.Decided = StageFine
	if tr.Fine, err = m.QuadrantDistance(q.Shallow, v.Shallow); err != nil {
		return tr, fmt.Errorf("shallow block: %w", err)
	}
	tr.Distance = tr.Fine
	return tr, nil
}
