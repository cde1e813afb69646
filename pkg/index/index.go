// Package index provides a k-d tree over flattened feature blocks for
// nearest neighbour queries.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// point is one indexed vector. pos refers to the identifier table of the
// Index that owns it.
type point struct {
	pos int
	vec []float64
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.vec[d] - c.(point).vec[d]
}

func (p point) Dims() int {
	return len(p.vec)
}

// Distance returns the squared Euclidean distance.
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	var sum float64
	for i, v := range p.vec {
		d := v - q.vec[i]
		sum += d * d
	}
	return sum
}

type points []point

func (p points) Index(i int) kdtree.Comparable        { return p[i] }
func (p points) Len() int                             { return len(p) }
func (p points) Pivot(d kdtree.Dim) int               { return plane{points: p, Dim: d}.Pivot() }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts points along one dimension for median selection.
type plane struct {
	kdtree.Dim
	points
}

func (p plane) Less(i, j int) bool {
	return p.points[i].vec[p.Dim] < p.points[j].vec[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Entry is an identifier with the vector to index.
type Entry struct {
	ID     string
	Vector []float64
}

// Index is an immutable k-d tree. ids maps tree positions to identifiers;
// entries rejected during the build never get a position.
type Index struct {
	tree *kdtree.Tree
	ids  []string
	dims int
}

// Build indexes entries. Entries whose vector length differs from dims are
// not indexed and are returned as per-entry shape errors. The build runs
// in its own goroutine and is abandoned when ctx is done.
func Build(ctx context.Context, entries []Entry, dims int) (*Index, []error, error) {
	if dims <= 0 {
		return nil, nil, fmt.Errorf("%w: index dimension must be positive, got %d", types.ErrConfiguration, dims)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("index build abandoned: %w", err)
	}

	var skipped []error
	pts := make(points, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != dims {
			skipped = append(skipped, &types.EntryError{
				ID:  e.ID,
				Err: fmt.Errorf("%w: vector has %d values, index expects %d", types.ErrShapeMismatch, len(e.Vector), dims),
			})
			continue
		}
		pts = append(pts, point{pos: len(ids), vec: append([]float64(nil), e.Vector...)})
		ids = append(ids, e.ID)
	}

	done := make(chan *kdtree.Tree, 1)
	go func() {
		if len(pts) == 0 {
			done <- nil
			return
		}
		done <- kdtree.New(pts, false)
	}()

	select {
	case tree := <-done:
		return &Index{tree: tree, ids: ids, dims: dims}, skipped, nil
	case <-ctx.Done():
		return nil, skipped, fmt.Errorf("index build abandoned: %w", ctx.Err())
	}
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int {
	return len(idx.ids)
}

// Dims returns the vector length of the index.
func (idx *Index) Dims() int {
	return idx.dims
}

// IDs returns the identifiers in position order.
func (idx *Index) IDs() []string {
	return append([]string(nil), idx.ids...)
}

// Nearest returns the k entries closest to query by Euclidean distance,
// closest first. Ties are ordered by position.
func (idx *Index) Nearest(query []float64, k int) ([]types.Match, error) {
	if len(query) != idx.dims {
		return nil, fmt.Errorf("%w: query has %d values, index expects %d", types.ErrShapeMismatch, len(query), idx.dims)
	}
	if k <= 0 || idx.tree == nil {
		return nil, nil
	}

	keeper := kdtree.NewNKeeper(k)
	idx.tree.NearestSet(keeper, point{pos: -1, vec: query})

	found := make([]point, 0, k)
	dists := make(map[int]float64, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(point)
		found = append(found, p)
		dists[p.pos] = cd.Dist
	}
	sort.Slice(found, func(i, j int) bool {
		di, dj := dists[found[i].pos], dists[found[j].pos]
		if di != dj {
			return di < dj
		}
		return found[i].pos < found[j].pos
	})

	out := make([]types.Match, len(found))
	for i, p := range found {
		out[i] = types.Match{ID: idx.ids[p.pos], Distance: math.Sqrt(dists[p.pos])}
	}
	return out, nil
}
