// Package database stores the feature vectors of an image collection and
// ranks them against a query.
//
// A Database is generated once from a directory of images or loaded from an
// archive written by an earlier generation. It never changes afterwards;
// the spatial index is built from it on first use.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/image-retrieval/pkg/features"
	"github.com/menta2k/image-retrieval/pkg/index"
	"github.com/menta2k/image-retrieval/pkg/matcher"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// DefaultIndexTimeout bounds the spatial index build.
const DefaultIndexTimeout = 30 * time.Second

// Options configures generation, loading and ranking.
type Options struct {
	Features features.Config
	Matching matcher.Config
	// Workers is the number of concurrent extractions during generation.
	Workers int
	// IndexTimeout bounds BuildIndex. Zero disables the deadline.
	IndexTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultOptions returns the default extraction and matching parameters
// with one worker per CPU.
func DefaultOptions() Options {
	return Options{
		Features:     features.DefaultConfig(),
		Matching:     matcher.DefaultConfig(),
		Workers:      runtime.NumCPU(),
		IndexTimeout: DefaultIndexTimeout,
	}
}

// Validate checks every parameter before any file is touched.
func (o Options) Validate() error {
	if err := o.Features.Validate(); err != nil {
		return err
	}
	if err := o.Matching.Validate(); err != nil {
		return err
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", types.ErrConfiguration, o.Workers)
	}
	if o.IndexTimeout < 0 {
		return fmt.Errorf("%w: index timeout must not be negative, got %s", types.ErrConfiguration, o.IndexTimeout)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return runtime.NumCPU()
	}
	return o.Workers
}

// Database maps image identifiers to feature vectors.
type Database struct {
	header    Header
	keys      []string
	entries   map[string]types.FeatureVector
	extractor *features.Extractor
	matcher   *matcher.Matcher
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	index   *index.Index
	skipped []error
}

func newDatabase(header Header, entries map[string]types.FeatureVector, opts Options) (*Database, error) {
	extractor, err := features.NewWithConfig(header.Features)
	if err != nil {
		return nil, err
	}
	if header.Features.PCA == types.PCAShared {
		if extractor, err = extractor.WithBasis(header.Basis); err != nil {
			return nil, err
		}
	}
	m, err := matcher.NewWithConfig(opts.Matching)
	if err != nil {
		return nil, err
	}

	return &Database{
		header:    header,
		keys:      sortedKeys(entries),
		entries:   entries,
		extractor: extractor,
		matcher:   m,
		timeout:   opts.IndexTimeout,
		log:       opts.logger(),
	}, nil
}

// Header returns the archive header: mode tag, extraction parameters and
// the shared basis, if any.
func (db *Database) Header() Header {
	return db.header
}

// Len returns the number of entries.
func (db *Database) Len() int {
	return len(db.keys)
}

// Keys returns the identifiers in lexicographic order.
func (db *Database) Keys() []string {
	return append([]string(nil), db.keys...)
}

// Get returns the feature vector stored under id.
func (db *Database) Get(id string) (types.FeatureVector, bool) {
	fv, ok := db.entries[id]
	return fv, ok
}

// Extractor returns an extractor configured like the one that built the
// database. Query vectors must come from it to be comparable.
func (db *Database) Extractor() *features.Extractor {
	return db.extractor
}

// Matcher returns the matcher used by scan ranking.
func (db *Database) Matcher() *matcher.Matcher {
	return db.matcher
}

func (db *Database) checkVector(fv types.FeatureVector) error {
	if err := fv.Check(); err != nil {
		return err
	}
	cfg := db.header.Features
	for _, b := range []struct {
		name  string
		block types.Block
		shape func() (int, int)
	}{{"deep", fv.Deep, cfg.DeepShape}, {"shallow", fv.Shallow, cfg.ShallowShape}} {
		rows, cols := b.block.Shape()
		wantRows, wantCols := b.shape()
		if rows != wantRows || cols != wantCols {
			return fmt.Errorf("%w: %s block is %dx%d, want %dx%d",
				types.ErrShapeMismatch, b.name, rows, cols, wantRows, wantCols)
		}
	}
	return nil
}

// Validate returns one EntryError per entry whose blocks do not have the
// shape implied by the extraction parameters. Such entries are excluded
// from ranking and indexing.
func (db *Database) Validate() []error {
	var errs []error
	for _, key := range db.keys {
		if err := db.checkVector(db.entries[key]); err != nil {
			errs = append(errs, &types.EntryError{ID: key, Err: err})
		}
	}
	return errs
}

// validKeys returns the identifiers of well formed entries in key order.
// Every malformed entry is logged as left out of ranking.
func (db *Database) validKeys() []string {
	keys := make([]string, 0, len(db.keys))
	for _, key := range db.keys {
		if err := db.checkVector(db.entries[key]); err != nil {
			db.log.Warn("entry left out of ranking", "error", &types.EntryError{ID: key, Err: err})
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// BuildIndex builds the spatial index over the flattened shallow blocks on
// first call and returns it afterwards. Malformed entries are left out and
// reported by IndexSkipped. The build is abandoned when ctx is done or the
// index timeout expires.
func (db *Database) BuildIndex(ctx context.Context) (*index.Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.index != nil {
		return db.index, nil
	}

	if db.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, db.timeout)
		defer cancel()
	}

	var skipped []error
	entries := make([]index.Entry, 0, len(db.keys))
	for _, key := range db.keys {
		fv := db.entries[key]
		if err := db.checkVector(fv); err != nil {
			skipped = append(skipped, &types.EntryError{ID: key, Err: err})
			continue
		}
		entries = append(entries, index.Entry{ID: key, Vector: fv.Shallow.Flatten()})
	}
	rows, cols := db.header.Features.ShallowShape()

	start := time.Now()
	idx, rejected, err := index.Build(ctx, entries, types.Channels*rows*cols)
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	skipped = append(skipped, rejected...)
	for _, e := range skipped {
		db.log.Warn("entry left out of index", "error", e)
	}
	db.log.Debug("index built", "entries", idx.Len(), "skipped", len(skipped), "duration", time.Since(start))

	db.index = idx
	db.skipped = skipped
	return idx, nil
}

// IndexSkipped returns the entries left out of the index by its last build.
func (db *Database) IndexSkipped() []error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]error(nil), db.skipped...)
}

// Rank returns at most maxResults entries ordered by ascending distance to
// query. Without the index every valid entry goes through the matcher
// cascade in key order, rejected entries are dropped and malformed entries
// are logged and skipped. With the index the
// k nearest shallow blocks are returned by Euclidean distance.
func (db *Database) Rank(ctx context.Context, query types.FeatureVector, maxResults int, useIndex bool) ([]types.Match, error) {
	if err := db.checkVector(query); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if maxResults <= 0 {
		return nil, nil
	}

	if useIndex {
		idx, err := db.BuildIndex(ctx)
		if err != nil {
			return nil, err
		}
		return idx.Nearest(query.Shallow.Flatten(), maxResults)
	}

	var matches []types.Match
	for _, key := range db.validKeys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := db.matcher.Distance(query, db.entries[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if matcher.IsRejected(d) {
			continue
		}
		matches = append(matches, types.Match{ID: key, Distance: d})
	}
	return truncate(matches, maxResults), nil
}

// ScanNearest returns the k entries whose flattened shallow blocks are
// closest to the query's by Euclidean distance, without the index and
// without the matcher cascade.
func (db *Database) ScanNearest(query types.FeatureVector, k int) ([]types.Match, error) {
	if err := db.checkVector(query); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if k <= 0 {
		return nil, nil
	}

	q := query.Shallow.Flatten()
	keys := db.validKeys()
	matches := make([]types.Match, 0, len(keys))
	for _, key := range keys {
		d := floats.Distance(q, db.entries[key].Shallow.Flatten(), 2)
		matches = append(matches, types.Match{ID: key, Distance: d})
	}
	return truncate(matches, k), nil
}

// Explain runs the matcher cascade of query against one entry.
func (db *Database) Explain(query types.FeatureVector, id string) (matcher.Trace, error) {
	fv, ok := db.entries[id]
	if !ok {
		return matcher.Trace{}, fmt.Errorf("no entry %q", id)
	}
	return db.matcher.Explain(query, fv)
}

// truncate sorts matches by ascending distance, keeping the input order for
// ties, and keeps the first n.
func truncate(matches []types.Match, n int) []types.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches
}
