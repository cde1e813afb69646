// Package imageretrieval finds the images of a collection that look most
// like a query image.
//
// Every image is described by multiresolution wavelet statistics: it is
// resized to 128x128, mapped into an opponent colour space and decomposed
// with a Daubechies wavelet at two depths. Descriptors are compared through
// a three stage cascade that rejects unlikely candidates cheaply before the
// expensive comparisons, or through a k-d tree over the fine resolution
// coefficients.
//
// Basic usage:
//
//	r := imageretrieval.New()
//	if _, err := r.BuildOrLoadDatabase(ctx, "data", "db"); err != nil {
//		log.Fatal(err)
//	}
//	result, err := r.Query(ctx, "data/arborgreens01.jpg", 10, false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for n, m := range result.Matches {
//		fmt.Printf("%2d %5.2f %s\n", n, m.Distance, m.ID)
//	}
//
// The package consists of these components:
//
// 1. Colour space (pkg/colorspace): opponent colour transform
// 2. Wavelet (pkg/wavelet): periodized multilevel 2D Daubechies transform
// 3. Features (pkg/features): feature vector assembly and PCA reduction
// 4. Matcher (pkg/matcher): three stage comparison cascade
// 5. Index (pkg/index): k-d tree nearest neighbour search
// 6. Database (pkg/database): generation, archives and ranking
package imageretrieval

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/menta2k/image-retrieval/internal/logging"
	"github.com/menta2k/image-retrieval/pkg/database"
	"github.com/menta2k/image-retrieval/pkg/features"
	"github.com/menta2k/image-retrieval/pkg/processing"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// Version of the image retrieval library
const Version = "1.0.0"

// Retriever provides a high-level interface over a feature database. Load
// or build the database before sharing a Retriever between goroutines.
type Retriever struct {
	processor *processing.Processor
	options   database.Options
	db        *database.Database
}

// New creates a new Retriever with default configuration
func New() *Retriever {
	return &Retriever{
		processor: processing.NewProcessor(),
		options:   database.DefaultOptions(),
	}
}

// NewWithOptions creates a new Retriever with custom configuration
func NewWithOptions(options database.Options) (*Retriever, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Retriever{
		processor: processing.NewProcessor(),
		options:   options,
	}, nil
}

// QueryResult contains the outcome of one query
type QueryResult struct {
	Source   string               `json:"source"`
	Info     processing.ImageInfo `json:"info"`
	Vector   types.FeatureVector  `json:"-"`
	Matches  []types.Match        `json:"matches"`
	Indexed  bool                 `json:"indexed"`
	Duration time.Duration        `json:"duration"`
}

// Options returns the database options of the retriever
func (r *Retriever) Options() database.Options {
	return r.options
}

// Database returns the current database, or nil
func (r *Retriever) Database() *database.Database {
	return r.db
}

// UseDatabase replaces the current database
func (r *Retriever) UseDatabase(db *database.Database) {
	r.db = db
}

// BuildOrLoadDatabase loads the archive named name, or generates it from
// the images in dir and saves it. The report is nil when the archive was
// loaded.
func (r *Retriever) BuildOrLoadDatabase(ctx context.Context, dir, name string) (*database.Report, error) {
	db, report, err := database.BuildOrLoad(ctx, database.ArchivePath(name), dir, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	r.db = db
	return report, nil
}

// GenerateDatabase generates a database from dir without saving it
func (r *Retriever) GenerateDatabase(ctx context.Context, dir string) (*database.Report, error) {
	db, report, err := database.Generate(ctx, dir, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to generate database: %w", err)
	}
	r.db = db
	return report, nil
}

// LoadDatabase loads an archive written by an earlier generation
func (r *Retriever) LoadDatabase(path string) error {
	db, err := database.Load(path, r.options)
	if err != nil {
		return err
	}
	r.db = db
	return nil
}

// LoadImage loads an image from a file path or URL
func (r *Retriever) LoadImage(source string) (image.Image, error) {
	return r.processor.LoadImageSmart(source)
}

// LoadImageFromReader loads an image from an io.Reader
func (r *Retriever) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	return r.processor.LoadImageFromReader(reader)
}

// GetImageInfo returns basic information about an image
func (r *Retriever) GetImageInfo(img image.Image) processing.ImageInfo {
	return r.processor.GetImageInfo(img)
}

// extractor returns the extractor of the loaded database, so that queries
// share its parameters and shared basis.
func (r *Retriever) extractor() (*features.Extractor, error) {
	if r.db != nil {
		return r.db.Extractor(), nil
	}
	if r.options.Features.PCA == types.PCAShared {
		return nil, fmt.Errorf("%w: shared pca extraction needs a database", types.ErrConfiguration)
	}
	return features.NewWithConfig(r.options.Features)
}

// ExtractFeatures computes the feature vector of an image
func (r *Retriever) ExtractFeatures(img image.Image) (types.FeatureVector, error) {
	e, err := r.extractor()
	if err != nil {
		return types.FeatureVector{}, err
	}
	return e.Extract(img)
}

// ExtractFile loads an image and computes its feature vector
func (r *Retriever) ExtractFile(source string) (types.FeatureVector, error) {
	img, err := r.LoadImage(source)
	if err != nil {
		return types.FeatureVector{}, fmt.Errorf("failed to load image: %w", err)
	}
	return r.ExtractFeatures(img)
}

// Rank orders the database entries by distance to a query vector
func (r *Retriever) Rank(ctx context.Context, query types.FeatureVector, maxResults int, useIndex bool) ([]types.Match, error) {
	if r.db == nil {
		return nil, fmt.Errorf("%w: no database loaded", types.ErrConfiguration)
	}
	return r.db.Rank(ctx, query, maxResults, useIndex)
}

// Query is a convenience function that loads an image, extracts its
// features and ranks the database against them
func (r *Retriever) Query(ctx context.Context, source string, maxResults int, useIndex bool) (QueryResult, error) {
	if r.db == nil {
		return QueryResult{}, fmt.Errorf("%w: no database loaded", types.ErrConfiguration)
	}
	start := time.Now()

	img, err := r.LoadImage(source)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to load query image: %w", err)
	}
	vector, err := r.ExtractFeatures(img)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to extract query features: %w", err)
	}
	matches, err := r.Rank(ctx, vector, maxResults, useIndex)
	if err != nil {
		return QueryResult{}, fmt.Errorf("ranking failed: %w", err)
	}

	result := QueryResult{
		Source:   source,
		Info:     r.GetImageInfo(img),
		Vector:   vector,
		Matches:  matches,
		Indexed:  useIndex,
		Duration: time.Since(start),
	}
	logging.LogQuery(r.logger(), source, r.db.Len(), len(matches), useIndex, result.Duration)
	return result, nil
}

// SaveNormalized writes the image as the extractor sees it: resized to the
// configured square size.
func (r *Retriever) SaveNormalized(img image.Image, path, format string, quality int) error {
	normalized := r.processor.Normalize(img, r.options.Features.Size)
	if err := r.processor.SaveImage(normalized, path, format, quality, false); err != nil {
		return fmt.Errorf("failed to save normalized image: %w", err)
	}
	return nil
}

func (r *Retriever) logger() *slog.Logger {
	if r.options.Logger != nil {
		return r.options.Logger
	}
	return slog.Default()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
