package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/menta2k/image-retrieval/internal/logging"
	"github.com/menta2k/image-retrieval/internal/utils"
	"github.com/menta2k/image-retrieval/pkg/features"
	"github.com/menta2k/image-retrieval/pkg/processing"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// Report summarizes a generation pass.
type Report struct {
	Dir   string
	Files int
	// Failures holds one EntryError per skipped file, keyed by file name.
	Failures []error
	Duration time.Duration
}

// Entries returns the number of files that produced an entry.
func (r *Report) Entries() int {
	return r.Files - len(r.Failures)
}

type extraction struct {
	fv  types.FeatureVector
	err error
}

// Generate extracts one feature vector per image file directly inside dir
// and returns the resulting database. Files are processed concurrently and
// merged in lexicographic order. A file that cannot be decoded, or whose
// key is already taken, is recorded in the report and skipped.
//
// With shared PCA the raw vectors of all files are collected first, the
// basis is fitted over them and every vector is projected onto it.
func Generate(ctx context.Context, dir string, opts Options) (*Database, *Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	if !utils.DirExists(dir) {
		return nil, nil, fmt.Errorf("%w: source directory %s does not exist", types.ErrConfiguration, dir)
	}
	files, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}

	extractor, err := features.NewWithConfig(opts.Features)
	if err != nil {
		return nil, nil, err
	}
	shared := opts.Features.PCA == types.PCAShared

	log := opts.logger()
	logging.LogGenerationStart(log, dir, len(files), map[string]any{
		"family":  opts.Features.Family,
		"levels":  fmt.Sprintf("%d/%d", opts.Features.ShallowLevel, opts.Features.DeepLevel),
		"pca":     opts.Features.PCA,
		"workers": opts.workers(),
	})
	start := time.Now()

	processor := processing.NewProcessor()
	extract := func(path string) (types.FeatureVector, error) {
		img, err := processor.LoadImage(path)
		if err != nil {
			return types.FeatureVector{}, err
		}
		if shared {
			return extractor.ExtractRaw(img)
		}
		return extractor.Extract(img)
	}

	results, err := extractAll(ctx, files, extract, opts.workers())
	if err != nil {
		return nil, nil, fmt.Errorf("generation interrupted: %w", err)
	}

	report := &Report{Dir: dir, Files: len(files)}
	entries := make(map[string]types.FeatureVector, len(files))
	owner := make(map[string]string, len(files))
	for i, path := range files {
		name := filepath.Base(path)
		key := utils.ImageKey(path)
		res := results[i]
		if res.err == nil {
			if first, taken := owner[key]; taken {
				res.err = fmt.Errorf("%w: %q already provided by %s", types.ErrDuplicateKey, key, first)
			}
		}
		if res.err != nil {
			log.Warn("skipping image", "file", name, "error", res.err)
			report.Failures = append(report.Failures, &types.EntryError{ID: name, Err: res.err})
			continue
		}
		entries[key] = res.fv
		owner[key] = name
	}

	header := Header{
		Version:  archiveVersion,
		Mode:     opts.Features.PCA,
		Features: opts.Features,
		Created:  time.Now().UTC(),
	}
	if shared {
		if header.Basis, err = projectShared(entries, opts.Features.Components); err != nil {
			return nil, nil, err
		}
	}

	db, err := newDatabase(header, entries, opts)
	if err != nil {
		return nil, nil, err
	}
	report.Duration = time.Since(start)
	logging.LogGenerationComplete(log, dir, db.Len(), len(report.Failures), report.Duration)
	return db, report, nil
}

// extractAll runs extract over files with a bounded pool of workers. Each
// worker writes only the result slots of the files it took, so no locking
// is needed.
func extractAll(ctx context.Context, files []string, extract func(string) (types.FeatureVector, error), workers int) ([]extraction, error) {
	results := make([]extraction, len(files))
	jobs := make(chan int, workers*2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fv, err := extract(files[i])
				results[i] = extraction{fv: fv, err: err}
			}
		}()
	}

	var err error
feed:
	for i := range files {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return results, err
}

// projectShared fits a basis over the raw entries in key order and replaces
// every entry by its projection.
func projectShared(entries map[string]types.FeatureVector, components int) (*features.Basis, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: shared pca needs at least one decodable image", types.ErrConfiguration)
	}
	keys := sortedKeys(entries)
	raw := make([]types.FeatureVector, len(keys))
	for i, key := range keys {
		raw[i] = entries[key]
	}

	basis, err := features.FitBasis(raw, components)
	if err != nil {
		return nil, fmt.Errorf("failed to fit shared basis: %w", err)
	}
	for _, key := range keys {
		projected, err := basis.Project(entries[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		entries[key] = projected
	}
	return basis, nil
}

// BuildOrLoad loads the archive at path when it exists and was built with
// the requested extraction parameters. Otherwise the collection in dir is
// generated and saved to path. An archive built with other parameters is a
// configuration error and is left untouched; an unreadable archive is
// regenerated. The report is nil when the archive was loaded.
func BuildOrLoad(ctx context.Context, path, dir string, opts Options) (*Database, *Report, error) {
	log := opts.logger()
	if utils.FileExists(path) {
		db, err := Load(path, opts)
		if err == nil {
			return db, nil, nil
		}
		if !errors.Is(err, ErrCorruptArchive) {
			return nil, nil, err
		}
		log.Warn("regenerating unreadable database archive", "path", path, "error", err)
	}

	db, report, err := Generate(ctx, dir, opts)
	if err != nil {
		return nil, nil, err
	}
	if parent := filepath.Dir(path); parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	if err := db.Save(path); err != nil {
		return nil, nil, err
	}
	return db, report, nil
}
