package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/menta2k/image-retrieval/pkg/database"
	"github.com/menta2k/image-retrieval/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration is invalid: %v", err)
	}
	if cfg.Database.Dir != "data" || cfg.Database.Name != "db" || cfg.Query.Matches != 10 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.Matching.Threshold != 30000 {
		t.Errorf("Expected threshold 30000, got %f", cfg.Matching.Threshold)
	}
	if cfg.ArchivePath() != "db"+database.DefaultExtension {
		t.Errorf("Unexpected archive path %s", cfg.ArchivePath())
	}
	if cfg.LogDir() != "" {
		t.Errorf("File logging should be off by default")
	}
	if cfg.Extraction.DeepBlockSize != 8 || cfg.Extraction.ShallowBlockSize != 16 {
		t.Errorf("Expected 8/16 blocks, got %d/%d", cfg.Extraction.DeepBlockSize, cfg.Extraction.ShallowBlockSize)
	}
}

func TestBlockSizesReachFeatures(t *testing.T) {
	cfg := Default()
	cfg.Extraction.DeepBlockSize = 16
	cfg.Extraction.ShallowBlockSize = 8
	fc, err := cfg.FeatureConfig()
	if err != nil {
		t.Fatalf("FeatureConfig failed: %v", err)
	}
	if fc.DeepBlockSize != 16 || fc.ShallowBlockSize != 8 {
		t.Errorf("Block sizes not carried over: %+v", fc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown family", func(c *Config) { c.Extraction.Family = "sym5" }},
		{"unknown pca", func(c *Config) { c.Extraction.PCA = "global" }},
		{"deep level", func(c *Config) { c.Extraction.DeepLevel = 12 }},
		{"deep block size", func(c *Config) { c.Extraction.DeepBlockSize = 4 }},
		{"shallow block size", func(c *Config) { c.Extraction.ShallowBlockSize = 32 }},
		{"beta", func(c *Config) { c.Matching.Beta = 1.5 }},
		{"negative weight", func(c *Config) { c.Matching.Weights.Channel[0] = -1 }},
		{"empty name", func(c *Config) { c.Database.Name = "" }},
		{"negative workers", func(c *Config) { c.Database.Workers = -3 }},
		{"bad timeout", func(c *Config) { c.Database.IndexTimeout = "soon" }},
		{"zero matches", func(c *Config) { c.Query.Matches = 0 }},
		{"quality", func(c *Config) { c.Query.Quality = 101 }},
		{"save format", func(c *Config) { c.Query.SaveFormat = "gif" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Extraction.PCA = "shared"
	cfg.Matching.Weights.Quadrant[0][0] = 4
	cfg.Database.IndexTimeout = "5s"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Extraction != cfg.Extraction || loaded.Matching != cfg.Matching || loaded.Database != cfg.Database {
		t.Errorf("Loaded configuration differs: %+v", loaded)
	}

	opts, err := loaded.DatabaseOptions(nil)
	if err != nil {
		t.Fatalf("DatabaseOptions failed: %v", err)
	}
	if opts.Features.PCA != types.PCAShared || opts.IndexTimeout != 5*time.Second || opts.Matching.Weights.Quadrant[0][0] != 4 {
		t.Errorf("Unexpected options: %+v", opts)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"query": {"matches": 3}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Query.Matches != 3 || cfg.Extraction.Family != "db8" || cfg.Query.Quality != 90 {
		t.Errorf("Partial file should keep defaults: %+v", cfg)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
	if err := os.WriteFile(path, []byte(`{`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for malformed file")
	}
}
