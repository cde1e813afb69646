package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/menta2k/image-retrieval/pkg/database"
	"github.com/menta2k/image-retrieval/pkg/features"
	"github.com/menta2k/image-retrieval/pkg/matcher"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Extraction ExtractionConfig `json:"extraction"`
	Matching   MatchingConfig   `json:"matching"`
	Database   DatabaseConfig   `json:"database"`
	Query      QueryConfig      `json:"query"`
	Logging    LoggingConfig    `json:"logging"`
}

// ExtractionConfig holds the feature extraction parameters
type ExtractionConfig struct {
	Size             int    `json:"size"`
	ShallowLevel     int    `json:"shallow_level"`
	DeepLevel        int    `json:"deep_level"`
	DeepBlockSize    int    `json:"deep_block_size"`
	ShallowBlockSize int    `json:"shallow_block_size"`
	Family           string `json:"family"`
	PCA              string `json:"pca"`
	Components       int    `json:"components"`
}

// MatchingConfig holds the three stage matcher parameters
type MatchingConfig struct {
	Beta      float64       `json:"beta"`
	Threshold float64       `json:"threshold"`
	Weights   types.Weights `json:"weights"`
}

// DatabaseConfig holds the collection and archive settings
type DatabaseConfig struct {
	Dir          string `json:"dir"`
	Name         string `json:"name"`
	Workers      int    `json:"workers"`
	IndexTimeout string `json:"index_timeout"`
	UseIndex     bool   `json:"use_index"`
}

// QueryConfig holds the query and result settings
type QueryConfig struct {
	Matches    int    `json:"matches"`
	OutputDir  string `json:"output_dir"`
	SaveFormat string `json:"save_format"`
	Quality    int    `json:"quality"`
}

// LoggingConfig holds the logging settings
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Default returns a configuration with default values
func Default() *Config {
	fc := features.DefaultConfig()
	mc := matcher.DefaultConfig()
	return &Config{
		Extraction: ExtractionConfig{
			Size:             fc.Size,
			ShallowLevel:     fc.ShallowLevel,
			DeepLevel:        fc.DeepLevel,
			DeepBlockSize:    fc.DeepBlockSize,
			ShallowBlockSize: fc.ShallowBlockSize,
			Family:           fc.Family,
			PCA:              string(fc.PCA),
			Components:       fc.Components,
		},
		Matching: MatchingConfig{
			Beta:      mc.Beta,
			Threshold: mc.Threshold,
			Weights:   mc.Weights,
		},
		Database: DatabaseConfig{
			Dir:          "data",
			Name:         "db",
			Workers:      runtime.NumCPU(),
			IndexTimeout: database.DefaultIndexTimeout.String(),
			UseIndex:     false,
		},
		Query: QueryConfig{
			Matches:    10,
			OutputDir:  "./output",
			SaveFormat: "png",
			Quality:    90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.FeatureConfig(); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	if _, err := c.MatcherConfig(); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("%w: database.name cannot be empty", types.ErrConfiguration)
	}
	if c.Database.Workers < 0 {
		return fmt.Errorf("%w: database.workers must not be negative", types.ErrConfiguration)
	}
	if _, err := c.indexTimeout(); err != nil {
		return err
	}
	if c.Query.Matches < 1 {
		return fmt.Errorf("%w: query.matches must be positive", types.ErrConfiguration)
	}
	if c.Query.Quality < 1 || c.Query.Quality > 100 {
		return fmt.Errorf("%w: query.quality must be between 1 and 100", types.ErrConfiguration)
	}
	switch strings.ToLower(c.Query.SaveFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("%w: query.save_format must be png, jpg or webp", types.ErrConfiguration)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "traditional":
	default:
		return fmt.Errorf("%w: logging.format must be text, json or traditional", types.ErrConfiguration)
	}
	return nil
}

// FeatureConfig converts the extraction section.
func (c *Config) FeatureConfig() (features.Config, error) {
	mode, err := types.ParsePCAMode(c.Extraction.PCA)
	if err != nil {
		return features.Config{}, err
	}
	fc := features.Config{
		Size:             c.Extraction.Size,
		ShallowLevel:     c.Extraction.ShallowLevel,
		DeepLevel:        c.Extraction.DeepLevel,
		DeepBlockSize:    c.Extraction.DeepBlockSize,
		ShallowBlockSize: c.Extraction.ShallowBlockSize,
		Family:           c.Extraction.Family,
		PCA:              mode,
		Components:       c.Extraction.Components,
	}
	if err := fc.Validate(); err != nil {
		return features.Config{}, err
	}
	return fc, nil
}

// MatcherConfig converts the matching section.
func (c *Config) MatcherConfig() (matcher.Config, error) {
	mc := matcher.Config{
		Beta:      c.Matching.Beta,
		Threshold: c.Matching.Threshold,
		Weights:   c.Matching.Weights,
	}
	if err := mc.Validate(); err != nil {
		return matcher.Config{}, err
	}
	return mc, nil
}

func (c *Config) indexTimeout() (time.Duration, error) {
	if c.Database.IndexTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Database.IndexTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: database.index_timeout %q is not a valid duration", types.ErrConfiguration, c.Database.IndexTimeout)
	}
	return d, nil
}

// DatabaseOptions assembles the options for generating, loading and
// ranking a database.
func (c *Config) DatabaseOptions(logger *slog.Logger) (database.Options, error) {
	fc, err := c.FeatureConfig()
	if err != nil {
		return database.Options{}, fmt.Errorf("extraction: %w", err)
	}
	mc, err := c.MatcherConfig()
	if err != nil {
		return database.Options{}, fmt.Errorf("matching: %w", err)
	}
	timeout, err := c.indexTimeout()
	if err != nil {
		return database.Options{}, err
	}
	return database.Options{
		Features:     fc,
		Matching:     mc,
		Workers:      c.Database.Workers,
		IndexTimeout: timeout,
		Logger:       logger,
	}, nil
}

// ArchivePath returns the archive location: the database name, with the
// default extension when it has none.
func (c *Config) ArchivePath() string {
	return database.ArchivePath(c.Database.Name)
}

// LogDir returns the log directory, or "" when file output is disabled.
func (c *Config) LogDir() string {
	if !c.Logging.FileOutput {
		return ""
	}
	return c.Logging.LogDir
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-retrieval", "config.json")
}
