package database

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/menta2k/image-retrieval/internal/logging"
	"github.com/menta2k/image-retrieval/internal/utils"
	"github.com/menta2k/image-retrieval/pkg/features"
	"github.com/menta2k/image-retrieval/pkg/types"
)

// archiveVersion is written first in every archive.
const archiveVersion = 2

// DefaultExtension is appended to archive names that carry none.
const DefaultExtension = ".wdb"

// ErrCorruptArchive marks an archive that exists but cannot be decoded.
var ErrCorruptArchive = errors.New("corrupt archive")

// Header describes how the vectors of an archive were computed. Vectors
// are only comparable with queries extracted under the same header.
type Header struct {
	Version int
	// Mode tags the reduction applied to every stored vector.
	Mode     types.PCAMode
	Features features.Config
	// Basis is set for shared PCA only.
	Basis   *features.Basis
	Created time.Time
}

// check reports whether an archive with this header may serve queries
// extracted with want.
func (h Header) check(want features.Config) error {
	if h.Version != archiveVersion {
		return fmt.Errorf("%w: archive version %d, supported %d", types.ErrConfiguration, h.Version, archiveVersion)
	}
	if h.Mode != h.Features.PCA {
		return fmt.Errorf("%w: archive mode tag %q disagrees with its parameters (%q)",
			types.ErrConfiguration, h.Mode, h.Features.PCA)
	}
	if h.Mode != want.PCA {
		return fmt.Errorf("%w: archive holds %q vectors, %q requested", types.ErrConfiguration, h.Mode, want.PCA)
	}
	if h.Features != want {
		return fmt.Errorf("%w: archive extraction parameters %+v differ from requested %+v",
			types.ErrConfiguration, h.Features, want)
	}
	if h.Mode == types.PCAShared && h.Basis == nil {
		return fmt.Errorf("%w: shared pca archive without basis", types.ErrConfiguration)
	}
	return nil
}

// Format selects an archive backend.
type Format int

const (
	// FormatGob is a gzip compressed gob stream.
	FormatGob Format = iota
	// FormatSQLite is a single file SQLite database.
	FormatSQLite
)

func (f Format) String() string {
	if f == FormatSQLite {
		return "sqlite"
	}
	return "gob"
}

// FormatFor picks the backend from the file extension: .sqlite, .sqlite3
// and .db are SQLite, everything else is gob.
func FormatFor(path string) Format {
	switch utils.GetFileExtension(path) {
	case "sqlite", "sqlite3", "db":
		return FormatSQLite
	}
	return FormatGob
}

// ArchivePath returns the archive path for a database name, adding the
// default extension when the name has none.
func ArchivePath(name string) string {
	if filepath.Ext(name) == "" {
		return name + DefaultExtension
	}
	return name
}

// Save writes the database to path. The file is replaced atomically.
func (db *Database) Save(path string) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	var err error
	switch FormatFor(path) {
	case FormatSQLite:
		err = saveSQLite(tmp, db.header, db.keys, db.entries)
	default:
		err = saveGob(tmp, db.header, db.keys, db.entries)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save database: %w", err)
	}

	logging.LogArchive(db.log, "saved", path, db.Len(), utils.FileSize(path))
	return nil
}

// Load reads an archive. It fails with a configuration error when the
// archive was built with other extraction parameters than opts.Features,
// and with ErrCorruptArchive when it cannot be decoded.
func Load(path string, opts Options) (*Database, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("failed to load %s: %w", path, os.ErrNotExist)
	}

	var (
		header  Header
		entries map[string]types.FeatureVector
		err     error
	)
	switch FormatFor(path) {
	case FormatSQLite:
		header, entries, err = loadSQLite(path)
	default:
		header, entries, err = loadGob(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := header.check(opts.Features); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	db, err := newDatabase(header, entries, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	logging.LogArchive(db.log, "loaded", path, db.Len(), utils.FileSize(path))
	return db, nil
}

func saveGob(path string, header Header, keys []string, entries map[string]types.FeatureVector) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buffered := bufio.NewWriter(f)
	if err := encodeGob(buffered, header, keys, entries); err != nil {
		return err
	}
	if err := buffered.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func encodeGob(w io.Writer, header Header, keys []string, entries map[string]types.FeatureVector) error {
	compressor := gzip.NewWriter(w)
	encoder := gob.NewEncoder(compressor)

	if err := encoder.Encode(archiveVersion); err != nil {
		return fmt.Errorf("unable to encode archive version: %w", err)
	}
	if err := encoder.Encode(header); err != nil {
		return fmt.Errorf("unable to encode header: %w", err)
	}
	if err := encoder.Encode(len(keys)); err != nil {
		return fmt.Errorf("unable to encode entry count: %w", err)
	}
	for _, key := range keys {
		if err := encoder.Encode(key); err != nil {
			return fmt.Errorf("unable to encode entry id: %w", err)
		}
		fv := entries[key]
		if err := encoder.Encode(&fv); err != nil {
			return fmt.Errorf("unable to encode entry %s: %w", key, err)
		}
	}
	return compressor.Close()
}

func loadGob(path string) (Header, map[string]types.FeatureVector, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return decodeGob(bufio.NewReader(f))
}

func decodeGob(r io.Reader) (Header, map[string]types.FeatureVector, error) {
	decompressor, err := gzip.NewReader(r)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to open decompressor: %v", ErrCorruptArchive, err)
	}
	defer decompressor.Close()
	decoder := gob.NewDecoder(decompressor)

	var version int
	if err := decoder.Decode(&version); err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to decode archive version: %v", ErrCorruptArchive, err)
	}
	if version != archiveVersion {
		return Header{}, nil, fmt.Errorf("%w: archive version %d, supported %d", types.ErrConfiguration, version, archiveVersion)
	}

	var header Header
	if err := decoder.Decode(&header); err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to decode header: %v", ErrCorruptArchive, err)
	}
	var size int
	if err := decoder.Decode(&size); err != nil || size < 0 {
		return Header{}, nil, fmt.Errorf("%w: unable to decode entry count: %v", ErrCorruptArchive, err)
	}

	entries := make(map[string]types.FeatureVector, size)
	for i := 0; i < size; i++ {
		var key string
		if err := decoder.Decode(&key); err != nil {
			return Header{}, nil, fmt.Errorf("%w: unable to decode entry id: %v", ErrCorruptArchive, err)
		}
		var fv types.FeatureVector
		if err := decoder.Decode(&fv); err != nil {
			return Header{}, nil, fmt.Errorf("%w: unable to decode entry %s: %v", ErrCorruptArchive, key, err)
		}
		entries[key] = fv
	}
	return header, entries, nil
}

func sortedKeys(entries map[string]types.FeatureVector) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns a one line summary of a header for listings.
func (h Header) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d %s pca=%s levels=%d/%d blocks=%d/%d",
		h.Version, h.Features.Family, h.Mode, h.Features.ShallowLevel, h.Features.DeepLevel,
		h.Features.DeepBlockSize, h.Features.ShallowBlockSize)
	if h.Mode.Reduced() {
		fmt.Fprintf(&b, " components=%d", h.Features.Components)
	}
	return b.String()
}
