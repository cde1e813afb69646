package database

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/menta2k/image-retrieval/pkg/types"
)

// sqliteStore wraps a SQLite archive: one header row and one row per entry
// holding its gob encoded feature vector.
type sqliteStore struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &sqliteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archive_header (
            version INTEGER NOT NULL,
            mode TEXT NOT NULL,
            description TEXT,
            header BLOB NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS entries (
            id TEXT PRIMARY KEY,
            deep_rows INTEGER NOT NULL,
            deep_cols INTEGER NOT NULL,
            vector BLOB NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func gobBytes(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *sqliteStore) write(header Header, keys []string, entries map[string]types.FeatureVector) error {
	blob, err := gobBytes(header)
	if err != nil {
		return fmt.Errorf("unable to encode header: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM archive_header`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO archive_header (version, mode, description, header) VALUES (?, ?, ?, ?)`,
		header.Version, string(header.Mode), header.Describe(), blob); err != nil {
		return fmt.Errorf("unable to write header: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO entries (id, deep_rows, deep_cols, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range keys {
		fv := entries[key]
		blob, err := gobBytes(&fv)
		if err != nil {
			return fmt.Errorf("unable to encode entry %s: %w", key, err)
		}
		if _, err := stmt.Exec(key, fv.Deep.Rows, fv.Deep.Cols, blob); err != nil {
			return fmt.Errorf("unable to write entry %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) read() (Header, map[string]types.FeatureVector, error) {
	var (
		version int
		blob    []byte
	)
	row := s.db.QueryRow(`SELECT version, header FROM archive_header LIMIT 1`)
	if err := row.Scan(&version, &blob); err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to read header: %v", ErrCorruptArchive, err)
	}
	if version != archiveVersion {
		return Header{}, nil, fmt.Errorf("%w: archive version %d, supported %d", types.ErrConfiguration, version, archiveVersion)
	}
	var header Header
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&header); err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to decode header: %v", ErrCorruptArchive, err)
	}

	rows, err := s.db.Query(`SELECT id, vector FROM entries ORDER BY id`)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: unable to read entries: %v", ErrCorruptArchive, err)
	}
	defer rows.Close()

	entries := make(map[string]types.FeatureVector)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return Header{}, nil, fmt.Errorf("%w: unable to read entry: %v", ErrCorruptArchive, err)
		}
		var fv types.FeatureVector
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&fv); err != nil {
			return Header{}, nil, fmt.Errorf("%w: unable to decode entry %s: %v", ErrCorruptArchive, id, err)
		}
		entries[id] = fv
	}
	if err := rows.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return header, entries, nil
}

func saveSQLite(path string, header Header, keys []string, entries map[string]types.FeatureVector) error {
	s, err := openSQLite(path)
	if err != nil {
		return err
	}
	if err := s.write(header, keys, entries); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

func loadSQLite(path string) (Header, map[string]types.FeatureVector, error) {
	s, err := openSQLite(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer s.Close()
	return s.read()
}
