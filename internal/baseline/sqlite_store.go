package baseline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"darklock/internal/errs"
)

// SQLiteStore is the durable backend for baseline versions, keyed by
// (path_id, version). The spec treats baseline persistence as an opaque
// ordered-record store; this is one concrete backend for it.
type SQLiteStore struct {
	db *sql.DB
}

const baselineSchema = `
CREATE TABLE IF NOT EXISTS baselines (
	path_id      TEXT    NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TEXT    NOT NULL,
	device_id    TEXT    NOT NULL,
	entries_json BLOB    NOT NULL,
	signature    BLOB    NOT NULL,
	PRIMARY KEY (path_id, version)
);
`

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed baseline
// store at dbPath and applies its schema.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errs.New(errs.IoTransient, "baseline.OpenSQLiteStore", err)
	}
	if _, err := db.Exec(baselineSchema); err != nil {
		db.Close()
		return nil, errs.New(errs.IoTransient, "baseline.OpenSQLiteStore", fmt.Errorf("applying schema: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Persist durably records b. Callers are expected to have already signed b
// via Baseline.Sign before calling this.
func (s *SQLiteStore) Persist(pathID string, b *Baseline) error {
	entriesJSON, err := json.Marshal(b.Entries)
	if err != nil {
		return errs.New(errs.IoTransient, "SQLiteStore.Persist", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO baselines (path_id, version, created_at, device_id, entries_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pathID, b.Version, b.CreatedAt.UTC().Format(time.RFC3339Nano), b.DeviceID, entriesJSON, b.Signature,
	)
	if err != nil {
		return errs.New(errs.IoTransient, "SQLiteStore.Persist", err)
	}
	return nil
}

// LoadLatest returns the highest-versioned baseline stored for pathID, or
// nil if none exists.
func (s *SQLiteStore) LoadLatest(pathID string) (*Baseline, error) {
	row := s.db.QueryRow(
		`SELECT version, created_at, device_id, entries_json, signature
		 FROM baselines WHERE path_id = ? ORDER BY version DESC LIMIT 1`,
		pathID,
	)
	return scanBaseline(row)
}

// LoadVersion returns a specific version of a baseline for pathID, or nil
// if that version does not exist.
func (s *SQLiteStore) LoadVersion(pathID string, version int) (*Baseline, error) {
	row := s.db.QueryRow(
		`SELECT version, created_at, device_id, entries_json, signature
		 FROM baselines WHERE path_id = ? AND version = ?`,
		pathID, version,
	)
	return scanBaseline(row)
}

// PruneOlderThan deletes baseline versions for pathID below minVersion,
// mirroring Store.pruneLocked's retention policy for the durable backend.
func (s *SQLiteStore) PruneOlderThan(pathID string, minVersion int) error {
	_, err := s.db.Exec(`DELETE FROM baselines WHERE path_id = ? AND version < ?`, pathID, minVersion)
	if err != nil {
		return errs.New(errs.IoTransient, "SQLiteStore.PruneOlderThan", err)
	}
	return nil
}

// DeleteAll removes every version stored for pathID, mirroring
// Store.ResetBaseline for the durable backend. Callers must gate this
// behind explicit user confirmation.
func (s *SQLiteStore) DeleteAll(pathID string) error {
	_, err := s.db.Exec(`DELETE FROM baselines WHERE path_id = ?`, pathID)
	if err != nil {
		return errs.New(errs.IoTransient, "SQLiteStore.DeleteAll", err)
	}
	return nil
}

func scanBaseline(row *sql.Row) (*Baseline, error) {
	var (
		version     int
		createdAt   string
		deviceID    string
		entriesJSON []byte
		signature   []byte
	)
	if err := row.Scan(&version, &createdAt, &deviceID, &entriesJSON, &signature); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.New(errs.IoTransient, "baseline.scanBaseline", err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(entriesJSON, &entries); err != nil {
		return nil, errs.New(errs.IoTransient, "baseline.scanBaseline", err)
	}

	createdAtParsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errs.New(errs.IoTransient, "baseline.scanBaseline", err)
	}

	return &Baseline{
		Version:   version,
		CreatedAt: createdAtParsed,
		DeviceID:  deviceID,
		Entries:   entries,
		Signature: signature,
	}, nil
}
