// Package storage keeps a SQLite log of index builds and the per-document
// outcome of each, used for reporting and staleness detection.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Document statuses, matching the extraction modes.
const (
	StatusIssues   = "issues"
	StatusFallback = "fallback"
	StatusSkipped  = "skipped"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps a SQLite database connection.
type DB struct {
	db *sql.DB
}

// BuildRecord summarizes one successful index build.
type BuildRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	DataDir    string    `json:"data_dir"`
	Documents  int       `json:"documents"`
	Units      int       `json:"units"`
	Skipped    int       `json:"skipped"`
}

// DocumentRecord is the outcome for one source file in a build.
type DocumentRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Units  int    `json:"units"`
	SHA256 string `json:"sha256,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OpenDB opens or creates a SQLite database at the given path.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// createSchema creates the database schema if it doesn't exist.
func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			data_dir TEXT,
			documents INTEGER NOT NULL,
			units INTEGER NOT NULL,
			skipped INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_builds_finished ON builds(finished_at);

		CREATE TABLE IF NOT EXISTS build_documents (
			build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('issues', 'fallback', 'skipped')),
			units INTEGER NOT NULL,
			sha256 TEXT,
			error TEXT,
			PRIMARY KEY (build_id, name)
		);
	`

	_, err := db.Exec(schema)
	return err
}

// RecordBuild stores a build and its document outcomes in one transaction.
func (d *DB) RecordBuild(b BuildRecord, docs []DocumentRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO builds (id, started_at, finished_at, model, dimensions, data_dir, documents, units, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, formatTime(b.StartedAt), formatTime(b.FinishedAt), b.Model, b.Dimensions,
		nullableString(b.DataDir), b.Documents, b.Units, b.Skipped)
	if err != nil {
		return fmt.Errorf("inserting build %s: %w", b.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO build_documents (build_id, name, status, units, sha256, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing document insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		_, err := stmt.Exec(b.ID, doc.Name, doc.Status, doc.Units,
			nullableString(doc.SHA256), nullableString(doc.Error))
		if err != nil {
			return fmt.Errorf("inserting document %s: %w", doc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing build %s: %w", b.ID, err)
	}
	return nil
}

const selectBuildFields = `id, started_at, finished_at, model, dimensions, data_dir, documents, units, skipped`

// LatestBuild returns the most recently finished build, or nil if none is recorded.
func (d *DB) LatestBuild() (*BuildRecord, error) {
	row := d.db.QueryRow(`SELECT ` + selectBuildFields + ` FROM builds ORDER BY finished_at DESC, rowid DESC LIMIT 1`)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest build: %w", err)
	}
	return b, nil
}

// GetBuild returns the build with the given id, or nil if not found.
func (d *DB) GetBuild(id string) (*BuildRecord, error) {
	row := d.db.QueryRow(`SELECT `+selectBuildFields+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying build %s: %w", id, err)
	}
	return b, nil
}

// ListBuilds returns recorded builds, newest first. A limit of 0 returns all.
func (d *DB) ListBuilds(limit int) ([]BuildRecord, error) {
	query := `SELECT ` + selectBuildFields + ` FROM builds ORDER BY finished_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	defer rows.Close()

	var builds []BuildRecord
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

// CountBuilds returns the number of recorded builds.
func (d *DB) CountBuilds() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM builds").Scan(&count)
	return count, err
}

// BuildDocuments returns the document outcomes of a build, ordered by name.
func (d *DB) BuildDocuments(buildID string) ([]DocumentRecord, error) {
	rows, err := d.db.Query(`
		SELECT name, status, units, sha256, error
		FROM build_documents
		WHERE build_id = ?
		ORDER BY name
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("querying documents for build %s: %w", buildID, err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var doc DocumentRecord
		var sha, errText sql.NullString
		if err := rows.Scan(&doc.Name, &doc.Status, &doc.Units, &sha, &errText); err != nil {
			return nil, err
		}
		doc.SHA256 = sha.String
		doc.Error = errText.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// PruneBuilds deletes all but the newest keep builds and returns how many were removed.
func (d *DB) PruneBuilds(keep int) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM builds ORDER BY finished_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.Exec(`DELETE FROM build_documents WHERE build_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("pruning build documents: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM builds WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning builds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// Changes describes how the current data directory differs from a recorded build.
type Changes struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// Stale reports whether any document was added, modified or removed.
func (c Changes) Stale() bool {
	return len(c.Added)+len(c.Modified)+len(c.Removed) > 0
}

// Diff compares recorded document hashes against the current name→sha256 map.
func Diff(recorded []DocumentRecord, current map[string]string) Changes {
	var c Changes
	known := make(map[string]string, len(recorded))
	for _, doc := range recorded {
		known[doc.Name] = doc.SHA256
	}

	for name, sum := range current {
		prev, ok := known[name]
		switch {
		case !ok:
			c.Added = append(c.Added, name)
		case prev != sum:
			c.Modified = append(c.Modified, name)
		}
	}
	for name := range known {
		if _, ok := current[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}

	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Removed)
	return c
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuild(s scanner) (*BuildRecord, error) {
	var b BuildRecord
	var started, finished string
	var dataDir sql.NullString
	err := s.Scan(&b.ID, &started, &finished, &b.Model, &b.Dimensions, &dataDir, &b.Documents, &b.Units, &b.Skipped)
	if err != nil {
		return nil, err
	}

	if b.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parsing started_at for %s: %w", b.ID, err)
	}
	if b.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return nil, fmt.Errorf("parsing finished_at for %s: %w", b.ID, err)
	}
	b.DataDir = dataDir.String
	return &b, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullableString converts an empty string to SQL NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
