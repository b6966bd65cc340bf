// Package corpus holds the retrievable corpus: an index plus the text and
// source label for every indexed position, built and persisted as one unit.
package corpus

import (
	"errors"
	"fmt"
	"time"

	"github.com/califonix/opsqa/internal/index"
)

// Errors returned by snapshot operations.
var (
	ErrSnapshotNotFound = errors.New("corpus snapshot not found")
	ErrInconsistent     = errors.New("corpus snapshot is inconsistent")
	ErrLocked           = errors.New("corpus snapshot is locked by another process")
)

// CurrentManifestVersion is the manifest format version.
// Increment this when making breaking changes to the snapshot layout.
const CurrentManifestVersion = 1

// Record is the text and source label stored at one index position.
type Record struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Manifest describes how a snapshot was built.
type Manifest struct {
	Version         int       `json:"version"`
	BuildID         string    `json:"build_id,omitempty"`
	ModelName       string    `json:"model_name,omitempty"`
	Dimensions      int       `json:"dimensions"`
	Records         int       `json:"records"`
	Documents       int       `json:"documents"`
	CreatedAt       time.Time `json:"created_at"`
	BuildDurationMs int64     `json:"build_duration_ms"`
}

// Snapshot is an index and its records. Position i of Records is the text
// whose embedding is vector i of Index. A Snapshot is never mutated after
// construction, so it may be shared freely between goroutines.
type Snapshot struct {
	Index    *index.Flat
	Records  []Record
	Manifest Manifest
}

// New assembles a snapshot, refusing one whose index and records disagree in length.
// Manifest counts are filled in from the data.
func New(idx *index.Flat, records []Record, m Manifest) (*Snapshot, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: nil index", ErrInconsistent)
	}
	if idx.Len() != len(records) {
		return nil, fmt.Errorf("%w: index has %d vectors but %d records", ErrInconsistent, idx.Len(), len(records))
	}

	if m.Version == 0 {
		m.Version = CurrentManifestVersion
	}
	m.Dimensions = idx.Dimensions()
	m.Records = len(records)
	m.Documents = len(distinctSources(records))

	return &Snapshot{Index: idx, Records: records, Manifest: m}, nil
}

// Len returns the number of indexed records.
func (s *Snapshot) Len() int {
	return len(s.Records)
}

// Texts returns the text units in index order.
func (s *Snapshot) Texts() []string {
	texts := make([]string, len(s.Records))
	for i, r := range s.Records {
		texts[i] = r.Text
	}
	return texts
}

// Sources returns the source labels in index order.
func (s *Snapshot) Sources() []string {
	sources := make([]string, len(s.Records))
	for i, r := range s.Records {
		sources[i] = r.Source
	}
	return sources
}

// distinctSources returns the set of source labels.
func distinctSources(records []Record) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range records {
		set[r.Source] = struct{}{}
	}
	return set
}
