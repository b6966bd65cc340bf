// Package extract turns spreadsheet reports into retrievable text units.
package extract

import (
	"errors"
	"fmt"
)

// Errors returned by extraction.
var (
	ErrEmptyCorpus     = errors.New("no text units could be extracted")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrNoSheets        = errors.New("workbook has no sheets")
)

// Delimiter joins projected cell values into one text unit.
const Delimiter = " | "

// Table is one tabular source document: a header row and data rows.
type Table struct {
	Name    string     // Source label (file base name)
	Sheet   string     // Worksheet name; empty for CSV
	Columns []string   // Header names, unique and non-empty
	Rows    [][]string // Data rows, each exactly len(Columns) wide
}

// Unit is one retrievable string derived from a Table.
type Unit struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Row    int    `json:"row"` // 1-based data row; 0 for a whole-sheet unit
}

// Mode describes how a document contributed to the corpus.
type Mode string

const (
	ModeIssues   Mode = "issues"   // projected onto issue/remark columns
	ModeFallback Mode = "fallback" // whole sheet emitted as one unit
	ModeSkipped  Mode = "skipped"  // unreadable, contributed nothing
)

// Document is the extraction outcome for one source file.
type Document struct {
	Name   string
	Path   string
	SHA256 string
	Mode   Mode
	Units  []Unit
	Err    error // non-nil only when Mode is ModeSkipped
}

// Skipped reports a document that could not be parsed.
type Skipped struct {
	Name string
	Err  error
}

func (e *Skipped) Error() string {
	return fmt.Sprintf("skipped %s: %v", e.Name, e.Err)
}

func (e *Skipped) Unwrap() error {
	return e.Err
}

// Result holds the outcome of extracting a directory, ordered by document name.
type Result struct {
	Documents []Document
}

// Units returns all units in document order, preserving row order within each document.
func (r *Result) Units() []Unit {
	var units []Unit
	for _, d := range r.Documents {
		units = append(units, d.Units...)
	}
	return units
}

// Skipped returns the documents that could not be parsed.
func (r *Result) Skipped() []Document {
	var skipped []Document
	for _, d := range r.Documents {
		if d.Mode == ModeSkipped {
			skipped = append(skipped, d)
		}
	}
	return skipped
}

// Count returns the number of documents with the given mode.
func (r *Result) Count(mode Mode) int {
	n := 0
	for _, d := range r.Documents {
		if d.Mode == mode {
			n++
		}
	}
	return n
}
