package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SupportedExtensions lists the file extensions read as source documents.
var SupportedExtensions = []string{".xlsx", ".xlsm", ".csv"}

// IsSupported reports whether a file name looks like a readable report.
// Hidden files and Office lock files ("~$report.xlsx") are excluded.
func IsSupported(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ReadFile reads a source document from disk.
func ReadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("reading file: %w", err)
	}
	return ReadTable(filepath.Base(path), bytes.NewReader(data))
}

// ReadTable parses a source document, choosing the format by the name's extension.
// The name becomes the table's source label.
func ReadTable(name string, r io.Reader) (Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return readWorkbook(name, r)
	case ".csv":
		return readCSV(name, r)
	default:
		return Table{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, name)
	}
}

// readWorkbook reads the first worksheet of an Excel workbook.
func readWorkbook(name string, r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, ErrNoSheets
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}

	t := NewTable(name, rows)
	t.Sheet = sheets[0]
	return t, nil
}

// readCSV reads a comma-separated file with a header row.
func readCSV(name string, r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\uFEFF")
	}
	return NewTable(name, records), nil
}

// NewTable builds a Table from raw rows whose first row is the header.
//
// The table is as wide as its widest row. Blank header cells become
// "Unnamed: <i>" and repeated names get ".1", ".2" suffixes, so every column
// has a distinct name. Short rows are padded with empty cells.
func NewTable(name string, raw [][]string) Table {
	t := Table{Name: name}
	if len(raw) == 0 {
		return t
	}

	width := 0
	for _, row := range raw {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return t
	}

	seen := make(map[string]int, width)
	t.Columns = make([]string, width)
	for i := 0; i < width; i++ {
		col := ""
		if i < len(raw[0]) {
			col = strings.TrimSpace(raw[0][i])
		}
		if col == "" {
			col = "Unnamed: " + strconv.Itoa(i)
		}
		if n, dup := seen[col]; dup {
			seen[col] = n + 1
			col = col + "." + strconv.Itoa(n+1)
		} else {
			seen[col] = 0
		}
		t.Columns[i] = col
	}

	t.Rows = make([][]string, 0, len(raw)-1)
	for _, row := range raw[1:] {
		padded := make([]string, width)
		copy(padded, row)
		t.Rows = append(t.Rows, padded)
	}
	return t
}

// HashFile returns the hex SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
