package extract

import (
	"strings"
	"unicode/utf8"
)

// Extract derives text units from a table.
//
// When the table has issue-like columns, each non-empty row is projected onto
// the date/shift and issue-like columns and joined with Delimiter. Otherwise
// the whole sheet is rendered as a single unit. A table with no columns yields
// no units.
func Extract(t Table) ([]Unit, Mode) {
	signal := matchColumns(t.Columns, SignalKeywords)
	if len(signal) == 0 {
		text := Render(t)
		if text == "" {
			return nil, ModeFallback
		}
		return []Unit{{Text: text, Source: t.Name}}, ModeFallback
	}

	context := matchColumns(t.Columns, ContextKeywords)
	cols := projection(len(t.Columns), context, signal)

	// Drop rows with nothing in any projected column
	var rows []int
	for r, row := range t.Rows {
		if !isBlankProjection(row, cols) {
			rows = append(rows, r)
		}
	}

	// Drop projected columns with nothing in any kept row
	var kept []int
	for _, c := range cols {
		for _, r := range rows {
			if !isBlank(t.Rows[r][c]) {
				kept = append(kept, c)
				break
			}
		}
	}

	units := make([]Unit, 0, len(rows))
	values := make([]string, len(kept))
	for _, r := range rows {
		for i, c := range kept {
			values[i] = strings.TrimSpace(t.Rows[r][c])
		}
		units = append(units, Unit{
			Text:   strings.Join(values, Delimiter),
			Source: t.Name,
			Row:    r + 1,
		})
	}
	return units, ModeIssues
}

// Render serializes a whole table as aligned plain text: a header line and one
// line per non-blank row, each column right-aligned to its widest value.
func Render(t Table) string {
	if len(t.Columns) == 0 {
		return ""
	}

	lines := [][]string{t.Columns}
	for _, row := range t.Rows {
		if isBlankRow(row) {
			continue
		}
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = strings.TrimSpace(v)
		}
		lines = append(lines, cells)
	}

	widths := make([]int, len(t.Columns))
	for _, line := range lines {
		for i, v := range line {
			if n := utf8.RuneCountInString(v); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	for li, line := range lines {
		if li > 0 {
			sb.WriteByte('\n')
		}
		for i, v := range line {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(v)))
			sb.WriteString(v)
		}
	}
	return sb.String()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if !isBlank(v) {
			return false
		}
	}
	return true
}

func isBlankProjection(row []string, cols []int) bool {
	for _, c := range cols {
		if !isBlank(row[c]) {
			return false
		}
	}
	return true
}
