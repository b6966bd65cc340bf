package extract

import (
	"strings"

	"golang.org/x/text/cases"
)

// SignalKeywords mark columns holding issue-like free text.
var SignalKeywords = []string{"issue", "remark", "problem", "reason"}

// ContextKeywords mark columns that situate a row (when, which shift).
var ContextKeywords = []string{"date", "shift"}

// ColumnMatches reports whether a column name contains any keyword,
// comparing case-folded strings.
// Plain substring matching: "Reissue Date" matches both "issue" and "date".
func ColumnMatches(name string, keywords []string) bool {
	fold := cases.Fold()
	folded := fold.String(name)
	for _, kw := range keywords {
		if strings.Contains(folded, fold.String(kw)) {
			return true
		}
	}
	return false
}

// matchColumns returns the positions of columns matching any keyword.
func matchColumns(columns []string, keywords []string) []int {
	var positions []int
	for i, c := range columns {
		if ColumnMatches(c, keywords) {
			positions = append(positions, i)
		}
	}
	return positions
}

// projection merges two position lists into one ascending list without duplicates.
func projection(width int, a, b []int) []int {
	selected := make([]bool, width)
	for _, i := range a {
		selected[i] = true
	}
	for _, i := range b {
		selected[i] = true
	}

	var cols []int
	for i, ok := range selected {
		if ok {
			cols = append(cols, i)
		}
	}
	return cols
}
