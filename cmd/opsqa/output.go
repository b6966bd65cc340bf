package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/califonix/opsqa/internal/config"
	"github.com/califonix/opsqa/internal/corpus"
	"github.com/califonix/opsqa/internal/extract"
	"github.com/califonix/opsqa/internal/generate"
	"github.com/califonix/opsqa/internal/index"
	"github.com/califonix/opsqa/internal/rag"
)

// Constants for output formatting.
const (
	SnippetMaxLen = 100 // Used in search hit summaries
	ErrorMaxLen   = 60  // Used for skipped-document reasons in listings
)

// Errors raised by command helpers, mapped to exit codes by exitCodeFor.
var (
	errDataDirMissing        = errors.New("data directory not found")
	errOllamaUnavailable     = errors.New("ollama is not running")
	errEmbeddingModelMissing = errors.New("embedding model not found")
	errIncompatibleSnapshot  = errors.New("snapshot was built with different embedding dimensions")
)

// outputJSON writes a value as formatted JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError writes an error message to stderr and returns the exit code.
func outputError(code int, format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return code
}

// exitWithError outputs an error in the appropriate format (human or JSON) and exits.
func exitWithError(code int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if humanOutput {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	} else {
		outputJSON(ErrorResponse{Error: msg})
	}
	os.Exit(code)
}

// exitCodeFor maps an error returned by the pipeline to a process exit code.
func exitCodeFor(err error) int {
	var failure *generate.Failure
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &failure):
		return ExitGenerationFailed
	case errors.Is(err, config.ErrNotRepository),
		errors.Is(err, corpus.ErrSnapshotNotFound),
		errors.Is(err, corpus.ErrInconsistent),
		errors.Is(err, index.ErrBadFormat),
		errors.Is(err, index.ErrDimensionMismatch),
		errors.Is(err, errIncompatibleSnapshot):
		return ExitConfigError
	case errors.Is(err, errDataDirMissing), errors.Is(err, errOllamaUnavailable):
		return ExitDataError
	case errors.Is(err, extract.ErrEmptyCorpus):
		return ExitEmptyCorpus
	case errors.Is(err, errEmbeddingModelMissing):
		return ExitModelNotFound
	default:
		return ExitError
	}
}

// exitOnError exits with the mapped code when err is non-nil.
func exitOnError(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	exitWithError(exitCodeFor(err), "%s: %v", fmt.Sprintf(format, args...), err)
}

// StatusResponse is a generic response for commands that return status.
type StatusResponse struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
}

// UpdateResponse is the response for config set commands.
type UpdateResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// ErrorResponse is a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// printHitsHuman prints retrieved snippets in human-readable format.
func printHitsHuman(hits []rag.Hit) {
	for i, h := range hits {
		fmt.Printf("%d. [%.4f] %s #%d\n", i+1, h.Distance, h.Source, h.Position)
		fmt.Printf("   %s\n\n", truncateString(h.Text, SnippetMaxLen))
	}
}

// truncateString truncates a string to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// formatBytes formats bytes in a human-readable way.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
