package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/califonix/opsqa/internal/config"
	"github.com/califonix/opsqa/internal/corpus"
	"github.com/califonix/opsqa/internal/embedding"
	"github.com/califonix/opsqa/internal/extract"
	"github.com/califonix/opsqa/internal/logger"
	"github.com/califonix/opsqa/internal/storage"
	"github.com/spf13/cobra"
)

// buildHistoryKeep is how many builds the build log retains.
const buildHistoryKeep = 20

var (
	noProgress bool
)

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexCheckCmd)

	indexBuildCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Suppress progress output")
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the corpus snapshot",
	Long:  `Commands for building and checking the embedded corpus snapshot.`,
}

// IndexBuildResult is the response for index build command.
type IndexBuildResult struct {
	Status           string  `json:"status"`
	BuildID          string  `json:"build_id"`
	DocumentsIssues  int     `json:"documents_issues"`
	DocumentsWhole   int     `json:"documents_fallback"`
	DocumentsSkipped int     `json:"documents_skipped"`
	Units            int     `json:"units"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Model            string  `json:"model"`
	Dimensions       int     `json:"dimensions"`
	IndexSizeBytes   int64   `json:"index_size_bytes"`
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build or rebuild the corpus snapshot",
	Long: `Extract issue and remark rows from every report in the data directory,
embed them, and save the snapshot under .opsqa/embeddings/.

Requires Ollama to be running with the embedding model available.
Run 'ollama pull all-minilm:l6-v2' to download the default model.`,
	Args: cobra.NoArgs,
	RunE: runIndexBuild,
}

// buildOutcome is everything a successful build produced.
type buildOutcome struct {
	Extraction *extract.Result
	Stats      *corpus.BuildStats
	Snapshot   *corpus.Snapshot
	SizeBytes  int64
}

// buildIndex runs extraction, embedding and snapshot save for the repository,
// then records the build in the build log. A failure to record is logged but
// does not fail the build, since the snapshot is already in place.
func buildIndex(ctx context.Context, repoRoot string, cfg *config.Config, provider *embedding.OllamaProvider, progress corpus.ProgressReporter, log *logger.Logger) (*buildOutcome, error) {
	log = logger.OrNop(log)
	startedAt := time.Now().UTC()

	dataDir := cfg.DataPath(repoRoot)
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", errDataDirMissing, dataDir)
	}

	if err := provider.IsAvailable(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errOllamaUnavailable, err)
	}
	hasModel, err := provider.HasModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking model availability: %w", err)
	}
	if !hasModel {
		return nil, fmt.Errorf("%w: %s (run 'ollama pull %s')", errEmbeddingModelMissing, provider.ModelName(), provider.ModelName())
	}

	res, err := extract.Dir(ctx, dataDir, extract.Options{Workers: cfg.ExtractWorkers, Logger: log})
	if err != nil {
		if res != nil {
			for _, d := range res.Skipped() {
				log.Warn("document contributed nothing", "file", d.Name, "error", d.Err)
			}
		}
		return nil, fmt.Errorf("extracting %s: %w", dataDir, err)
	}

	builder := corpus.NewBuilder(provider)
	builder.SetBatchSize(cfg.EmbedBatchSize)
	builder.SetLogger(log)
	if progress != nil {
		builder.SetProgressReporter(progress)
	}

	snap, stats, err := builder.Build(ctx, res.Units())
	if err != nil {
		return nil, fmt.Errorf("building snapshot: %w", err)
	}

	snapDir := config.EmbeddingsPath(repoRoot)
	if err := snap.Save(snapDir); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}

	out := &buildOutcome{Extraction: res, Stats: stats, Snapshot: snap}
	if size, err := corpus.Size(snapDir); err == nil {
		out.SizeBytes = size
	} else {
		log.Warn("could not determine snapshot size", "error", err)
	}

	if err := recordBuild(repoRoot, cfg, provider, startedAt, out); err != nil {
		log.Warn("build not recorded; staleness checks will be unavailable", "error", err)
	}
	return out, nil
}

// recordBuild writes the build and its per-document outcomes to the build log.
func recordBuild(repoRoot string, cfg *config.Config, provider embedding.Provider, startedAt time.Time, out *buildOutcome) error {
	db, err := storage.OpenDB(config.DBPath(repoRoot))
	if err != nil {
		return err
	}
	defer db.Close()

	docs := documentRecords(out.Extraction)
	b := storage.BuildRecord{
		ID:         out.Stats.BuildID,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Model:      provider.ModelName(),
		Dimensions: provider.Dimensions(),
		DataDir:    cfg.DataPath(repoRoot),
		Documents:  len(docs),
		Units:      out.Snapshot.Len(),
		Skipped:    out.Extraction.Count(extract.ModeSkipped),
	}
	if err := db.RecordBuild(b, docs); err != nil {
		return err
	}
	_, err = db.PruneBuilds(buildHistoryKeep)
	return err
}

// documentRecords converts extraction outcomes to build log rows.
func documentRecords(res *extract.Result) []storage.DocumentRecord {
	docs := make([]storage.DocumentRecord, 0, len(res.Documents))
	for _, d := range res.Documents {
		rec := storage.DocumentRecord{
			Name:   d.Name,
			Status: string(d.Mode),
			Units:  len(d.Units),
			SHA256: d.SHA256,
		}
		if d.Err != nil {
			rec.Error = d.Err.Error()
		}
		docs = append(docs, rec)
	}
	return docs
}

// outputBuildResults outputs the build statistics in the appropriate format.
func outputBuildResults(provider *embedding.OllamaProvider, out *buildOutcome) {
	res := out.Extraction
	if humanOutput {
		fmt.Printf("\nBuild complete:\n")
		fmt.Printf("  Reports with issue columns: %d\n", res.Count(extract.ModeIssues))
		fmt.Printf("  Reports added whole: %d\n", res.Count(extract.ModeFallback))
		fmt.Printf("  Reports skipped: %d\n", res.Count(extract.ModeSkipped))
		for _, d := range res.Skipped() {
			fmt.Printf("    %s: %s\n", d.Name, truncateString(errorText(d.Err), ErrorMaxLen))
		}
		fmt.Printf("  Snippets indexed: %d\n", out.Snapshot.Len())
		fmt.Printf("  Time elapsed: %s\n", formatDuration(out.Stats.Duration))
		fmt.Printf("  Index size: %s\n", formatBytes(out.SizeBytes))
		fmt.Printf("  Model: %s\n", provider.ModelName())
	} else {
		outputJSON(IndexBuildResult{
			Status:           "complete",
			BuildID:          out.Stats.BuildID,
			DocumentsIssues:  res.Count(extract.ModeIssues),
			DocumentsWhole:   res.Count(extract.ModeFallback),
			DocumentsSkipped: res.Count(extract.ModeSkipped),
			Units:            out.Snapshot.Len(),
			DurationSeconds:  out.Stats.Duration.Seconds(),
			Model:            provider.ModelName(),
			Dimensions:       provider.Dimensions(),
			IndexSizeBytes:   out.SizeBytes,
		})
	}
}

func errorText(err error) string {
	var skipped *extract.Skipped
	if errors.As(err, &skipped) {
		err = skipped.Err
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	repoRoot := mustFindRepository()
	cfg := mustLoadConfig(repoRoot)
	provider := newProvider(cfg)

	var progress corpus.ProgressReporter
	showProgress := !noProgress && humanOutput
	if showProgress {
		progress = corpus.ProgressFunc(printProgress)
		fmt.Fprintf(os.Stderr, "Building corpus snapshot...\n")
	}

	out, err := buildIndex(ctx, repoRoot, cfg, provider, progress, appLog)

	// Clear progress line if we were showing progress
	if showProgress {
		fmt.Fprintf(os.Stderr, "\r%*s\r", progressLineClearWidth, "")
	}
	exitOnError(err, "index build")

	outputBuildResults(provider, out)
	return nil
}

// IndexCheckResult is the response for index check command.
type IndexCheckResult struct {
	Status         string           `json:"status"`
	Units          int              `json:"units"`
	Documents      int              `json:"documents"`
	Model          string           `json:"model"`
	Dimensions     int              `json:"dimensions"`
	IndexCreated   string           `json:"index_created"`
	IndexSizeBytes int64            `json:"index_size_bytes"`
	LastBuild      string           `json:"last_build,omitempty"`
	Changes        *storage.Changes `json:"changes,omitempty"`
	Recommendation string           `json:"recommendation,omitempty"`
}

var indexCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check corpus snapshot health",
	Long: `Check the health of the corpus snapshot: whether it loads consistently,
whether it was built with the configured embedding model, and whether any
report has been added, changed or removed since the last build.`,
	Args: cobra.NoArgs,
	RunE: runIndexCheck,
}

// checkIndex inspects the snapshot against the configuration and the data
// directory, returning the report and the exit code it warrants.
func checkIndex(repoRoot string, cfg *config.Config) (IndexCheckResult, int, error) {
	snapDir := config.EmbeddingsPath(repoRoot)
	snap, err := corpus.Load(snapDir)
	if err != nil {
		return IndexCheckResult{}, 0, err
	}

	result := IndexCheckResult{
		Status:       "healthy",
		Units:        snap.Len(),
		Documents:    snap.Manifest.Documents,
		Model:        snap.Manifest.ModelName,
		Dimensions:   snap.Manifest.Dimensions,
		IndexCreated: snap.Manifest.CreatedAt.Format(time.RFC3339),
	}
	if size, err := corpus.Size(snapDir); err == nil {
		result.IndexSizeBytes = size
	}

	if err := checkCompatible(snap, cfg); err != nil {
		result.Status = "incompatible"
		result.Recommendation = fmt.Sprintf("%v; run 'opsqa index build'", err)
		return result, exitCodeFor(err), nil
	}

	var reasons []string
	if snap.Manifest.ModelName != "" && snap.Manifest.ModelName != cfg.EmbeddingModel {
		reasons = append(reasons, fmt.Sprintf("built with %s, configured model is %s", snap.Manifest.ModelName, cfg.EmbeddingModel))
	}

	changes, last, err := dataChanges(repoRoot, cfg)
	if err != nil {
		return IndexCheckResult{}, 0, err
	}
	if last != nil {
		result.LastBuild = last.FinishedAt.Format(time.RFC3339)
		if changes.Stale() {
			result.Changes = &changes
			reasons = append(reasons, fmt.Sprintf("%d added, %d modified, %d removed reports",
				len(changes.Added), len(changes.Modified), len(changes.Removed)))
		}
	}

	if len(reasons) > 0 {
		result.Status = "stale"
		result.Recommendation = strings.Join(reasons, "; ") + "; run 'opsqa index build' to update the snapshot"
		return result, ExitIndexStale, nil
	}
	return result, ExitSuccess, nil
}

// dataChanges compares the data directory against the last recorded build.
// It returns a nil build when nothing has been recorded yet.
func dataChanges(repoRoot string, cfg *config.Config) (storage.Changes, *storage.BuildRecord, error) {
	db, err := storage.OpenDB(config.DBPath(repoRoot))
	if err != nil {
		return storage.Changes{}, nil, err
	}
	defer db.Close()

	last, err := db.LatestBuild()
	if err != nil || last == nil {
		return storage.Changes{}, nil, err
	}
	recorded, err := db.BuildDocuments(last.ID)
	if err != nil {
		return storage.Changes{}, nil, err
	}

	current, err := currentHashes(cfg.DataPath(repoRoot))
	if err != nil {
		return storage.Changes{}, nil, err
	}
	return storage.Diff(recorded, current), last, nil
}

// currentHashes returns name→sha256 for every supported report in dir.
// Unreadable files hash to the empty string, as they do in the build log.
func currentHashes(dir string) (map[string]string, error) {
	paths, err := extract.ListSources(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDataDirMissing, err)
	}
	hashes := make(map[string]string, len(paths))
	for _, p := range paths {
		sum, err := extract.HashFile(p)
		if err != nil {
			sum = ""
		}
		hashes[filepath.Base(p)] = sum
	}
	return hashes, nil
}

// outputCheckResults outputs the index check results in the appropriate format.
func outputCheckResults(result IndexCheckResult, exitCode int) {
	if humanOutput {
		fmt.Printf("Corpus Snapshot Status: %s\n\n", result.Status)
		fmt.Printf("Contents:\n")
		fmt.Printf("  Snippets: %d\n", result.Units)
		fmt.Printf("  Reports: %d\n", result.Documents)
		fmt.Printf("\nIndex Info:\n")
		fmt.Printf("  Model: %s (%d dimensions)\n", result.Model, result.Dimensions)
		fmt.Printf("  Created: %s\n", result.IndexCreated)
		fmt.Printf("  Size: %s\n", formatBytes(result.IndexSizeBytes))
		if result.LastBuild != "" {
			fmt.Printf("  Last recorded build: %s\n", result.LastBuild)
		}
		if c := result.Changes; c != nil {
			fmt.Printf("\nChanges since last build:\n")
			for _, n := range c.Added {
				fmt.Printf("  + %s\n", n)
			}
			for _, n := range c.Modified {
				fmt.Printf("  ~ %s\n", n)
			}
			for _, n := range c.Removed {
				fmt.Printf("  - %s\n", n)
			}
		}
		if result.Recommendation != "" {
			fmt.Printf("\n%s\n", result.Recommendation)
		}
	} else {
		outputJSON(result)
	}

	if exitCode != ExitSuccess {
		os.Exit(exitCode)
	}
}

func runIndexCheck(cmd *cobra.Command, args []string) error {
	repoRoot := mustFindRepository()
	cfg := mustLoadConfig(repoRoot)

	result, exitCode, err := checkIndex(repoRoot, cfg)
	if errors.Is(err, corpus.ErrSnapshotNotFound) {
		exitWithError(ExitConfigError, "Corpus snapshot not found\n\nRun 'opsqa index build' to create it.")
	}
	exitOnError(err, "index check")

	outputCheckResults(result, exitCode)
	return nil
}

const (
	// progressBarWidth is the width in characters for terminal progress display.
	progressBarWidth = 30
	// progressLineClearWidth is the width needed to clear the entire progress line.
	// Should be wider than progressBarWidth + surrounding text (numbers, percentage, brackets).
	progressLineClearWidth = 50
)

// buildProgressBar creates a progress bar string of the given width.
// Returns a string like "[=====>    ]" showing progress.
func buildProgressBar(current, total, width int) string {
	if total == 0 {
		return strings.Repeat(" ", width)
	}
	filled := (width * current) / total
	if filled >= width {
		return strings.Repeat("=", width)
	}
	return strings.Repeat("=", filled) + ">" + strings.Repeat(" ", width-filled-1)
}

// printProgress prints a progress bar to stderr.
func printProgress(current, total int) {
	if total == 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	bar := buildProgressBar(current, total, progressBarWidth)
	fmt.Fprintf(os.Stderr, "\r[%s] %d/%d (%.0f%%)", bar, current, total, pct)
}
