package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/califonix/opsqa/internal/config"
	"github.com/califonix/opsqa/internal/extract"
	"github.com/califonix/opsqa/internal/storage"
	"github.com/spf13/cobra"
)

var sourcesLive bool

func init() {
	rootCmd.AddCommand(sourcesCmd)

	sourcesCmd.Flags().BoolVar(&sourcesLive, "live", false, "Extract the data directory now instead of reading the last build")
}

// SourcesResponse is the response for the sources command.
type SourcesResponse struct {
	BuildID   string                   `json:"build_id,omitempty"`
	BuiltAt   string                   `json:"built_at,omitempty"`
	Documents []storage.DocumentRecord `json:"documents"`
	Total     int                      `json:"total"`
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List per-report extraction outcomes",
	Long: `List how each report contributed to the corpus:

  issues    rows projected onto issue/remark columns
  fallback  no issue columns; the whole sheet was added as one snippet
  skipped   the file could not be read and contributed nothing

By default the outcomes of the last recorded build are shown. With --live the
data directory is extracted now (no embedding) so a report can be checked
before building.`,
	Args: cobra.NoArgs,
	RunE: runSources,
}

// lastBuildSources reads the document outcomes of the newest recorded build.
func lastBuildSources(repoRoot string) (SourcesResponse, error) {
	db, err := storage.OpenDB(config.DBPath(repoRoot))
	if err != nil {
		return SourcesResponse{}, err
	}
	defer db.Close()

	last, err := db.LatestBuild()
	if err != nil {
		return SourcesResponse{}, err
	}
	if last == nil {
		return SourcesResponse{Documents: []storage.DocumentRecord{}}, nil
	}

	docs, err := db.BuildDocuments(last.ID)
	if err != nil {
		return SourcesResponse{}, err
	}
	return SourcesResponse{
		BuildID:   last.ID,
		BuiltAt:   last.FinishedAt.Format(time.RFC3339),
		Documents: docs,
		Total:     len(docs),
	}, nil
}

// liveSources extracts the data directory now and reports each document's
// outcome. An empty corpus is still listed, since that is what the listing is for.
func liveSources(ctx context.Context, repoRoot string, cfg *config.Config) (SourcesResponse, error) {
	dataDir := cfg.DataPath(repoRoot)
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return SourcesResponse{}, fmt.Errorf("%w: %s", errDataDirMissing, dataDir)
	}

	res, err := extract.Dir(ctx, dataDir, extract.Options{Workers: cfg.ExtractWorkers, Logger: appLog})
	if res == nil {
		return SourcesResponse{}, err
	}
	docs := documentRecords(res)
	return SourcesResponse{Documents: docs, Total: len(docs)}, nil
}

func runSources(cmd *cobra.Command, args []string) error {
	repoRoot := mustFindRepository()

	var resp SourcesResponse
	if sourcesLive {
		ctx, stop := signalContext()
		defer stop()

		cfg := mustLoadConfig(repoRoot)
		var err error
		resp, err = liveSources(ctx, repoRoot, cfg)
		exitOnError(err, "sources")
	} else {
		var err error
		resp, err = lastBuildSources(repoRoot)
		exitOnError(err, "reading build log")
	}

	if humanOutput {
		if !sourcesLive && resp.BuildID == "" {
			fmt.Println("No build recorded yet. Run 'opsqa index build' or use --live.")
			return nil
		}
		if resp.BuiltAt != "" {
			fmt.Printf("Build %s (%s)\n\n", resp.BuildID, resp.BuiltAt)
		}
		for _, d := range resp.Documents {
			fmt.Printf("%-9s %4d  %s", d.Status, d.Units, d.Name)
			if d.Error != "" {
				fmt.Printf("  (%s)", truncateString(d.Error, ErrorMaxLen))
			}
			fmt.Println()
		}
	} else {
		outputJSON(resp)
	}
	return nil
}
