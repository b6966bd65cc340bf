package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/califonix/opsqa/internal/storage"
	"github.com/spf13/cobra"
)

var buildsLimit int

var errBuildNotFound = errors.New("build not found")

func init() {
	rootCmd.AddCommand(buildsCmd)

	buildsCmd.Flags().IntVarP(&buildsLimit, "limit", "n", 10, "Maximum number of builds to list (0 for all)")
}

// BuildsResponse is the response for the builds command without an id.
type BuildsResponse struct {
	Builds []storage.BuildRecord `json:"builds"`
	Shown  int                   `json:"shown"`
	Total  int                   `json:"total"`
}

// BuildDetailResponse is the response for the builds command with an id.
type BuildDetailResponse struct {
	storage.BuildRecord
	Files []storage.DocumentRecord `json:"files"`
}

var buildsCmd = &cobra.Command{
	Use:   "builds [build-id]",
	Short: "Show the history of index builds",
	Long: `List recorded index builds, newest first, or show one build with the
outcome of each report it read.

Only the most recent builds are kept in the build log.

Examples:
  opsqa builds
  opsqa builds -n 0
  opsqa builds 0b6f1c3e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuilds,
}

// listBuilds returns up to limit recorded builds and the total recorded.
func listBuilds(db *storage.DB, limit int) (BuildsResponse, error) {
	builds, err := db.ListBuilds(limit)
	if err != nil {
		return BuildsResponse{}, err
	}
	total, err := db.CountBuilds()
	if err != nil {
		return BuildsResponse{}, fmt.Errorf("counting builds: %w", err)
	}
	if builds == nil {
		builds = []storage.BuildRecord{}
	}
	return BuildsResponse{Builds: builds, Shown: len(builds), Total: total}, nil
}

// showBuild returns one build and its per-document outcomes.
func showBuild(db *storage.DB, id string) (BuildDetailResponse, error) {
	b, err := db.GetBuild(id)
	if err != nil {
		return BuildDetailResponse{}, err
	}
	if b == nil {
		return BuildDetailResponse{}, fmt.Errorf("%w: %s", errBuildNotFound, id)
	}
	docs, err := db.BuildDocuments(id)
	if err != nil {
		return BuildDetailResponse{}, err
	}
	return BuildDetailResponse{BuildRecord: *b, Files: docs}, nil
}

func runBuilds(cmd *cobra.Command, args []string) error {
	if buildsLimit < 0 {
		exitWithError(ExitError, "--limit cannot be negative")
	}

	repoRoot := mustFindRepository()
	db := mustOpenDatabase(repoRoot)
	defer db.Close()

	if len(args) == 1 {
		detail, err := showBuild(db, args[0])
		exitOnError(err, "builds")
		if !humanOutput {
			outputJSON(detail)
			return nil
		}
		printBuild(detail.BuildRecord)
		fmt.Println()
		for _, d := range detail.Files {
			fmt.Printf("%-9s %4d  %s", d.Status, d.Units, d.Name)
			if d.Error != "" {
				fmt.Printf("  (%s)", truncateString(d.Error, ErrorMaxLen))
			}
			fmt.Println()
		}
		return nil
	}

	resp, err := listBuilds(db, buildsLimit)
	exitOnError(err, "reading build log")
	if !humanOutput {
		outputJSON(resp)
		return nil
	}
	if resp.Total == 0 {
		fmt.Println("No build recorded yet. Run 'opsqa index build'.")
		return nil
	}
	for _, b := range resp.Builds {
		fmt.Printf("%s  %s  %d snippets from %d reports (%d skipped)  %s\n",
			b.FinishedAt.Local().Format("2006-01-02 15:04"), b.ID, b.Units, b.Documents, b.Skipped,
			formatDuration(b.FinishedAt.Sub(b.StartedAt)))
	}
	if resp.Shown < resp.Total {
		fmt.Printf("\n%d of %d builds shown\n", resp.Shown, resp.Total)
	}
	return nil
}

func printBuild(b storage.BuildRecord) {
	fmt.Printf("Build %s\n", b.ID)
	fmt.Printf("  Finished: %s (%s)\n", b.FinishedAt.Format(time.RFC3339), formatDuration(b.FinishedAt.Sub(b.StartedAt)))
	fmt.Printf("  Model: %s (%d dimensions)\n", b.Model, b.Dimensions)
	fmt.Printf("  Data: %s\n", b.DataDir)
	fmt.Printf("  Reports: %d, snippets: %d, skipped: %d\n", b.Documents, b.Units, b.Skipped)
}
