package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/califonix/opsqa/internal/config"
	"github.com/califonix/opsqa/internal/corpus"
	"github.com/califonix/opsqa/internal/rag"
	"github.com/spf13/cobra"
)

var searchK int

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVarP(&searchK, "k", "k", 0, "Number of snippets to retrieve (default: top_k from config)")
}

// SearchResponse is the response for the search command.
type SearchResponse struct {
	Query   string    `json:"query"`
	Hits    []rag.Hit `json:"hits"`
	Sources []string  `json:"sources"`
	Total   int       `json:"total"`
	Model   string    `json:"model"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Retrieve the report snippets closest to a question",
	Long: `Retrieve the snippets nearest to a question without generating an answer.

Hits are ranked by squared Euclidean distance between the question's embedding
and each snippet's embedding, closest first.

Requires the snapshot to be built first with 'opsqa index build'.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

// checkCompatible reports errIncompatibleSnapshot when the snapshot's vectors
// cannot be compared with those the configured embedding model produces.
func checkCompatible(snap *corpus.Snapshot, cfg *config.Config) error {
	if dims := snap.Index.Dimensions(); dims != cfg.EmbeddingDimensions {
		return fmt.Errorf("%w (snapshot %d, %s configured for %d)",
			errIncompatibleSnapshot, dims, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}
	return nil
}

// openRetriever wires a retriever over snap from cfg.
func openRetriever(snap *corpus.Snapshot, cfg *config.Config) (*rag.Retriever, error) {
	if err := checkCompatible(snap, cfg); err != nil {
		return nil, err
	}
	return rag.NewRetriever(snap, newProvider(cfg),
		rag.WithK(cfg.TopK),
		rag.WithOrganization(cfg.Organization),
		rag.WithModels(cfg.GenerationModels),
		rag.WithGenerator(newGenerator(cfg)),
		rag.WithLogger(appLog),
	)
}

// mustOpenRetriever loads the snapshot and wires a retriever from cfg, exits on error.
func mustOpenRetriever(ctx context.Context, repoRoot string, cfg *config.Config) *rag.Retriever {
	snap := mustLoadSnapshot(repoRoot)

	// Query-only operations don't need the model check; a missing model
	// surfaces as an embedding error on first use.
	mustValidateOllama(ctx, newProvider(cfg), false)

	r, err := openRetriever(snap, cfg)
	exitOnError(err, "opening snapshot")
	return r
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	query := strings.TrimSpace(args[0])
	if query == "" {
		exitWithError(ExitError, "Search query cannot be empty")
	}
	if searchK < 0 {
		exitWithError(ExitError, "-k must be at least 1")
	}

	repoRoot := mustFindRepository()
	cfg := mustLoadConfig(repoRoot)
	r := mustOpenRetriever(ctx, repoRoot, cfg)

	ret, err := r.Retrieve(ctx, query, searchK)
	exitOnError(err, "retrieving")

	if humanOutput {
		fmt.Printf("Search: \"%s\"\n", query)
		fmt.Printf("Found %d snippets from %s\n\n", len(ret.Hits), ret.Attribution())
		printHitsHuman(ret.Hits)
	} else {
		outputJSON(SearchResponse{
			Query:   query,
			Hits:    ret.Hits,
			Sources: ret.Sources,
			Total:   len(ret.Hits),
			Model:   cfg.EmbeddingModel,
		})
	}
	return nil
}
