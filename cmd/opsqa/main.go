// Package main provides the opsqa CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/califonix/opsqa/internal/config"
	"github.com/califonix/opsqa/internal/corpus"
	"github.com/califonix/opsqa/internal/embedding"
	"github.com/califonix/opsqa/internal/generate"
	"github.com/califonix/opsqa/internal/logger"
	"github.com/califonix/opsqa/internal/storage"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool

	logLevel string
	appLog   = logger.Nop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Print the error since we have SilenceErrors: true
		// This ensures Cobra errors (like missing required flags) are visible
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opsqa",
	Short: "Ask questions about operational spreadsheet reports",
	Long: `opsqa answers natural-language questions over a folder of operational
reports (Excel workbooks and CSV files).

It extracts issue and remark rows from every report, embeds them with a local
Ollama embedding model, and at question time retrieves the closest snippets
and hands them, with the question, to a local Ollama language model.

All commands output JSON by default; use --human for readable output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logger.New(logLevel)
		if err != nil {
			return err
		}
		appLog = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		appLog.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for stderr diagnostics (debug, info, warn, error)")
	rootCmd.Version = Version
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// getStartingDirectory returns the directory to start searching for a repository.
// Checks global config repo_path first, then current working directory.
func getStartingDirectory() (string, int) {
	global, err := config.LoadGlobalConfig()
	if err != nil {
		return "", outputError(ExitConfigError, "%v", err)
	}
	if global.RepoPath != "" {
		return global.RepoPath, 0
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", outputError(ExitError, "getting current directory: %v", err)
	}
	return cwd, 0
}

// mustFindRepository finds and validates the repository, exits on error.
// Returns the repository root path.
func mustFindRepository() string {
	cwd, err := os.Getwd()
	if err == nil {
		// A repository containing the working directory wins over the global default
		if root, err := config.FindRepository(cwd); err == nil {
			return root
		}
	}

	start, exitCode := getStartingDirectory()
	if exitCode != 0 {
		os.Exit(exitCode)
	}

	repoRoot, err := config.FindRepository(start)
	if err != nil {
		fmt.Fprintln(os.Stderr, config.HelpfulConfigMessage())
		os.Exit(ExitConfigError)
	}
	return repoRoot
}

// loadConfig reads the repository config and layers the global config, the
// repository's .env file and the process environment over it.
func loadConfig(repoRoot string) (*config.Config, error) {
	if err := config.LoadEnv(repoRoot); err != nil {
		return nil, err
	}
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return nil, err
	}
	global, err := config.LoadGlobalConfig()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(global)
	return cfg, cfg.Validate()
}

// mustLoadConfig loads configuration, exits on error.
func mustLoadConfig(repoRoot string) *config.Config {
	cfg, err := loadConfig(repoRoot)
	if err != nil {
		exitWithError(ExitConfigError, "loading config: %v", err)
	}
	return cfg
}

// mustOpenDatabase opens the SQLite build log, exits on error.
// The caller is responsible for calling Close() on the returned DB.
func mustOpenDatabase(repoRoot string) *storage.DB {
	db, err := storage.OpenDB(config.DBPath(repoRoot))
	if err != nil {
		exitWithError(ExitError, "opening database: %v", err)
	}
	return db
}

// mustLoadSnapshot loads the corpus snapshot, exits on error.
func mustLoadSnapshot(repoRoot string) *corpus.Snapshot {
	snap, err := corpus.Load(config.EmbeddingsPath(repoRoot))
	if err != nil {
		if errors.Is(err, corpus.ErrSnapshotNotFound) {
			exitWithError(ExitConfigError, "Corpus snapshot not found (%v)\n\nRun 'opsqa index build' to create it.", err)
		}
		exitWithError(exitCodeFor(err), "loading snapshot: %v", err)
	}
	return snap
}

// newProvider creates the embedding provider described by cfg.
func newProvider(cfg *config.Config) *embedding.OllamaProvider {
	return embedding.NewOllamaProvider(
		embedding.WithBaseURL(cfg.OllamaURL),
		embedding.WithModel(cfg.EmbeddingModel),
		embedding.WithDimensions(cfg.EmbeddingDimensions),
		embedding.WithRateLimit(cfg.EmbedRateLimit),
	)
}

// newGenerator creates the generation gateway described by cfg.
func newGenerator(cfg *config.Config) *generate.OllamaCLI {
	return &generate.OllamaCLI{
		Binary:  cfg.OllamaBinary,
		Timeout: time.Duration(cfg.GenerationTimeoutSeconds) * time.Second,
		Logger:  appLog,
	}
}

// mustValidateOllama checks that Ollama is running and optionally validates the model.
// If checkModel is true, also verifies the required embedding model is available.
func mustValidateOllama(ctx context.Context, provider *embedding.OllamaProvider, checkModel bool) {
	if err := provider.IsAvailable(ctx); err != nil {
		exitWithError(ExitDataError, "Ollama is not running\n\nStart Ollama with 'ollama serve' or install from https://ollama.ai")
	}

	if checkModel {
		hasModel, err := provider.HasModel(ctx)
		if err != nil {
			exitWithError(ExitError, "checking model availability: %v", err)
		}
		if !hasModel {
			exitWithError(ExitModelNotFound, "embedding model %q not found\n\nRun 'ollama pull %s' to download it.", provider.ModelName(), provider.ModelName())
		}
	}
}
