package main

import (
	"fmt"

	"github.com/califonix/opsqa/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Get or set configuration values",
	Long: `Get or set repository configuration values in .opsqa/config.json.

Usage:
  opsqa config                              # Show all config
  opsqa config top-k                        # Get specific value
  opsqa config top-k 5                      # Set value
  opsqa config generation-models mistral,llama2,phi3

Keys:
  data-dir                    Report directory (relative to the repository root unless absolute)
  embedding-model             Ollama embedding model
  embedding-dimensions        Vector size produced by the embedding model
  ollama-url                  Ollama HTTP endpoint
  ollama-binary               Executable used for generation
  generation-models           Comma-separated models a question may use
  default-model               Model used when --model is not given
  top-k                       Snippets retrieved per question
  generation-timeout-seconds  Per-question generation budget
  embed-batch-size            Texts per embedding request
  embed-rate-limit            Embedding requests per second (0 is unlimited)
  extract-workers             Reports parsed in parallel
  organization                Organization named in the prompt

Values set here are written as-is; OLLAMA_HOST, OPSQA_OLLAMA_BIN and the
global config still override them at run time.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	repoRoot := mustFindRepository()

	// Read the file without overrides so a set never persists env values.
	cfg, err := config.Load(repoRoot)
	if err != nil {
		exitWithError(ExitConfigError, "loading config: %v", err)
	}

	// No args: show all config
	if len(args) == 0 {
		values := cfg.Values()
		if humanOutput {
			for _, k := range config.Keys() {
				fmt.Printf("%-28s %s\n", k+":", values[k])
			}
		} else {
			outputJSON(values)
		}
		return nil
	}

	key := config.NormalizeKey(args[0])

	// One arg: get specific value
	if len(args) == 1 {
		value, err := cfg.Get(key)
		if err != nil {
			exitWithError(ExitError, "%v", err)
		}
		if humanOutput {
			fmt.Println(value)
		} else {
			outputJSON(map[string]string{key: value})
		}
		return nil
	}

	// Two args: set value
	value := args[1]
	if err := cfg.Set(key, value); err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	if err := cfg.Save(repoRoot); err != nil {
		exitWithError(ExitError, "saving config: %v", err)
	}

	stored, _ := cfg.Get(key)
	if humanOutput {
		fmt.Printf("Updated %s to %s\n", key, stored)
	} else {
		outputJSON(UpdateResponse{
			Status: "updated",
			Key:    key,
			Value:  stored,
		})
	}
	return nil
}
