package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/califonix/opsqa/internal/config"
	"github.com/spf13/cobra"
)

var initDataDir string

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initDataDir, "data-dir", config.DefaultDataDir, "Report directory, relative to the repository root unless absolute")
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new opsqa repository",
	Long: `Initialize a new opsqa repository in dir (default: the current directory).

Creates:
  .opsqa/
  ├── config.json     # Default config
  └── cache/          # Build log database (gitignored)

Reports are read from ./data unless --data-dir says otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

// initRepository creates the .opsqa layout under root with a default config.
func initRepository(root, dataDir string) error {
	if config.IsRepository(root) {
		return fmt.Errorf("directory already contains an opsqa repository")
	}

	cfg := config.Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(config.RepoPath(root), 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", config.RepoDir, err)
	}
	if err := os.MkdirAll(config.CachePath(root), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := cfg.Save(root); err != nil {
		return fmt.Errorf("creating %s: %w", config.ConfigFile, err)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		exitWithError(ExitError, "getting current directory: %v", err)
	}
	if len(args) == 1 {
		if root, err = filepath.Abs(config.ExpandPath(args[0])); err != nil {
			exitWithError(ExitError, "resolving %s: %v", args[0], err)
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			exitWithError(ExitError, "creating %s: %v", root, err)
		}
	}

	if err := initRepository(root, initDataDir); err != nil {
		exitWithError(ExitError, "%v", err)
	}

	if humanOutput {
		fmt.Printf("Initialized opsqa repository in %s\n", root)
	} else {
		outputJSON(StatusResponse{
			Status: "initialized",
			Path:   root,
		})
	}
	return nil
}
