package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// GlobalConfig represents configuration stored in ~/.config/opsqa/config.yml.
type GlobalConfig struct {
	RepoPath  string `yaml:"repo_path,omitempty"`
	OllamaURL string `yaml:"ollama_url,omitempty"`
}

const (
	// GlobalConfigDir is the directory name under XDG_CONFIG_HOME.
	GlobalConfigDir = "opsqa"
	// GlobalConfigFile is the config file name.
	GlobalConfigFile = "config.yml"
)

// Environment variables that override file configuration.
const (
	EnvOllamaHost   = "OLLAMA_HOST"
	EnvOllamaBinary = "OPSQA_OLLAMA_BIN"
)

// globalConfigCache caches the loaded global config.
var globalConfigCache *GlobalConfig

// GlobalConfigPath returns the path to the global config file.
// Respects XDG_CONFIG_HOME, defaults to ~/.config/opsqa/config.yml.
func GlobalConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, GlobalConfigDir, GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration file.
// Returns an empty config (not an error) if the file doesn't exist.
func LoadGlobalConfig() (*GlobalConfig, error) {
	if globalConfigCache != nil {
		return globalConfigCache, nil
	}

	path := GlobalConfigPath()
	if path == "" {
		return &GlobalConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &GlobalConfig{}, nil
		}
		return nil, fmt.Errorf("reading global config: %w", err)
	}

	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing global config: %w", err)
	}

	if cfg.RepoPath != "" {
		cfg.RepoPath = ExpandPath(cfg.RepoPath)
	}
	if cfg.OllamaURL != "" {
		if err := ValidateURL(cfg.OllamaURL); err != nil {
			return nil, fmt.Errorf("global config %s: %w", path, err)
		}
	}

	globalConfigCache = &cfg
	return &cfg, nil
}

// ResetGlobalConfigCache clears the cached global config.
// Useful for testing.
func ResetGlobalConfigCache() {
	globalConfigCache = nil
}

// LoadEnv loads a .env file from dir into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, EnvFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyOverrides layers the global config and then the environment over c.
func (c *Config) ApplyOverrides(g *GlobalConfig) {
	if g != nil && g.OllamaURL != "" {
		c.OllamaURL = strings.TrimRight(g.OllamaURL, "/")
	}
	if host := os.Getenv(EnvOllamaHost); host != "" {
		c.OllamaURL = NormalizeHost(host)
	}
	if bin := os.Getenv(EnvOllamaBinary); bin != "" {
		c.OllamaBinary = bin
	}
}

// NormalizeHost turns an OLLAMA_HOST value such as "0.0.0.0:11434" into a URL.
func NormalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return host
}

// HelpfulConfigMessage returns a helpful message when no repository is found.
func HelpfulConfigMessage() string {
	configPath := GlobalConfigPath()
	return fmt.Sprintf(`No opsqa repository found.

Run 'opsqa init' in the directory holding your reports, or create %s
to set a default repository:
  mkdir -p %s
  echo 'repo_path: /path/to/reports' > %s`,
		configPath,
		filepath.Dir(configPath),
		configPath)
}
