// Package config handles repository configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Config represents repository configuration stored in .opsqa/config.json.
type Config struct {
	DataDir                  string   `json:"data_dir"`                   // Report directory, relative to the repository root unless absolute
	EmbeddingModel           string   `json:"embedding_model"`            // Ollama embedding model
	EmbeddingDimensions      int      `json:"embedding_dimensions"`       // Expected vector size for EmbeddingModel
	OllamaURL                string   `json:"ollama_url"`                 // Ollama HTTP endpoint
	OllamaBinary             string   `json:"ollama_binary"`              // Executable used for generation
	GenerationModels         []string `json:"generation_models"`          // Models a question may be routed to
	DefaultModel             string   `json:"default_model"`              // Model used when none is requested
	TopK                     int      `json:"top_k"`                      // Snippets retrieved per question
	GenerationTimeoutSeconds int      `json:"generation_timeout_seconds"` // Per-question generation budget
	EmbedBatchSize           int      `json:"embed_batch_size"`           // Texts per embedding request
	EmbedRateLimit           float64  `json:"embed_rate_limit"`           // Embedding requests per second; 0 is unlimited
	ExtractWorkers           int      `json:"extract_workers"`            // Documents parsed in parallel
	Organization             string   `json:"organization"`               // Named in the prompt
}

const (
	RepoDir       = ".opsqa"
	ConfigFile    = "config.json"
	EmbeddingsDir = "embeddings"
	CacheDir      = "cache"
	DBFile        = "builds.db"
	EnvFile       = ".env"
)

// Defaults for a new repository.
const (
	DefaultDataDir                  = "data"
	DefaultEmbeddingModel           = "all-minilm:l6-v2"
	DefaultEmbeddingDimensions      = 384
	DefaultOllamaURL                = "http://localhost:11434"
	DefaultOllamaBinary             = "ollama"
	DefaultModel                    = "mistral"
	DefaultTopK                     = 3
	DefaultGenerationTimeoutSeconds = 120
	DefaultEmbedBatchSize           = 32
	DefaultExtractWorkers           = 4
	DefaultOrganization             = "Califonix Tech and Manufacturing Ltd."
)

// DefaultGenerationModels is the enumerated model choice offered by default.
var DefaultGenerationModels = []string{"mistral", "llama2"}

// MinGenerationModels is the fewest models a question may choose between.
const MinGenerationModels = 2

// ErrNotRepository is returned when no .opsqa directory is found.
var ErrNotRepository = errors.New("not in an opsqa repository (no .opsqa directory found)")

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		DataDir:                  DefaultDataDir,
		EmbeddingModel:           DefaultEmbeddingModel,
		EmbeddingDimensions:      DefaultEmbeddingDimensions,
		OllamaURL:                DefaultOllamaURL,
		OllamaBinary:             DefaultOllamaBinary,
		GenerationModels:         append([]string(nil), DefaultGenerationModels...),
		DefaultModel:             DefaultModel,
		TopK:                     DefaultTopK,
		GenerationTimeoutSeconds: DefaultGenerationTimeoutSeconds,
		EmbedBatchSize:           DefaultEmbedBatchSize,
		ExtractWorkers:           DefaultExtractWorkers,
		Organization:             DefaultOrganization,
	}
}

// RepoPath returns the path to the .opsqa directory from a root path.
func RepoPath(root string) string {
	return filepath.Join(root, RepoDir)
}

// ConfigPath returns the path to config.json from a root path.
func ConfigPath(root string) string {
	return filepath.Join(root, RepoDir, ConfigFile)
}

// EmbeddingsPath returns the path to the snapshot directory from a root path.
func EmbeddingsPath(root string) string {
	return filepath.Join(root, RepoDir, EmbeddingsDir)
}

// CachePath returns the path to the cache directory from a root path.
func CachePath(root string) string {
	return filepath.Join(root, RepoDir, CacheDir)
}

// DBPath returns the path to builds.db from a root path.
func DBPath(root string) string {
	return filepath.Join(root, RepoDir, CacheDir, DBFile)
}

// DataPath resolves the configured data directory against the repository root.
func (c *Config) DataPath(root string) string {
	dir := ExpandPath(c.DataDir)
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// IsRepository checks if the given path contains an opsqa repository.
func IsRepository(root string) bool {
	info, err := os.Stat(RepoPath(root))
	return err == nil && info.IsDir()
}

// FindRepository walks up from the given path to find an opsqa repository.
// Returns the repository root path or ErrNotRepository if not found.
func FindRepository(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	for {
		if IsRepository(abs) {
			return abs, nil
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ErrNotRepository
		}
		abs = parent
	}
}

// Load reads configuration from the repository at the given root.
// Keys missing from the file keep their defaults.
func Load(root string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(root))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", ConfigPath(root), err)
	}
	return cfg, nil
}

// Save writes configuration to the repository at the given root.
func (c *Config) Save(root string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(ConfigPath(root), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.EmbeddingModel == "" {
		return errors.New("embedding_model must not be empty")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("embedding_dimensions must be positive, got %d", c.EmbeddingDimensions)
	}
	if err := ValidateURL(c.OllamaURL); err != nil {
		return err
	}
	if c.OllamaBinary == "" {
		return errors.New("ollama_binary must not be empty")
	}
	if len(c.GenerationModels) < MinGenerationModels {
		return fmt.Errorf("generation_models must name at least %d models, got %d", MinGenerationModels, len(c.GenerationModels))
	}
	if err := ValidateModel(c.DefaultModel, c.GenerationModels); err != nil {
		return fmt.Errorf("default_model: %w", err)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", c.TopK)
	}
	if c.GenerationTimeoutSeconds < 1 {
		return fmt.Errorf("generation_timeout_seconds must be positive, got %d", c.GenerationTimeoutSeconds)
	}
	if c.EmbedBatchSize < 1 {
		return fmt.Errorf("embed_batch_size must be at least 1, got %d", c.EmbedBatchSize)
	}
	if c.EmbedRateLimit < 0 {
		return fmt.Errorf("embed_rate_limit must not be negative, got %g", c.EmbedRateLimit)
	}
	if c.ExtractWorkers < 1 {
		return fmt.Errorf("extract_workers must be at least 1, got %d", c.ExtractWorkers)
	}
	return nil
}

// ValidateURL checks that an Ollama URL has an http or https scheme and a host.
func ValidateURL(url string) error {
	rest, ok := strings.CutPrefix(url, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(url, "https://")
	}
	if !ok || rest == "" {
		return fmt.Errorf("invalid ollama_url: %q (want http://host:port)", url)
	}
	return nil
}

// ValidateModel checks that model is one of the enumerated models.
func ValidateModel(model string, models []string) error {
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("invalid model: %q (valid: %v)", model, models)
}

// ExpandPath expands ~ to the user's home directory.
// Returns the original path unchanged if it doesn't start with ~.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path // Return original if we can't get home directory
	}

	return filepath.Join(home, path[1:])
}

// NormalizeKey converts key formats (top-k, TOP_K, top_k) to the JSON key.
func NormalizeKey(key string) string {
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "-", "_")
}

// Values returns every key and its value rendered as a string.
func (c *Config) Values() map[string]string {
	out := make(map[string]string, len(Keys()))
	for _, k := range Keys() {
		out[k], _ = c.Get(k)
	}
	return out
}

// Keys lists the configuration keys in sorted order.
func Keys() []string {
	keys := []string{
		"data_dir", "embedding_model", "embedding_dimensions", "ollama_url", "ollama_binary",
		"generation_models", "default_model", "top_k", "generation_timeout_seconds",
		"embed_batch_size", "embed_rate_limit", "extract_workers", "organization",
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a key rendered as a string.
func (c *Config) Get(key string) (string, error) {
	switch NormalizeKey(key) {
	case "data_dir":
		return c.DataDir, nil
	case "embedding_model":
		return c.EmbeddingModel, nil
	case "embedding_dimensions":
		return strconv.Itoa(c.EmbeddingDimensions), nil
	case "ollama_url":
		return c.OllamaURL, nil
	case "ollama_binary":
		return c.OllamaBinary, nil
	case "generation_models":
		return strings.Join(c.GenerationModels, ","), nil
	case "default_model":
		return c.DefaultModel, nil
	case "top_k":
		return strconv.Itoa(c.TopK), nil
	case "generation_timeout_seconds":
		return strconv.Itoa(c.GenerationTimeoutSeconds), nil
	case "embed_batch_size":
		return strconv.Itoa(c.EmbedBatchSize), nil
	case "embed_rate_limit":
		return strconv.FormatFloat(c.EmbedRateLimit, 'g', -1, 64), nil
	case "extract_workers":
		return strconv.Itoa(c.ExtractWorkers), nil
	case "organization":
		return c.Organization, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// Set parses value into key and validates the resulting configuration.
// On error the configuration is left unchanged.
func (c *Config) Set(key, value string) error {
	next := *c
	next.GenerationModels = append([]string(nil), c.GenerationModels...)

	var err error
	switch NormalizeKey(key) {
	case "data_dir":
		next.DataDir = ExpandPath(value)
	case "embedding_model":
		next.EmbeddingModel = value
	case "embedding_dimensions":
		next.EmbeddingDimensions, err = strconv.Atoi(value)
	case "ollama_url":
		next.OllamaURL = strings.TrimRight(value, "/")
	case "ollama_binary":
		next.OllamaBinary = value
	case "generation_models":
		next.GenerationModels = splitList(value)
	case "default_model":
		next.DefaultModel = value
	case "top_k":
		next.TopK, err = strconv.Atoi(value)
	case "generation_timeout_seconds":
		next.GenerationTimeoutSeconds, err = strconv.Atoi(value)
	case "embed_batch_size":
		next.EmbedBatchSize, err = strconv.Atoi(value)
	case "embed_rate_limit":
		next.EmbedRateLimit, err = strconv.ParseFloat(value, 64)
	case "extract_workers":
		next.ExtractWorkers, err = strconv.Atoi(value)
	case "organization":
		next.Organization = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", NormalizeKey(key), value)
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
