package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/gcfg/v2"
)

// Config is the merged weave configuration. It is read from
// ~/.config/weave/config and then <vault>/.weave/config; values in the
// vault file win.
type Config struct {
	Vault      VaultConfig
	Generation GenerationConfig
	Retrieval  RetrievalConfig
	Store      StoreConfig
	Server     ServerConfig
}

// VaultConfig locates the note vault and the tracked source directory.
type VaultConfig struct {
	Path    string `gcfg:"path"`
	Sources string `gcfg:"sources"`
}

// GenerationConfig selects the generation and embedding backend.
type GenerationConfig struct {
	Backend        string `gcfg:"backend"` // ollama or openai
	URL            string `gcfg:"url"`
	Model          string `gcfg:"model"`
	EmbeddingModel string `gcfg:"embedding-model"`
	APIKey         string `gcfg:"api-key"`
	MaxTokens      int    `gcfg:"max-tokens"`
	Timeout        string `gcfg:"timeout"`
}

// RetrievalConfig tunes ranking, dedup and clustering.
type RetrievalConfig struct {
	VectorSearch   bool    `gcfg:"vector-search"`
	TopK           int     `gcfg:"top-k"`
	DupThreshold   float64 `gcfg:"dedup-threshold"`
	ClusterCeiling int     `gcfg:"cluster-ceiling"`
	ClusterSize    int     `gcfg:"cluster-size"`
	MaxClusters    int     `gcfg:"max-clusters"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend string `gcfg:"backend"` // json, sqlite or badger
}

// ServerConfig configures `weave serve`.
type ServerConfig struct {
	Port int `gcfg:"port"`
}

const (
	defaultBackend        = "ollama"
	defaultOllamaURL      = "http://localhost:11434"
	defaultOllamaModel    = "llama3.1"
	defaultEmbeddingModel = "nomic-embed-text"
	defaultMaxTokens      = 2048
	defaultTimeout        = 2 * time.Minute
	defaultTopK           = 5
	defaultClusterCeiling = 40
	defaultClusterSize    = 12
	defaultMaxClusters    = 20
	defaultStoreBackend   = "json"
	defaultPort           = 2800
)

func defaultConfig() *Config {
	return &Config{
		// URL and models depend on the backend; applyDefaults fills them.
		Generation: GenerationConfig{
			Backend:   defaultBackend,
			MaxTokens: defaultMaxTokens,
		},
		Retrieval: RetrievalConfig{
			VectorSearch:   true,
			TopK:           defaultTopK,
			ClusterCeiling: defaultClusterCeiling,
			ClusterSize:    defaultClusterSize,
			MaxClusters:    defaultMaxClusters,
		},
		Store:  StoreConfig{Backend: defaultStoreBackend},
		Server: ServerConfig{Port: defaultPort},
	}
}

// userConfigPath returns ~/.config/weave/config.
func userConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".config", "weave", "config"), nil
}

// vaultConfigPath returns the per-vault config file.
func vaultConfigPath(vault string) string {
	return filepath.Join(vault, ".weave", "config")
}

// readConfigFile merges path into cfg. A missing file is not an error.
func readConfigFile(cfg *Config, path string) error {
	if err := gcfg.ReadFileInto(cfg, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the user config, resolves the vault (vaultFlag wins over
// the configured path, the working directory is the fallback), then reads
// the vault config. Defaults are re-applied to fields left empty.
func loadConfig(vaultFlag string) (*Config, error) {
	cfg := defaultConfig()

	userPath, err := userConfigPath()
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(cfg, userPath); err != nil {
		return nil, err
	}

	switch {
	case vaultFlag != "":
		cfg.Vault.Path = vaultFlag
	case cfg.Vault.Path == "":
		cfg.Vault.Path = "."
	}
	abs, err := filepath.Abs(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve vault: %w", err)
	}
	cfg.Vault.Path = abs

	if err := readConfigFile(cfg, vaultConfigPath(abs)); err != nil {
		return nil, err
	}
	// The vault file cannot move the vault.
	cfg.Vault.Path = abs

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	g := &cfg.Generation
	if g.Backend == "" {
		g.Backend = defaultBackend
	}
	if g.Backend == defaultBackend {
		if g.URL == "" {
			g.URL = defaultOllamaURL
		}
		if g.Model == "" {
			g.Model = defaultOllamaModel
		}
		if g.EmbeddingModel == "" {
			g.EmbeddingModel = defaultEmbeddingModel
		}
	}
	if g.APIKey == "" {
		g.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if g.MaxTokens <= 0 {
		g.MaxTokens = defaultMaxTokens
	}

	r := &cfg.Retrieval
	if r.TopK <= 0 {
		r.TopK = defaultTopK
	}
	if r.ClusterCeiling <= 0 {
		r.ClusterCeiling = defaultClusterCeiling
	}
	if r.ClusterSize <= 0 {
		r.ClusterSize = defaultClusterSize
	}
	if r.MaxClusters <= 0 {
		r.MaxClusters = defaultMaxClusters
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaultStoreBackend
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Vault.Sources != "" && !filepath.IsAbs(cfg.Vault.Sources) {
		cfg.Vault.Sources = filepath.Join(cfg.Vault.Path, cfg.Vault.Sources)
	}
}

// timeout parses generation.timeout, falling back to the default for an
// empty or invalid value.
func (g GenerationConfig) timeout() (time.Duration, error) {
	if g.Timeout == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(g.Timeout)
	if err != nil {
		return defaultTimeout, fmt.Errorf("generation.timeout: %w", err)
	}
	return d, nil
}
