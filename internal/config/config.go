package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Storage   StorageConfig
	HubSpot   HubSpotConfig
	Embedding EmbeddingConfig
	Ollama    OllamaConfig
	Server    ServerConfig
	Refresh   RefreshConfig
	Index     IndexConfig
	Log       LogConfig
}

type StorageConfig struct {
	Dir string
}

type HubSpotConfig struct {
	AccessToken string
	BaseURL     string
	RateLimit   float64
}

type EmbeddingConfig struct {
	Provider   string // "ollama" or "openai"
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

type OllamaConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type RefreshConfig struct {
	Schedule string
	Types    []string
	Limit    int
	Enabled  bool
}

type IndexConfig struct {
	KeepDays int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			Dir: defaultDataDir(),
		},
		HubSpot: HubSpotConfig{
			BaseURL:   "https://api.hubapi.com",
			RateLimit: 10,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Refresh: RefreshConfig{
			Schedule: "@every 6h",
			Types:    []string{"company", "contact", "deal", "email", "conversation_thread"},
			Limit:    100,
			Enabled:  true,
		},
		Index: IndexConfig{
			KeepDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/hubcache/config.yaml, then applies HUBCACHE_*
// environment overrides, then fills empty secrets from the secrets file.
// A HubSpot access token is required.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()), true)
}

// LoadUnchecked is Load without the access token requirement, for commands
// that only read the local cache.
func LoadUnchecked() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()), false)
}

// secretReader abstracts the secrets store for testing.
type secretReader interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader, requireToken bool) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if requireToken && cfg.HubSpot.AccessToken == "" {
		return Config{}, fmt.Errorf("missing required config: HubSpot access token. " +
			"Set it via environment variable HUBSPOT_ACCESS_TOKEN or `hubcache config set hubspot.access_token <token>`")
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	switch c.Embedding.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("invalid embedding.provider %q: want ollama or openai", c.Embedding.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Refresh.Limit <= 0 {
		return fmt.Errorf("invalid refresh.limit %d: must be positive", c.Refresh.Limit)
	}
	if c.Index.KeepDays < 0 {
		return fmt.Errorf("invalid index.keep_days %d", c.Index.KeepDays)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "hubcache-data"
		}
	}
	return filepath.Join(dir, "hubcache")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "hubcache", "config.yaml")
}
