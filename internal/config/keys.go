package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kStrings
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	altEnv  string // also accepted, lower precedence than env
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.dir", typ: kString, env: "HUBCACHE_STORAGE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Dir },
	},
	{
		key: "hubspot.access_token", typ: kString, env: "HUBCACHE_HUBSPOT_ACCESS_TOKEN", altEnv: "HUBSPOT_ACCESS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.HubSpot.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.HubSpot.AccessToken },
	},
	{
		key: "hubspot.base_url", typ: kString, env: "HUBCACHE_HUBSPOT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.HubSpot.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.HubSpot.BaseURL },
	},
	{
		key: "hubspot.rate_limit", typ: kFloat, env: "HUBCACHE_HUBSPOT_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.HubSpot.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.HubSpot.RateLimit },
	},
	{
		key: "embedding.provider", typ: kString, env: "HUBCACHE_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "HUBCACHE_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.base_url", typ: kString, env: "HUBCACHE_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, env: "HUBCACHE_EMBEDDING_API_KEY", altEnv: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "HUBCACHE_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "ollama.base_url", typ: kString, env: "HUBCACHE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "server.port", typ: kInt, env: "HUBCACHE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "HUBCACHE_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "refresh.schedule", typ: kString, env: "HUBCACHE_REFRESH_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.Schedule },
	},
	{
		key: "refresh.types", typ: kStrings, env: "HUBCACHE_REFRESH_TYPES",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Types = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Refresh.Types, ",") },
	},
	{
		key: "refresh.limit", typ: kInt, env: "HUBCACHE_REFRESH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Refresh.Limit },
	},
	{
		key: "refresh.enabled", typ: kBool, env: "HUBCACHE_REFRESH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Refresh.Enabled },
	},
	{
		key: "index.keep_days", typ: kInt, env: "HUBCACHE_INDEX_KEEP_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Index.KeepDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.KeepDays },
	},
	{
		key: "log.level", typ: kString, env: "HUBCACHE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kStrings:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw, name := os.Getenv(s.env), s.env
		if raw == "" && s.altEnv != "" {
			raw, name = os.Getenv(s.altEnv), s.altEnv
		}
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kStrings:
			s.apply(cfg, splitList(raw))
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}

// applySecrets fills secrets still empty after env overrides.
func applySecrets(cfg *Config, secrets secretReader) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
