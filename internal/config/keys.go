package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PLOTWEAVE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "PLOTWEAVE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.auth_token", typ: kString, env: "PLOTWEAVE_SERVER_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "log.level", typ: kString, env: "PLOTWEAVE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PLOTWEAVE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "PLOTWEAVE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "generation.api_key", typ: kString, env: "PLOTWEAVE_GENERATION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.base_url", typ: kString, env: "PLOTWEAVE_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.fast_model", typ: kString, env: "PLOTWEAVE_GENERATION_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.FastModel },
	},
	{
		key: "generation.standard_model", typ: kString, env: "PLOTWEAVE_GENERATION_STANDARD_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.StandardModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.StandardModel },
	},
	{
		key: "generation.advanced_model", typ: kString, env: "PLOTWEAVE_GENERATION_ADVANCED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.AdvancedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.AdvancedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PLOTWEAVE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.remote_url", typ: kString, env: "PLOTWEAVE_SYNC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteURL },
	},
	{
		key: "sync.token", typ: kString, env: "PLOTWEAVE_SYNC_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Token },
	},
	{
		key: "sync.interval_minutes", typ: kInt, env: "PLOTWEAVE_SYNC_INTERVAL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Sync.IntervalMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.IntervalMinutes },
	},
	{
		key: "analysis.cache_ttl_minutes", typ: kInt, env: "PLOTWEAVE_ANALYSIS_CACHE_TTL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Analysis.CacheTTLMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.CacheTTLMinutes },
	},
	{
		key: "analysis.top_k", typ: kInt, env: "PLOTWEAVE_ANALYSIS_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Analysis.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.TopK },
	},
	{
		key: "analysis.min_score", typ: kFloat, env: "PLOTWEAVE_ANALYSIS_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.MinScore },
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
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
