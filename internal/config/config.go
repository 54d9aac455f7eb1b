package config

import (
	"fmt"
	"log/slog"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Storage    StorageConfig
	Sync       SyncConfig
	Analysis   AnalysisConfig
}

type ServerConfig struct {
	Port      int
	MCPPort   int
	AuthToken string
}

type LogConfig struct {
	Level string
}

// SlogLevel maps the configured level name onto slog. Unknown names fall
// back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type GenerationConfig struct {
	APIKey        string
	BaseURL       string
	FastModel     string
	StandardModel string
	AdvancedModel string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	RemoteURL       string
	Token           string
	IntervalMinutes int
}

type AnalysisConfig struct {
	CacheTTLMinutes int
	TopK            int
	MinScore        float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Generation: GenerationConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			FastModel:     "anthropic/claude-3-5-haiku",
			StandardModel: "anthropic/claude-sonnet-4",
			AdvancedModel: "anthropic/claude-opus-4",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			IntervalMinutes: 15,
		},
		Analysis: AnalysisConfig{
			CacheTTLMinutes: 5,
			TopK:            5,
			MinScore:        0.5,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.plotweave.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/plotweave/config.json
// and secrets live in a private secrets file or environment variables.
//
// Environment variables (PLOTWEAVE_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts platform secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get("plotweave", "generation_api_key"); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}
	if cfg.Sync.Token == "" {
		if token, err := kc.Get("plotweave", "sync_token"); err == nil && token != "" {
			cfg.Sync.Token = token
		}
	}

	if cfg.Generation.APIKey == "" {
		msg := "missing required config: generation API key. " +
			"Set it via environment variable PLOTWEAVE_GENERATION_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
