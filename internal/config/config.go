// Package config loads and validates the gateway's runtime configuration.
//
// The provider catalog (auth token, providers, models) is always read from a
// JSON file — CONFIG_PATH if set, otherwise ./config.json — never from
// environment variables, so that operators manage it as a single versioned
// artifact. Two operational knobs, the listen port (PORT) and log level
// (LOG_LEVEL), may additionally be supplied via environment variables or a
// .env file; those never affect the provider catalog itself. The database
// settings come from the JSON file only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Model maps a client-visible alias to the real upstream model name.
type Model struct {
	Alias string `json:"alias"`
	Model string `json:"model"`
	// Think, when true, means the upstream prefaces output with a
	// <think>...</think> block that the no_think endpoint must strip.
	Think bool `json:"think"`
}

// Provider is one upstream LLM backend.
type Provider struct {
	Name   string  `json:"name"`
	URL    string  `json:"url"`
	Keys   []string `json:"keys"`
	Models []Model `json:"models"`
}

// LogConfig controls the logging collaborator (out of scope for this
// module beyond carrying the values through).
type LogConfig struct {
	Level       string `json:"level"`
	File        string `json:"file"`
	MaxFiles    int    `json:"max_files"`
	MaxFileSize int64  `json:"max_file_size"`
}

// DatabaseConfig describes the optional persistent cache store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Empty disables persistence.
	Driver string `json:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `json:"dsn"`
}

// Config is the immutable snapshot of everything the gateway needs to run.
// A Config value, once returned by Load or Reload, is never mutated in
// place — ConfigStore replaces the whole pointer on reload.
type Config struct {
	Auth      string         `json:"auth"`
	Port      int            `json:"port"`
	Providers []Provider     `json:"providers"`
	Log       *LogConfig     `json:"log,omitempty"`
	Database  DatabaseConfig `json:"database"`
	CacheSize int            `json:"cache_size"`

	// Operational knobs layered from env/.env, not from the JSON file.
	LogLevel string `json:"-"`
}

const defaultCacheSize = 1000

// Load reads the provider-catalog JSON file and overlays operational
// env/.env knobs. It returns a validated, ready-to-use Config.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config.json"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file %q: %w", path, err)
	}

	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("config: schema validation failed: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", 0)

	cfg.LogLevel = strings.ToLower(v.GetString("LOG_LEVEL"))
	if p := v.GetInt("PORT"); p > 0 {
		cfg.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the semantic constraints the JSON schema cannot express:
// an auth token, at least one provider, and each provider must carry at
// least one key and at least one model.
func (c *Config) Validate() error {
	if c.Auth == "" {
		return fmt.Errorf("config: auth token cannot be empty")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured")
	}
	for _, p := range c.Providers {
		if len(p.Keys) == 0 {
			return fmt.Errorf("config: provider %q must have at least one API key", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("config: provider %q must have at least one model", p.Name)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// configSchema is the JSON Schema enforced before Go-level validation runs,
// catching shape errors (wrong types, missing required arrays) with a
// clearer message than a panic deep inside Validate would give.
const configSchema = `{
	"type": "object",
	"required": ["auth", "providers"],
	"properties": {
		"auth": {"type": "string"},
		"port": {"type": "integer"},
		"providers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "url", "keys", "models"],
				"properties": {
					"name": {"type": "string"},
					"url": {"type": "string"},
					"keys": {"type": "array", "items": {"type": "string"}},
					"models": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["alias", "model"],
							"properties": {
								"alias": {"type": "string"},
								"model": {"type": "string"},
								"think": {"type": "boolean"}
							}
						}
					}
				}
			}
		}
	}
}`

func validateSchema(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config for schema check: %w", err)
	}

	return schema.Validate(doc)
}

func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
