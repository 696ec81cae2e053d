// Package config loads engine configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: GENSTREAM_BACKEND__BASE_URL sets backend.base_url.
const EnvPrefix = "GENSTREAM_"

type Config struct {
	Backend     BackendConfig             `koanf:"backend"`
	Endpoints   map[string]EndpointConfig `koanf:"endpoints"`
	Storage     StorageConfig             `koanf:"storage"`
	Persistence PersistenceConfig         `koanf:"persistence"`
	Decoder     DecoderConfig             `koanf:"decoder"`
	Telemetry   TelemetryConfig           `koanf:"telemetry"`
	Server      ServerConfig              `koanf:"server"`
}

type BackendConfig struct {
	BaseURL   string `koanf:"base_url"`
	APIKey    string `koanf:"api_key"`
	UserAgent string `koanf:"user_agent"`
}

// EndpointConfig overrides the paths of one target. Empty fields keep the
// built-in routes.
type EndpointConfig struct {
	Start    string `koanf:"start"`
	Feedback string `koanf:"feedback"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type PersistenceConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type DecoderConfig struct {
	MaxRecordBytes int `koanf:"max_record_bytes"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// ServerConfig applies to "genstream -serve".
type ServerConfig struct {
	Port int `koanf:"port"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (optional; "" or a missing file is skipped), then .env,
// then GENSTREAM_ environment variables, which win.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load()

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment.
func Default() *Config {
	k := koanf.New(".")
	setDefaults(k)

	var cfg Config
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"storage.type":             "memory",
		"storage.sqlite.path":      "genstream.db",
		"persistence.timeout":      "5s",
		"decoder.max_record_bytes": 4 << 20,
		"telemetry.service_name":   "genstream",
		"server.port":              8080,
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	switch c.Storage.Type {
	case "memory", "none":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	for name := range c.Endpoints {
		switch name {
		case "workout", "knowledge", "profile_overview":
		default:
			return fmt.Errorf("unknown endpoint target %q", name)
		}
	}
	if c.Persistence.Timeout < 0 {
		return errors.New("persistence.timeout must not be negative")
	}
	if c.Decoder.MaxRecordBytes < 0 {
		return errors.New("decoder.max_record_bytes must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
