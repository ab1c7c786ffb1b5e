// Package config loads relay configuration from an optional YAML file and
// EVENTRELAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "eventrelay.yaml"

// EnvPrefix prefixes every environment override. Nested keys use "__",
// e.g. EVENTRELAY_UPLOAD__MAX_ATTEMPTS.
const EnvPrefix = "EVENTRELAY_"

// SDKVersion is reported in every event and engagement request.
const SDKVersion = "eventrelay-go-1.0.0"

type Config struct {
	Collect    EndpointConfig  `koanf:"collect"`
	Engage     EndpointConfig  `koanf:"engage"`
	EnvKey     string          `koanf:"env_key"`
	HashSecret string          `koanf:"hash_secret"` // Supports ${VAR} substitution
	Storage    StorageConfig   `koanf:"storage"`
	Queue      QueueConfig     `koanf:"queue"`
	Upload     UploadConfig    `koanf:"upload"`
	Identity   IdentityConfig  `koanf:"identity"`
	HTTP       HTTPConfig      `koanf:"http"`
	SDK        SDKConfig       `koanf:"sdk"`
	Debug      bool            `koanf:"debug"`
	Agent      AgentConfig     `koanf:"agent"`
	Telemetry  TelemetryConfig `koanf:"telemetry"`
}

type EndpointConfig struct {
	URL string `koanf:"url"`
}

type StorageConfig struct {
	Type             string `koanf:"type"` // sqlite, memory
	EventsPath       string `koanf:"events_path"`
	EngagePath       string `koanf:"engage_path"`
	ResetEvents      bool   `koanf:"reset_events"`
	ResetEngagements bool   `koanf:"reset_engagements"`
}

type QueueConfig struct {
	MaxEvents int `koanf:"max_events"`
}

type UploadConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
	Auto         bool          `koanf:"auto"` // Start the periodic upload scheduler
	InitialDelay time.Duration `koanf:"initial_delay"`
	Interval     time.Duration `koanf:"interval"`
}

type IdentityConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	UserID          string        `koanf:"user_id"`          // Optional: explicit user id
	GenerateLocally bool          `koanf:"generate_locally"` // Use a local uuid instead of remote issuance
}

type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"` // Per attempt
}

type SDKConfig struct {
	APIVersion string `koanf:"api_version"`
	SDKVersion string `koanf:"sdk_version"`
	Platform   string `koanf:"platform"`
	Locale     string `koanf:"locale"`
}

type AgentConfig struct {
	Addr string `koanf:"addr"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"storage.type":          "sqlite",
	"storage.events_path":   ".eventrelay/events.db",
	"storage.engage_path":   ".eventrelay/engage.db",
	"queue.max_events":      10000,
	"upload.max_attempts":   3,
	"upload.retry_delay":    "2s",
	"upload.initial_delay":  "60s",
	"upload.interval":       "60s",
	"identity.max_attempts": 3,
	"identity.retry_delay":  "2s",
	"http.timeout":          "30s",
	"sdk.api_version":       "4",
	"sdk.sdk_version":       SDKVersion,
	"sdk.platform":          strings.ToUpper(runtime.GOOS),
	"agent.addr":            "127.0.0.1:8910",
}

// Load reads path (DefaultPath when empty), then applies environment
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.HashSecret = substituteEnvVars(cfg.HashSecret)

	return &cfg, nil
}

// Validate checks the settings a relay cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.EnvKey == "" {
		errs = append(errs, errors.New("env_key is required"))
	}
	if c.Collect.URL == "" {
		errs = append(errs, errors.New("collect.url is required"))
	}
	if c.Engage.URL == "" {
		errs = append(errs, errors.New("engage.url is required"))
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if c.Upload.MaxAttempts < 1 || c.Identity.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if c.Upload.Auto && c.Upload.Interval <= 0 {
		errs = append(errs, errors.New("upload.interval must be positive when upload.auto is set"))
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
