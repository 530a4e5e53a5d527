// Package config assembles forge configuration from defaults, an optional
// YAML file and FORGE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forge-labs/forge-go/internal/aibackend"
	"github.com/forge-labs/forge-go/internal/export"
	"github.com/forge-labs/forge-go/internal/platform/env"
	"github.com/forge-labs/forge-go/internal/platform/httpserver"
	"github.com/forge-labs/forge-go/internal/platform/objectstore"
	"github.com/forge-labs/forge-go/internal/platform/postgres"
	"github.com/forge-labs/forge-go/internal/platform/sqlite"
	"github.com/forge-labs/forge-go/internal/retry"
)

const (
	SessionsFile     = "file"
	SessionsSQLite   = "sqlite"
	SessionsPostgres = "postgres"

	AssetsFS     = "fs"
	AssetsMinIO  = "minio"
	AssetsMemory = "memory"

	AIProcedural = "procedural"
	AIHTTP       = "http"
)

type Config struct {
	DataDir   string `yaml:"data_dir"`
	SchemaDir string `yaml:"schema_dir"`

	Sessions SessionsConfig `yaml:"sessions"`
	Assets   AssetsConfig   `yaml:"assets"`
	Retry    retry.Policy   `yaml:"retry"`
	Stages   StagesConfig   `yaml:"stages"`
	AI       AIConfig       `yaml:"ai"`
	Export   ExportConfig   `yaml:"export"`
	Log      LogConfig      `yaml:"log"`

	HTTP        httpserver.Config  `yaml:"http"`
	Postgres    postgres.Config    `yaml:"postgres"`
	SQLite      sqlite.Config      `yaml:"sqlite"`
	ObjectStore objectstore.Config `yaml:"objectstore"`
}

type SessionsConfig struct {
	Backend string `yaml:"backend"`
}

type AssetsConfig struct {
	Backend string `yaml:"backend"`
}

type StagesConfig struct {
	RetryAttempts int `yaml:"retry_attempts"`
	// VerifyParallelism bounds concurrent replays in verify.
	VerifyParallelism int `yaml:"verify_parallelism"`
}

type AIConfig struct {
	Backend string               `yaml:"backend"`
	HTTP    aibackend.HTTPConfig `yaml:"http"`
}

type ExportConfig struct {
	Preset string `yaml:"preset"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		DataDir:  dataDir,
		Sessions: SessionsConfig{Backend: SessionsFile},
		Assets:   AssetsConfig{Backend: AssetsFS},
		Retry:    retry.DefaultPolicy(),
		Stages:   StagesConfig{RetryAttempts: 2, VerifyParallelism: 4},
		AI: AIConfig{
			Backend: AIProcedural,
			HTTP: aibackend.HTTPConfig{
				ModelVersion: aibackend.DefaultProceduralVersion,
				Timeout:      30 * time.Second,
				Breaker:      aibackend.DefaultBreakerConfig(),
			},
		},
		Export:      ExportConfig{Preset: export.PresetBevy},
		Log:         LogConfig{Level: "info", Format: "text"},
		HTTP:        httpserver.DefaultConfig(),
		Postgres:    postgres.DefaultConfig(),
		SQLite:      sqlite.Config{BusyTimeout: sqlite.DefaultConfig(dataDir).BusyTimeout},
		ObjectStore: objectstore.DefaultConfig(),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".forge")
	}
	return ".forge"
}

// Load layers defaults, the YAML file at path (or FORGE_CONFIG when path is
// empty) and the environment. A missing explicit file is an error. The
// SQLite path defaults to sessions.db under the final data directory.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = env.String("FORGE_CONFIG", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = sqlite.DefaultConfig(cfg.DataDir).Path
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) applyEnv() error {
	var err error
	c.DataDir = env.String("FORGE_DATA_DIR", c.DataDir)
	c.SchemaDir = env.String("FORGE_SCHEMA_DIR", c.SchemaDir)
	c.Sessions.Backend = env.String("FORGE_SESSION_BACKEND", c.Sessions.Backend)
	c.Assets.Backend = env.String("FORGE_ASSET_BACKEND", c.Assets.Backend)
	c.Export.Preset = env.String("FORGE_EXPORT_PRESET", c.Export.Preset)
	c.Log.Level = env.String("FORGE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.String("FORGE_LOG_FORMAT", c.Log.Format)

	if c.Retry.MaxAttempts, err = env.Int("FORGE_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts); err != nil {
		return err
	}
	if c.Retry.InitialInterval, err = env.Duration("FORGE_RETRY_INITIAL_INTERVAL", c.Retry.InitialInterval); err != nil {
		return err
	}
	if c.Retry.MaxInterval, err = env.Duration("FORGE_RETRY_MAX_INTERVAL", c.Retry.MaxInterval); err != nil {
		return err
	}
	if c.Stages.RetryAttempts, err = env.Int("FORGE_STAGE_RETRY_ATTEMPTS", c.Stages.RetryAttempts); err != nil {
		return err
	}
	if c.Stages.VerifyParallelism, err = env.Int("FORGE_VERIFY_PARALLELISM", c.Stages.VerifyParallelism); err != nil {
		return err
	}

	c.AI.Backend = env.String("FORGE_AI_BACKEND", c.AI.Backend)
	c.AI.HTTP.BaseURL = env.String("FORGE_AI_URL", c.AI.HTTP.BaseURL)
	c.AI.HTTP.ModelVersion = env.String("FORGE_AI_MODEL_VERSION", c.AI.HTTP.ModelVersion)
	if c.AI.HTTP.Timeout, err = env.Duration("FORGE_AI_TIMEOUT", c.AI.HTTP.Timeout); err != nil {
		return err
	}

	if c.HTTP, err = httpserver.ConfigFromEnv(c.HTTP); err != nil {
		return err
	}
	if c.Postgres, err = postgres.ConfigFromEnv(c.Postgres); err != nil {
		return err
	}
	if c.SQLite, err = sqlite.ConfigFromEnv(c.SQLite); err != nil {
		return err
	}
	if c.ObjectStore, err = objectstore.ConfigFromEnv(c.ObjectStore); err != nil {
		return err
	}
	return nil
}

// Validate reports every invalid field at once. Backend sub-configs are only
// checked when their backend is selected.
func (c Config) Validate() error {
	var errs []error
	add := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir", errors.New("is required"))
	}

	switch c.Sessions.Backend {
	case SessionsFile:
	case SessionsSQLite:
		add("sqlite", c.SQLite.Validate())
	case SessionsPostgres:
		add("postgres", c.Postgres.Validate())
	default:
		add("sessions.backend", fmt.Errorf("unknown backend %q (file, sqlite, postgres)", c.Sessions.Backend))
	}

	switch c.Assets.Backend {
	case AssetsFS, AssetsMemory:
	case AssetsMinIO:
		add("objectstore", c.ObjectStore.Validate())
	default:
		add("assets.backend", fmt.Errorf("unknown backend %q (fs, minio, memory)", c.Assets.Backend))
	}

	switch c.AI.Backend {
	case AIProcedural:
	case AIHTTP:
		add("ai.http", c.AI.HTTP.Validate())
	default:
		add("ai.backend", fmt.Errorf("unknown backend %q (procedural, http)", c.AI.Backend))
	}

	add("retry", c.Retry.Validate())
	if c.Stages.RetryAttempts < 1 {
		add("stages.retry_attempts", errors.New("must be at least 1"))
	}
	if c.Stages.VerifyParallelism < 1 {
		add("stages.verify_parallelism", errors.New("must be at least 1"))
	}
	if !knownPreset(c.Export.Preset) {
		add("export.preset", fmt.Errorf("unknown preset %q", c.Export.Preset))
	}
	add("http", c.HTTP.Validate())
	if _, err := logLevel(c.Log.Level); err != nil {
		add("log.level", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format", fmt.Errorf("unsupported format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func knownPreset(name string) bool {
	for _, p := range export.DefaultPresets() {
		if p.Name == name {
			return true
		}
	}
	return false
}
