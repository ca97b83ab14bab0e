package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                  = 8080
	defaultDataDir               = "data"
	defaultMaxConcurrentProjects = 3
	defaultStepTimeout           = 5 * time.Minute
	defaultLogLevel              = "info"
	defaultProvider              = "gemini"
	defaultMaxAttempts           = 3
	defaultBackoffUnit           = time.Second

	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Environment variables consulted for model credentials, in priority order.
var (
	GeminiKeyEnv = []string{"STEPFORGE_GEMINI_API_KEY", "GEMINI_API_KEY"}
	OpenAIKeyEnv = []string{"STEPFORGE_OPENAI_API_KEY", "OPENAI_API_KEY"}
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                  int           `yaml:"port"`
	DataDir               string        `yaml:"data_dir"`
	StagingDir            string        `yaml:"staging_dir"`
	ArchiveDir            string        `yaml:"archive_dir"`
	Store                 string        `yaml:"store"`
	MaxConcurrentProjects int           `yaml:"max_concurrent_projects"`
	StepTimeout           time.Duration `yaml:"step_timeout"`
	LogLevel              string        `yaml:"log_level"`
	LogFile               string        `yaml:"log_file"`
	Model                 Model         `yaml:"model"`
	Planner               Planner       `yaml:"planner"`
}

type Model struct {
	Provider    string        `yaml:"provider"`
	Name        string        `yaml:"name"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
	Temperature *float32      `yaml:"temperature"`
}

type Planner struct {
	CheckIntent bool `yaml:"check_intent"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:                  defaultPort,
		DataDir:               defaultDataDir,
		Store:                 StoreFile,
		MaxConcurrentProjects: defaultMaxConcurrentProjects,
		StepTimeout:           defaultStepTimeout,
		LogLevel:              defaultLogLevel,
		Model: Model{
			Provider:    defaultProvider,
			MaxAttempts: defaultMaxAttempts,
			BackoffUnit: defaultBackoffUnit,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned. Environment credentials are applied and
// the result is normalized and validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv fills the model API key from the environment when the file does
// not set one.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if strings.TrimSpace(c.Model.APIKey) != "" {
		return
	}
	keys := GeminiKeyEnv
	if strings.EqualFold(c.Model.Provider, "openai") {
		keys = OpenAIKeyEnv
	}
	for _, k := range keys {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			c.Model.APIKey = strings.TrimSpace(v)
			return
		}
	}
}

// Normalize fills derived paths and zero values with their defaults.
func (c *Config) Normalize() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.DataDir = filepath.Clean(c.DataDir)
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(c.DataDir, "staging")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.DataDir, "archives")
	}
	c.StagingDir = filepath.Clean(c.StagingDir)
	c.ArchiveDir = filepath.Clean(c.ArchiveDir)
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = StoreFile
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	if c.Model.Provider == "" {
		c.Model.Provider = defaultProvider
	}
	if c.Model.MaxAttempts == 0 {
		c.Model.MaxAttempts = defaultMaxAttempts
	}
	if c.Model.BackoffUnit == 0 {
		c.Model.BackoffUnit = defaultBackoffUnit
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder
	if c.Port < 1 || c.Port > 65535 {
		errs = errs.Append("port", fmt.Errorf("must be between 1 and 65535, got %d", c.Port))
	}
	if c.MaxConcurrentProjects < 0 {
		errs = errs.Append("max_concurrent_projects", fmt.Errorf("must be >= 0, got %d", c.MaxConcurrentProjects))
	}
	if c.StepTimeout < 0 {
		errs = errs.Append("step_timeout", fmt.Errorf("must not be negative, got %s", c.StepTimeout))
	}
	if c.Model.MaxAttempts < 1 {
		errs = errs.Append("model.max_attempts", fmt.Errorf("must be >= 1, got %d", c.Model.MaxAttempts))
	}
	if c.Model.BackoffUnit < 0 {
		errs = errs.Append("model.backoff_unit", fmt.Errorf("must not be negative, got %s", c.Model.BackoffUnit))
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = errs.Append("model.temperature", fmt.Errorf("must be between 0 and 2, got %g", *t))
	}

	return criterio.ValidateStruct(
		errs.ToError(),
		criterio.Run("store", c.Store, oneOf(StoreFile, StoreSQLite)),
		criterio.Run("model.provider", c.Model.Provider, oneOf("gemini", "openai")),
		criterio.Run("log_level", c.LogLevel, knownLevel),
		criterio.Run("data_dir", c.DataDir, isDirectoryOrNotExist),
		criterio.Run("staging_dir", c.StagingDir, isDirectoryOrNotExist),
		criterio.Run("archive_dir", c.ArchiveDir, isDirectoryOrNotExist),
	)
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s, got %q", strings.Join(allowed, ", "), v)
	}
}

func knownLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("unknown level %q", level)
	}
	return nil
}

func isDirectoryOrNotExist(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}
	return nil
}
