// Package config loads and saves the YAML configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"caldavtasks/backend"
	"caldavtasks/backend/sync"
	"caldavtasks/internal/utils"
)

//go:embed config.sample.yaml
var sampleConfig []byte

const (
	CONFIG_FILE_NAME = "config.yaml"
	CONFIG_DIR_PERM  = 0755
	CONFIG_FILE_PERM = 0600
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig `yaml:"server"`
	Sync       SyncConfig   `yaml:"sync"`
	Cache      CacheConfig  `yaml:"cache"`
	Log        LogConfig    `yaml:"log"`
	DateFormat string       `yaml:"date_format,omitempty"`

	path   string
	exists bool
}

// ServerConfig describes the CalDAV account.
type ServerConfig struct {
	Name               string        `yaml:"name" validate:"required,account_name"`
	URL                string        `yaml:"url" validate:"omitempty,server_url"`
	Username           string        `yaml:"username,omitempty"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	AllowHTTP          bool          `yaml:"allow_http"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" validate:"gte=0"`
}

// SyncConfig controls reconciliation and the worker schedule.
type SyncConfig struct {
	ConflictResolution string      `yaml:"conflict_resolution" validate:"oneof=server_wins local_wins merge keep_both"`
	Interval           string      `yaml:"interval" validate:"required,cron_spec"`
	MaxRetries         int         `yaml:"max_retries" validate:"gte=0"`
	Retry              RetryConfig `yaml:"retry"`
}

// RetryConfig is the worker backoff after a transient failure.
type RetryConfig struct {
	Initial     time.Duration `yaml:"initial" validate:"gt=0"`
	Max         time.Duration `yaml:"max" validate:"gtefield=Initial"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
}

type CacheConfig struct {
	Path string `yaml:"path,omitempty"`
}

type LogConfig struct {
	Level  string        `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File   string        `yaml:"file,omitempty"`
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report yaml keys instead of Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("cron_spec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("server_url", func(fl validator.FieldLevel) bool {
		_, err := utils.ValidateServerURL(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("account_name", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-') {
				return false
			}
		}
		return true
	})
}

// Default returns the configuration described by the embedded sample.
func Default() *Config {
	var c Config
	if err := yaml.Unmarshal(sampleConfig, &c); err != nil {
		panic(fmt.Sprintf("embedded sample config is invalid: %v", err))
	}
	return &c
}

// Sample returns the commented sample file.
func Sample() []byte {
	return append([]byte(nil), sampleConfig...)
}

// DefaultPath returns $XDG_CONFIG_HOME/caldavtasks/config.yaml.
func DefaultPath() (string, error) {
	return utils.XDGPath("XDG_CONFIG_HOME", ".config", CONFIG_FILE_NAME)
}

// Load reads the config at path, or DefaultPath when path is empty. A
// missing file yields the defaults; Exists reports which case applied.
// Keys absent from the file keep their default value.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, CONFIG_FILE_NAME)
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, utils.WrapWithSuggestion(
			fmt.Errorf("invalid YAML in config file %s: %w", path, err),
			"Fix the syntax error or move the file away to start from defaults")
	}
	cfg.exists = true

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path is the file the config was loaded from and is saved to.
func (c *Config) Path() string { return c.path }

// Exists reports whether the config was read from a file.
func (c *Config) Exists() bool { return c.exists }

// Validate checks every field and reports the first invalid one.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	e := verrs[0]
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	var reason string
	switch e.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = fmt.Sprintf("must be one of: %s", e.Param())
	case "cron_spec":
		reason = fmt.Sprintf("%q is not a cron spec (e.g. \"@every 15m\")", e.Value())
	case "server_url":
		_, urlErr := utils.ValidateServerURL(fmt.Sprint(e.Value()))
		reason = urlErr.Error()
	case "account_name":
		reason = "must contain only letters, numbers, underscores, and hyphens"
	case "gtefield":
		reason = "must not be lower than " + e.Param()
	default:
		reason = fmt.Sprintf("failed the %q check", e.Tag())
	}
	return utils.ErrInvalidConfig(c.path, field, reason)
}

// Save writes the config to its path, creating the directory.
func (c *Config) Save() error {
	if c.path == "" {
		path, err := DefaultPath()
		if err != nil {
			return err
		}
		c.path = path
	}
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), CONFIG_DIR_PERM); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(c.path, data, CONFIG_FILE_PERM); err != nil {
		return fmt.Errorf("failed to write config %s: %w", c.path, err)
	}
	c.exists = true
	return nil
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) { c.path = path }

// GetDateFormat returns the Go layout used to print dates.
func (c *Config) GetDateFormat() string {
	if c.DateFormat == "" {
		return "2006-01-02"
	}
	return c.DateFormat
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() sync.ConflictResolutionStrategy {
	s, err := sync.ParseStrategy(c.Sync.ConflictResolution)
	if err != nil {
		return sync.ServerWins
	}
	return s
}

// CachePath returns the expanded cache path, empty for the default.
func (c *Config) CachePath() (string, error) {
	return utils.ExpandPath(c.Cache.Path)
}

// LogFile returns the expanded worker log path.
func (c *Config) LogFile() (string, error) {
	if c.Log.File == "" {
		return utils.XDGPath("XDG_STATE_HOME", filepath.Join(".local", "state"), "worker.log")
	}
	return utils.ExpandPath(c.Log.File)
}

// Connector builds the connector config for the server section. Username
// and password come from credential resolution.
func (c *Config) Connector(username, password string) (backend.ConnectorConfig, error) {
	if c.Server.URL == "" {
		return backend.ConnectorConfig{}, utils.ErrNotLoggedIn()
	}
	server, err := utils.ValidateServerURL(c.Server.URL)
	if err != nil {
		return backend.ConnectorConfig{}, utils.ErrInvalidConfig(c.path, "server.url", err.Error())
	}
	u := server.URL
	u.User = nil
	return backend.ConnectorConfig{
		URL:                u,
		Username:           username,
		Password:           password,
		InsecureSkipVerify: c.Server.InsecureSkipVerify,
		AllowHTTP:          c.Server.AllowHTTP,
		Timeout:            c.Server.Timeout,
		RequestsPerSecond:  c.Server.RequestsPerSecond,
	}, nil
}
