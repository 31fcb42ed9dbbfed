// Package config loads the provsync runtime configuration: where the store
// lives, how to log, how many provisioning workers to run and how to reach
// the AMQP broker for break notifications.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAMQPURL overrides amqp.url so broker credentials can stay out of
// config files.
const EnvAMQPURL = "PROVSYNC_AMQP_URL"

// Config is the runtime configuration.
type Config struct {
	// Database is the SQLite file. Relative paths resolve against the
	// directory of the config file.
	Database string `yaml:"database"`

	// Catalog is the default CUE catalog directory for catalog commands.
	Catalog string `yaml:"catalog,omitempty"`

	// Fixtures is the directory of memory-connector fixtures. A system's
	// "fixture" setting is resolved against it.
	Fixtures string `yaml:"fixtures,omitempty"`

	Log  LogConfig  `yaml:"log"`
	AMQP AMQPConfig `yaml:"amqp"`

	// Workers is the size of the provisioning worker pool.
	Workers int `yaml:"workers"`

	// ShutdownTimeout bounds how long in-flight work may take to drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// AMQPConfig configures the broker used by amqp recipients.
type AMQPConfig struct {
	URL string `yaml:"url,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database:        "provsync.db",
		Log:             LogConfig{Level: "info", Format: "text"},
		Workers:         4,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads a YAML config file over the defaults. Unknown fields are
// rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if url := os.Getenv(EnvAMQPURL); url != "" {
		cfg.AMQP.URL = url
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative"))
	}
	if c.AMQP.URL != "" && !strings.HasPrefix(c.AMQP.URL, "amqp://") && !strings.HasPrefix(c.AMQP.URL, "amqps://") {
		errs = append(errs, fmt.Errorf("amqp.url must use amqp:// or amqps://"))
	}
	return errors.Join(errs...)
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Database, &c.Catalog, &c.Fixtures} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", name, err)
	}
	return level, nil
}

// Logger builds the logger the config describes, writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
