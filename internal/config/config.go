// Package config loads omnistore configuration.
//
// A configuration file is YAML. The raw document is checked against an
// embedded CUE schema before it is decoded, so unknown keys and values of
// the wrong kind are reported with their path. Defaults fill whatever the
// file leaves out.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Defaults.
const (
	DefaultOrigin      = "default"
	DefaultFormat      = "text"
	DefaultLogLevel    = "info"
	DefaultDatabase    = "omnistore-db"
	DefaultKVVersion   = 1
	DefaultOpenTimeout = time.Second
	DefaultImageLayout = "kv"
	DefaultImageKey    = "omnistore-sqlite.db"
)

// Config is the complete omnistore configuration.
type Config struct {
	Profile  string `yaml:"profile"`
	Origin   string `yaml:"origin"`
	Format   string `yaml:"format"`
	LogLevel string `yaml:"log_level"`

	KV     KVConfig     `yaml:"kv"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// KVConfig configures the async KV store.
type KVConfig struct {
	Database    string        `yaml:"database"`
	Version     int           `yaml:"version"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SQLiteConfig configures the relational engine.
type SQLiteConfig struct {
	ResourceDir string   `yaml:"resource_dir"`
	Extensions  []string `yaml:"extensions"`
	ImageLayout string   `yaml:"image_layout"`
	ImageKey    string   `yaml:"image_key"`
}

// ValidationError reports a configuration that does not match the schema.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid config: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DefaultProfile returns the profile directory used when none is configured.
func DefaultProfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnistore"
	}
	return filepath.Join(home, ".omnistore")
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Profile == "" {
		c.Profile = DefaultProfile()
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.KV.Database == "" {
		c.KV.Database = DefaultDatabase
	}
	if c.KV.Version == 0 {
		c.KV.Version = DefaultKVVersion
	}
	if c.KV.OpenTimeout == 0 {
		c.KV.OpenTimeout = DefaultOpenTimeout
	}
	if c.SQLite.ImageLayout == "" {
		c.SQLite.ImageLayout = DefaultImageLayout
	}
	if c.SQLite.ImageKey == "" {
		c.SQLite.ImageKey = DefaultImageKey
	}
}

// Load reads the configuration file at path. A missing file is not an
// error when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Path == "" {
			ve.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks a configuration assembled in code, for example after
// command-line overrides.
func (c *Config) Validate() error {
	return validate(c.document())
}

// document renders c in the shape of a configuration file.
func (c *Config) document() map[string]any {
	kv := map[string]any{}
	if c.KV.Database != "" {
		kv["database"] = c.KV.Database
	}
	if c.KV.Version != 0 {
		kv["version"] = c.KV.Version
	}
	if c.KV.OpenTimeout != 0 {
		kv["open_timeout"] = c.KV.OpenTimeout.String()
	}

	sqlite := map[string]any{"resource_dir": c.SQLite.ResourceDir}
	if len(c.SQLite.Extensions) > 0 {
		exts := make([]any, len(c.SQLite.Extensions))
		for i, e := range c.SQLite.Extensions {
			exts[i] = e
		}
		sqlite["extensions"] = exts
	}
	if c.SQLite.ImageLayout != "" {
		sqlite["image_layout"] = c.SQLite.ImageLayout
	}
	if c.SQLite.ImageKey != "" {
		sqlite["image_key"] = c.SQLite.ImageKey
	}

	doc := map[string]any{"kv": kv, "sqlite": sqlite}
	for key, v := range map[string]string{
		"profile":   c.Profile,
		"origin":    c.Origin,
		"format":    c.Format,
		"log_level": c.LogLevel,
	} {
		if v != "" {
			doc[key] = v
		}
	}
	return doc
}

func validate(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
