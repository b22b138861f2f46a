package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "5s" in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// ParseError reports a config file that could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadConfig loads configuration from a JSON, TOML or YAML file, chosen by
// extension. An empty path falls back to $STEPDBG_CONFIG and then to
// config.{toml,yaml,yml,json} in the default session directory; if none
// exists the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	cfg.fillZeroes()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json", "":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func discover() string {
	if p := os.Getenv("STEPDBG_CONFIG"); p != "" {
		return p
	}
	dir := DefaultSessionDir()
	for _, name := range []string{"config.toml", "config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// fillZeroes restores defaults for limits a partial file left at zero.
func (c *Config) fillZeroes() {
	def := DefaultConfig()
	l := &c.Limits
	if l.EvalTimeout <= 0 {
		l.EvalTimeout = def.Limits.EvalTimeout
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = def.Limits.RequestTimeout
	}
	if l.StartTimeout <= 0 {
		l.StartTimeout = def.Limits.StartTimeout
	}
	if l.MaxValueLength <= 0 {
		l.MaxValueLength = def.Limits.MaxValueLength
	}
	if l.MaxChildren <= 0 {
		l.MaxChildren = def.Limits.MaxChildren
	}
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = def.Limits.MaxStackDepth
	}
	if c.SessionDir == "" {
		c.SessionDir = def.SessionDir
	}
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
}
