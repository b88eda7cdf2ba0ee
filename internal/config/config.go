package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig describes one application of the batch. Exactly one of Path
// (a JavaScript source file) or Builtin (a program compiled into the kernel
// image) must be set.
type AppConfig struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path,omitempty"`
	Builtin string `yaml:"builtin,omitempty"`
}

// Config holds configuration for one kernel boot.
type Config struct {
	LogLevel  string      `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string      `yaml:"log_format"` // Log format: text, json
	TraceDB   string      `yaml:"trace_db"`   // SQLite path for run traces; empty disables recording
	Apps      []AppConfig `yaml:"apps"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the application list against the board limits.
func (c Config) Validate() error {
	if len(c.Apps) == 0 {
		return fmt.Errorf("no applications configured")
	}
	if len(c.Apps) > MaxAppNum {
		return fmt.Errorf("%d applications configured, board supports at most %d", len(c.Apps), MaxAppNum)
	}
	for i, app := range c.Apps {
		hasPath := strings.TrimSpace(app.Path) != ""
		hasBuiltin := strings.TrimSpace(app.Builtin) != ""
		if hasPath == hasBuiltin {
			return fmt.Errorf("apps[%d]: exactly one of path or builtin must be set", i)
		}
	}
	return nil
}
