package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// ConfigLoader handles loading configuration from files.
type ConfigLoader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

// viperConfigLoader implements ConfigLoader using Viper.
type viperConfigLoader struct {
	validator ConfigValidator
}

// NewConfigLoader creates a new ConfigLoader instance.
func NewConfigLoader(validator ConfigValidator) ConfigLoader {
	return &viperConfigLoader{
		validator: validator,
	}
}

// Load loads configuration from the specified file path.
// Returns an error if the file doesn't exist or cannot be parsed.
func (l *viperConfigLoader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so a sparse file only overrides what it names.
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Interpolate ${VAR} references so secrets stay out of the file.
	applyInterpolation(cfg)

	if err := l.validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration.
func (l *viperConfigLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.validator.Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	return l.Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolateString replaces ${VAR_NAME} with environment variable values.
// Unset variables leave the reference in place so validation can flag it.
func interpolateString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if envValue := os.Getenv(varName); envValue != "" {
			return envValue
		}
		return match
	})
}

// applyInterpolation expands ${VAR} references in the string fields where
// secrets and host-specific paths live.
func applyInterpolation(cfg *Config) {
	cfg.Core.HomeDir = interpolateString(cfg.Core.HomeDir)
	cfg.Core.DataDir = interpolateString(cfg.Core.DataDir)
	cfg.Database.Path = interpolateString(cfg.Database.Path)
	cfg.Graph.SnapshotDir = interpolateString(cfg.Graph.SnapshotDir)
	cfg.Graph.Neo4j.URI = interpolateString(cfg.Graph.Neo4j.URI)
	cfg.Graph.Neo4j.Username = interpolateString(cfg.Graph.Neo4j.Username)
	cfg.Graph.Neo4j.Password = interpolateString(cfg.Graph.Neo4j.Password)
	cfg.LLM.APIKey = interpolateString(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = interpolateString(cfg.LLM.BaseURL)
	cfg.Capture.FixturesDir = interpolateString(cfg.Capture.FixturesDir)
	cfg.Capture.LiveEndpoint = interpolateString(cfg.Capture.LiveEndpoint)
	cfg.Tracing.Endpoint = interpolateString(cfg.Tracing.Endpoint)

	for name, target := range cfg.Targets {
		target.BaseURL = interpolateString(target.BaseURL)
		cfg.Targets[name] = target
	}
}
