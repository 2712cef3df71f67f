package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ConfigValidator validates configuration values.
type ConfigValidator interface {
	Validate(cfg *Config) error
}

// validatorImpl implements ConfigValidator using go-playground/validator.
type validatorImpl struct {
	validate *validator.Validate
}

// NewValidator creates a new ConfigValidator instance.
func NewValidator() ConfigValidator {
	return &validatorImpl{
		validate: validator.New(),
	}
}

// Validate validates the configuration and returns detailed error messages.
func (v *validatorImpl) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Struct tag validation first
	err := v.validate.Struct(cfg)
	if err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation error: %w", err)
		}

		var errorMessages []string
		for _, e := range validationErrs {
			errorMessages = append(errorMessages, formatValidationError(e))
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}

	// Neo4j settings only matter when that backend is selected.
	if cfg.Graph.Backend == "neo4j" {
		if cfg.Graph.Neo4j.URI == "" {
			return fmt.Errorf("configuration validation failed:\n  - graph.neo4j.uri is required when graph.backend is 'neo4j'")
		}
		if !strings.HasPrefix(cfg.Graph.Neo4j.URI, "bolt://") &&
			!strings.HasPrefix(cfg.Graph.Neo4j.URI, "neo4j://") &&
			!strings.HasPrefix(cfg.Graph.Neo4j.URI, "bolt+s://") &&
			!strings.HasPrefix(cfg.Graph.Neo4j.URI, "neo4j+s://") {
			return fmt.Errorf("configuration validation failed:\n  - graph.neo4j.uri must use a bolt:// or neo4j:// scheme (got: %s)", cfg.Graph.Neo4j.URI)
		}
	}

	// Real providers need a key; ollama and mock run without one.
	if (cfg.LLM.Provider == "anthropic" || cfg.LLM.Provider == "openai") && cfg.LLM.APIKey == "" {
		return fmt.Errorf("configuration validation failed:\n  - llm.api_key is required for provider %q (use ${ENV_VAR} interpolation)", cfg.LLM.Provider)
	}

	// An unexpanded ${VAR} means the environment variable was unset.
	if strings.Contains(cfg.LLM.APIKey, "${") {
		return fmt.Errorf("configuration validation failed:\n  - llm.api_key references an unset environment variable: %s", cfg.LLM.APIKey)
	}

	for name, target := range cfg.Targets {
		if target.BaseURL == "" {
			return fmt.Errorf("configuration validation failed:\n  - targets.%s.base_url is required", name)
		}
	}

	return nil
}

// formatValidationError formats a single validation error with field path and details.
func formatValidationError(e validator.FieldError) string {
	fieldPath := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", fieldPath, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed %s validation (got: %v)", fieldPath, e.Tag(), e.Value())
	}
}

// formatFieldPath converts a validator namespace like "Config.Run.RepairLimit"
// into the yaml-style path "run.repair_limit".
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 && parts[0] == "Config" {
		parts = parts[1:]
	}

	for i, part := range parts {
		parts[i] = toSnakeCase(part)
	}

	return strings.Join(parts, ".")
}

// toSnakeCase converts a Go field name to its snake_case yaml key.
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
