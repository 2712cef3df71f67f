package config

import (
	"time"
)

// Config is the root configuration for the llmitm orchestrator.
type Config struct {
	Core     CoreConfig              `mapstructure:"core" yaml:"core" validate:"required"`
	Database DBConfig                `mapstructure:"database" yaml:"database" validate:"required"`
	Graph    GraphConfig             `mapstructure:"graph" yaml:"graph" validate:"required"`
	LLM      LLMConfig               `mapstructure:"llm" yaml:"llm"`
	Capture  CaptureConfig           `mapstructure:"capture" yaml:"capture"`
	Run      RunConfig               `mapstructure:"run" yaml:"run"`
	Targets  map[string]TargetConfig `mapstructure:"targets" yaml:"targets"`
	Logging  LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig           `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir string `mapstructure:"home_dir" yaml:"home_dir"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
}

// DBConfig contains SQLite database configuration. The database holds run
// records, the durable event log, and the snapshot registry.
type DBConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"min=1s"`
	WALMode     bool          `mapstructure:"wal_mode" yaml:"wal_mode"`
}

// GraphConfig selects and configures the graph store backend.
type GraphConfig struct {
	// Backend is "memory" or "neo4j". Memory is the default so a fresh
	// install can run replay compilations with no external services.
	Backend string      `mapstructure:"backend" yaml:"backend" validate:"oneof=memory neo4j"`
	Neo4j   Neo4jConfig `mapstructure:"neo4j" yaml:"neo4j"`

	// SnapshotDir is where named graph exports are written.
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
}

// Neo4jConfig contains the Neo4j connection settings.
// Validation only applies when graph.backend is "neo4j".
type Neo4jConfig struct {
	URI            string        `mapstructure:"uri" yaml:"uri"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Database       string        `mapstructure:"database" yaml:"database"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1,max=200"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// LLMConfig contains reasoning provider configuration.
type LLMConfig struct {
	// Provider selects the reasoning backend: anthropic, openai, ollama,
	// or mock (deterministic scripted responses, no network).
	Provider string `mapstructure:"provider" yaml:"provider" validate:"oneof=anthropic openai ollama mock"`
	Model    string `mapstructure:"model" yaml:"model"`

	// APIKey may use ${VAR} interpolation; prefer referencing an
	// environment variable over inlining a secret.
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`

	// Timeout bounds each completion call independently.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`

	// RequestsPerMinute throttles calls to real providers. Zero disables
	// throttling (the mock provider ignores it either way).
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute" validate:"min=0"`
}

// CaptureConfig configures the traffic capture providers.
type CaptureConfig struct {
	// FixturesDir holds replay capture files, one JSON document per
	// target profile (<profile>.json).
	FixturesDir string `mapstructure:"fixtures_dir" yaml:"fixtures_dir"`

	// LiveEndpoint is the HTTP endpoint of the external capture tool,
	// polled in live mode for the current capture document.
	LiveEndpoint string `mapstructure:"live_endpoint" yaml:"live_endpoint"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RunConfig carries the controller policy defaults. Each run copies these
// at start time, so changing config mid-run never affects a run in flight.
type RunConfig struct {
	// RepairLimit bounds repair attempts per node before the node is
	// marked permanently error and the run proceeds around it.
	RepairLimit int `mapstructure:"repair_limit" yaml:"repair_limit" validate:"min=0,max=10"`

	// ApprovalTimeout bounds the wait for a human decision before a
	// destructive node dispatch in live mode. Expiry stops the run.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout" validate:"min=1s"`

	// NodeTimeout bounds each node execution independently.
	NodeTimeout time.Duration `mapstructure:"node_timeout" yaml:"node_timeout" validate:"min=1s"`

	// MaxConcurrentNodes caps how many ready nodes dispatch at once.
	MaxConcurrentNodes int `mapstructure:"max_concurrent_nodes" yaml:"max_concurrent_nodes" validate:"min=1,max=64"`
}

// TargetConfig describes one reference vulnerable application profile.
type TargetConfig struct {
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	Description string `mapstructure:"description" yaml:"description,omitempty"`

	// AllowedCommands exempts specific shell commands from the live-mode
	// destructive approval gate. Matching is on the bare command name.
	AllowedCommands []string `mapstructure:"allowed_commands" yaml:"allowed_commands,omitempty"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"min=0,max=1"`
}
