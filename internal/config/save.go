package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Save writes the config to path as YAML with 0600 permissions (the file
// may carry interpolation references to secret-bearing variables).
//
// The template is written by hand rather than via yaml.Marshal so duration
// fields render as "60s" instead of raw nanosecond integers.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	content := fmt.Sprintf(`core:
  home_dir: %s
  data_dir: %s
  debug: %t

database:
  path: %s
  busy_timeout: %s
  wal_mode: %t

graph:
  backend: %s
  snapshot_dir: %s
  neo4j:
    uri: %s
    username: %s
    password: %s
    database: %s
    max_connections: %d
    connect_timeout: %s

llm:
  provider: %s
  model: %s
  timeout: %s
  requests_per_minute: %d

capture:
  fixtures_dir: %s
  live_endpoint: %s
  timeout: %s

run:
  repair_limit: %d
  approval_timeout: %s
  node_timeout: %s
  max_concurrent_nodes: %d

targets:
%s
logging:
  level: %s
  format: %s

tracing:
  enabled: %t
  endpoint: %s
  service_name: %s
  sample_rate: %g
`,
		cfg.Core.HomeDir,
		cfg.Core.DataDir,
		cfg.Core.Debug,
		cfg.Database.Path,
		cfg.Database.BusyTimeout,
		cfg.Database.WALMode,
		cfg.Graph.Backend,
		cfg.Graph.SnapshotDir,
		cfg.Graph.Neo4j.URI,
		cfg.Graph.Neo4j.Username,
		cfg.Graph.Neo4j.Password,
		cfg.Graph.Neo4j.Database,
		cfg.Graph.Neo4j.MaxConnections,
		cfg.Graph.Neo4j.ConnectTimeout,
		cfg.LLM.Provider,
		cfg.LLM.Model,
		cfg.LLM.Timeout,
		cfg.LLM.RequestsPerMinute,
		cfg.Capture.FixturesDir,
		cfg.Capture.LiveEndpoint,
		cfg.Capture.Timeout,
		cfg.Run.RepairLimit,
		cfg.Run.ApprovalTimeout,
		cfg.Run.NodeTimeout,
		cfg.Run.MaxConcurrentNodes,
		formatTargets(cfg.Targets),
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Tracing.Enabled,
		cfg.Tracing.Endpoint,
		cfg.Tracing.ServiceName,
		cfg.Tracing.SampleRate,
	)

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// formatTargets renders the targets map in stable name order.
func formatTargets(targets map[string]TargetConfig) string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t := targets[name]
		fmt.Fprintf(&b, "  %s:\n    base_url: %s\n", name, t.BaseURL)
		if t.Description != "" {
			fmt.Fprintf(&b, "    description: %s\n", t.Description)
		}
		if len(t.AllowedCommands) > 0 {
			fmt.Fprintf(&b, "    allowed_commands: [%s]\n", strings.Join(t.AllowedCommands, ", "))
		}
	}
	return b.String()
}
