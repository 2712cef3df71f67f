package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns a Config with sensible default values. The defaults
// run entirely offline: mock reasoning provider, in-memory graph store,
// replay capture from the bundled fixtures directory.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir: homeDir,
			DataDir: filepath.Join(homeDir, "data"),
			Debug:   false,
		},
		Database: DBConfig{
			Path:        filepath.Join(homeDir, "llmitm.db"),
			BusyTimeout: 5 * time.Second,
			WALMode:     true,
		},
		Graph: GraphConfig{
			Backend:     "memory",
			SnapshotDir: filepath.Join(homeDir, "snapshots"),
			Neo4j: Neo4jConfig{
				URI:            "bolt://localhost:7687",
				Username:       "neo4j",
				Database:       "neo4j",
				MaxConnections: 25,
				ConnectTimeout: 15 * time.Second,
			},
		},
		LLM: LLMConfig{
			Provider:          "mock",
			Model:             "",
			Timeout:           2 * time.Minute,
			RequestsPerMinute: 30,
		},
		Capture: CaptureConfig{
			FixturesDir: filepath.Join(homeDir, "fixtures"),
			Timeout:     30 * time.Second,
		},
		Run: RunConfig{
			RepairLimit:        2,
			ApprovalTimeout:    60 * time.Second,
			NodeTimeout:        30 * time.Second,
			MaxConcurrentNodes: 4,
		},
		Targets: map[string]TargetConfig{
			"juice_shop": {
				BaseURL:         "http://localhost:3000",
				Description:     "OWASP Juice Shop",
				AllowedCommands: []string{"curl", "whoami"},
			},
			"dvwa": {
				BaseURL:     "http://localhost:8080",
				Description: "Damn Vulnerable Web Application",
			},
			"webgoat": {
				BaseURL:     "http://localhost:8081/WebGoat",
				Description: "OWASP WebGoat",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "llmitm",
			SampleRate:  1.0,
		},
	}
}

// getDefaultHomeDir returns the default llmitm home directory.
// It uses ~/.llmitm or falls back to a temporary directory if the user home
// cannot be determined.
func getDefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".llmitm")
	}
	return filepath.Join(userHome, ".llmitm")
}

// DefaultHomeDir returns the default llmitm home directory.
func DefaultHomeDir() string {
	return getDefaultHomeDir()
}

// DefaultConfigPath returns the config file path under the given home
// directory.
func DefaultConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}
