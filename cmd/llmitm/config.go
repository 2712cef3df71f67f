package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/config"
)

var configForceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage llmitm configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a default config file under the llmitm home directory.

The defaults run entirely offline: mock reasoning provider, in-memory
graph store, and replay capture from the bundled fixtures directory.
Edit the file to point at a real provider and target.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVar(&configForceInit, "force", false, "Overwrite an existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home := resolveHomeDir()

	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath(home)
	}

	if _, err := os.Stat(path); err == nil && !configForceInit {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	defaults := config.DefaultConfig()
	rerootHome(defaults, home)

	if err := config.Save(path, defaults); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "Home directory: %s\n", home)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	source := cfgPath
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		source = fmt.Sprintf("%s (not found, defaults in effect)", cfgPath)
	}

	fmt.Fprintf(tw, "CONFIG:\t%s\n", source)
	fmt.Fprintf(tw, "HOME:\t%s\n", cfg.Core.HomeDir)
	fmt.Fprintf(tw, "DATABASE:\t%s\n", cfg.Database.Path)
	fmt.Fprintf(tw, "GRAPH BACKEND:\t%s\n", cfg.Graph.Backend)
	if cfg.Graph.Backend == "neo4j" {
		fmt.Fprintf(tw, "NEO4J URI:\t%s\n", cfg.Graph.Neo4j.URI)
	}
	fmt.Fprintf(tw, "SNAPSHOT DIR:\t%s\n", cfg.Graph.SnapshotDir)

	llmLine := cfg.LLM.Provider
	if cfg.LLM.Model != "" {
		llmLine += " (" + cfg.LLM.Model + ")"
	}
	fmt.Fprintf(tw, "LLM PROVIDER:\t%s\n", llmLine)
	if cfg.LLM.APIKey != "" {
		fmt.Fprintf(tw, "LLM API KEY:\t[set]\n")
	}
	if cfg.LLM.BaseURL != "" {
		fmt.Fprintf(tw, "LLM BASE URL:\t%s\n", cfg.LLM.BaseURL)
	}

	fmt.Fprintf(tw, "FIXTURES DIR:\t%s\n", cfg.Capture.FixturesDir)
	if cfg.Capture.LiveEndpoint != "" {
		fmt.Fprintf(tw, "LIVE ENDPOINT:\t%s\n", cfg.Capture.LiveEndpoint)
	}

	fmt.Fprintf(tw, "REPAIR LIMIT:\t%d\n", cfg.Run.RepairLimit)
	fmt.Fprintf(tw, "APPROVAL TIMEOUT:\t%s\n", cfg.Run.ApprovalTimeout)
	fmt.Fprintf(tw, "NODE TIMEOUT:\t%s\n", cfg.Run.NodeTimeout)
	fmt.Fprintf(tw, "MAX CONCURRENT:\t%d\n", cfg.Run.MaxConcurrentNodes)
	fmt.Fprintf(tw, "LOGGING:\t%s %s\n", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Tracing.Enabled {
		fmt.Fprintf(tw, "TRACING:\tenabled (%s)\n", cfg.Tracing.Endpoint)
	} else {
		fmt.Fprintf(tw, "TRACING:\tdisabled\n")
	}

	names := make([]string, 0, len(cfg.Targets))
	for name := range cfg.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(tw, "")
	fmt.Fprintln(tw, "TARGETS:")
	for _, name := range names {
		t := cfg.Targets[name]
		desc := t.Description
		if len(t.AllowedCommands) > 0 {
			desc += " [allowed: " + strings.Join(t.AllowedCommands, ", ") + "]"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, t.BaseURL, strings.TrimSpace(desc))
	}
	return nil
}
