package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/config"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/observability"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/version"
)

// Global flags shared by every command.
var (
	cfgFile       string
	homeOverride  string
	logLevelFlag  string
	logFormatFlag string
	debugFlag     bool
)

// cfg is populated by loadConfig before any command handler runs;
// cfgPath records where it was read from (the file may not exist, in
// which case defaults are in effect).
var (
	cfg     *config.Config
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "llmitm",
	Short: "llmitm - LLM-assisted compilation and repair orchestrator",
	Long: `llmitm compiles captured HTTP traffic into an executable attack graph
using an LLM reasoning backend, executes the graph against a reference
target, and repairs failed nodes by recompiling them in place.

A run walks recon and critic compilation phases, materializes the
resulting plan into the graph store, then executes nodes in dependency
order. Every run appends a durable, strictly ordered event stream that
'llmitm events watch' can follow live or replay after the fact.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// loadConfig runs before every command, resolving the config file and
// installing the process logger. Commands that must work before a config
// exists skip the load.
func loadConfig(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "init", "version", "help", "completion":
		return nil
	}

	home := resolveHomeDir()

	path := cfgFile
	if path == "" {
		path = os.Getenv("LLMITM_CONFIG")
	}
	if path == "" {
		path = config.DefaultConfigPath(home)
	}

	cfgPath = path
	loader := config.NewConfigLoader(config.NewValidator())
	loaded, err := loader.LoadWithDefaults(path)
	if err != nil {
		return err
	}

	// A missing config file falls back to defaults, which point at the
	// built-in home. Re-root them when the user asked for another home.
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		rerootHome(loaded, home)
	}

	if debugFlag {
		loaded.Core.Debug = true
		loaded.Logging.Level = "debug"
	}
	if logLevelFlag != "" {
		loaded.Logging.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		loaded.Logging.Format = logFormatFlag
	}

	cfg = loaded
	slog.SetDefault(observability.NewLogger(cfg.Logging, os.Stderr))
	return nil
}

// resolveHomeDir picks the llmitm home directory from the --home flag,
// the LLMITM_HOME environment variable, or the built-in default.
func resolveHomeDir() string {
	if homeOverride != "" {
		return homeOverride
	}
	if env := os.Getenv("LLMITM_HOME"); env != "" {
		return env
	}
	return config.DefaultHomeDir()
}

// rerootHome repoints the default paths at the given home directory.
func rerootHome(c *config.Config, home string) {
	if home == c.Core.HomeDir {
		return
	}
	c.Core.HomeDir = home
	c.Core.DataDir = filepath.Join(home, "data")
	c.Database.Path = filepath.Join(home, "llmitm.db")
	c.Graph.SnapshotDir = filepath.Join(home, "snapshots")
	c.Capture.FixturesDir = filepath.Join(home, "fixtures")
}

// debugMode reports whether stack traces should print on panic. The flag
// may not be parsed yet when the panic handler fires, so the environment
// variable is honored as well.
func debugMode() bool {
	return debugFlag || os.Getenv("LLMITM_DEBUG") != ""
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default $LLMITM_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&homeOverride, "home", "", "llmitm home directory (default ~/.llmitm)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format: text, json")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging and panic stack traces")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.String())
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for llmitm.

To load completions:

Bash:

  $ source <(llmitm completion bash)

Zsh:

  $ llmitm completion zsh > "${fpath[1]}/_llmitm"

Fish:

  $ llmitm completion fish | source

PowerShell:

  PS> llmitm completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			_ = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			_ = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			_ = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			_ = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}
